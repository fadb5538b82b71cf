// Command trainloop trains a small MLP on a registered dataset, checkpointing
// and monitoring the run as it goes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/tsawler/trainloop/checkpoints"
	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/monitor"
	"github.com/tsawler/trainloop/optimizer"
	"github.com/tsawler/trainloop/training"
)

type options struct {
	dataset       string
	lossName      string
	hidden        int
	learningRate  float64
	seed          int64
	checkpointDir string
	format        string
	suffix        string
	restore       bool
	plotURL       string
	redisAddr     string
	verbose       bool

	config training.Config
	train  training.TrainOptions
}

func parseFlags() options {
	var o options
	o.config = training.DefaultConfig("blobs")
	o.train = training.DefaultTrainOptions()

	flag.StringVar(&o.dataset, "dataset", "blobs", "dataset name, one of: "+strings.Join(training.Datasets(), ", "))
	flag.StringVar(&o.lossName, "loss", "ce", "loss function: ce or contrastive")
	flag.IntVar(&o.hidden, "hidden", 32, "hidden layer width")
	flag.Float64Var(&o.learningRate, "lr", 0.001, "Adam learning rate")
	flag.Int64Var(&o.seed, "seed", 1, "seed for weight init and shuffling")
	flag.IntVar(&o.config.BatchSize, "batch-size", o.config.BatchSize, "batch size")
	flag.IntVar(&o.config.NumWorkers, "workers", o.config.NumWorkers, "sample loading workers")
	flag.StringVar(&o.checkpointDir, "checkpoint-dir", o.config.CheckpointDir, "checkpoint directory")
	flag.StringVar(&o.format, "format", "proto", "checkpoint format: proto or json")
	flag.StringVar(&o.suffix, "suffix", "", "run name suffix")
	flag.BoolVar(&o.restore, "restore", false, "resume from this run's checkpoint if present")
	flag.IntVar(&o.train.Epochs, "epochs", o.train.Epochs, "epochs to train")
	flag.IntVar(&o.train.EpochUpdateStep, "update-step", o.train.EpochUpdateStep, "evaluate and checkpoint every N epochs")
	flag.IntVar(&o.train.MutualInfoLayers, "mi-layers", o.train.MutualInfoLayers, "trailing layers to estimate mutual information for (0 disables)")
	flag.BoolVar(&o.train.Adversarial, "adversarial", false, "plot adversarial examples on evaluation epochs")
	flag.BoolVar(&o.train.MaskExplain, "mask", false, "train a saliency mask on evaluation epochs")
	flag.IntVar(&o.train.AdversarialIterations, "adv-iters", o.train.AdversarialIterations, "adversarial iterations")
	noise := flag.Float64("noise", float64(o.train.NoiseAmplitude), "adversarial noise amplitude")
	flag.StringVar(&o.plotURL, "plot-url", "", "plotting sidecar base URL")
	flag.StringVar(&o.redisAddr, "redis", "", "redis address for the monitoring stream")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.Parse()

	o.train.NoiseAmplitude = float32(*noise)
	o.config.DatasetName = o.dataset
	o.config.CheckpointDir = o.checkpointDir
	o.config.EnvSuffix = o.suffix
	if o.format == "json" {
		o.config.CheckpointFormat = checkpoints.FormatJSON
	}
	return o
}

func main() {
	o := parseFlags()

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(o, logger); err != nil {
		logger.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func buildModel(o options, inFeatures int) (*layers.Sequential, error) {
	rng := rand.New(rand.NewSource(o.seed))
	fc1, err := layers.NewDense("fc1", inFeatures, o.hidden, true, rng)
	if err != nil {
		return nil, err
	}
	fc2, err := layers.NewDense("fc2", o.hidden, 3, true, rng)
	if err != nil {
		return nil, err
	}
	return layers.NewNamedSequential("MLP", fc1, layers.NewReLU("relu1"), fc2), nil
}

func publishers(o options, logger *slog.Logger) ([]monitor.Publisher, error) {
	var pubs []monitor.Publisher
	if o.plotURL != "" {
		cfg := monitor.DefaultPlottingServiceConfig()
		cfg.BaseURL = o.plotURL
		ps, err := monitor.NewPlottingService(cfg)
		if err != nil {
			return nil, err
		}
		if err := ps.CheckHealth(context.Background()); err != nil {
			logger.Warn("plotting sidecar unavailable", "url", o.plotURL, "error", err)
		}
		pubs = append(pubs, ps)
	}
	if o.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", o.redisAddr, err)
		}
		pubs = append(pubs, monitor.NewRedisPublisher(client, "", 10000))
	}
	return pubs, nil
}

func run(o options, logger *slog.Logger) error {
	sample, err := training.LoadDataset(o.dataset, true)
	if err != nil {
		return err
	}
	if sample.Len() == 0 {
		return training.ErrEmptyEpoch
	}
	image, _, err := sample.Get(0)
	if err != nil {
		return err
	}

	model, err := buildModel(o, image.NumElems)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	var criterion training.Loss = training.NewCrossEntropyLoss()
	if o.lossName == "contrastive" {
		criterion = training.NewContrastiveLoss(1.0)
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = float32(o.learningRate)
	adam, err := optimizer.NewAdam(adamConfig)
	if err != nil {
		return err
	}

	pubs, err := publishers(o, logger)
	if err != nil {
		return err
	}

	trainer, err := training.New(model, criterion, training.NewGradStep(model, criterion, adam), o.config,
		training.WithLogger(logger),
		training.WithPublishers(pubs...),
		training.WithSeed(o.seed),
	)
	if err != nil {
		return err
	}
	defer trainer.Close()

	if o.restore {
		if _, err := trainer.Restore("", true); err != nil {
			return err
		}
	}

	logger.Info("starting run", "run", trainer.RunID(), "device", trainer.Device(), "epoch", trainer.Epoch())
	if err := trainer.Train(o.train); err != nil {
		return err
	}
	logger.Info("run finished", "run", trainer.RunID(), "epoch", trainer.Epoch(), "checkpoint", trainer.CheckpointPath())
	return nil
}
