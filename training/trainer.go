package training

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/tsawler/trainloop/checkpoints"
	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/mask"
	"github.com/tsawler/trainloop/monitor"
	"github.com/tsawler/trainloop/tensor"
)

// Trainer drives the training lifecycle of one run: epochs over the
// training loader, the periodic full-dataset evaluation, checkpointing and
// the interpretability hooks. The optimization itself is the injected
// BatchStep.
type Trainer struct {
	model     layers.Module
	criterion Loss
	step      BatchStep
	config    Config
	device    tensor.DeviceType

	trainLoader *DataLoader
	testLoader  *DataLoader
	timer       *monitor.Timer
	accuracy    monitor.Accuracy
	sink        monitor.Sink
	instrument  monitor.Instrumentation
	maskTrainer monitor.MaskTrainer
	store       *checkpoints.Store
	runID       string

	logger     *slog.Logger
	progress   io.Writer
	now        func() time.Time
	seed       int64
	maskConfig mask.Config
	publishers []monitor.Publisher
}

// Option customizes a Trainer at construction
type Option func(*Trainer)

// WithAccuracy overrides the accuracy strategy chosen from the loss category
func WithAccuracy(accuracy monitor.Accuracy) Option {
	return func(t *Trainer) { t.accuracy = accuracy }
}

// WithSink replaces the default Monitor
func WithSink(sink monitor.Sink) Option {
	return func(t *Trainer) { t.sink = sink }
}

// WithPublishers sets the transports of the default Monitor
func WithPublishers(publishers ...monitor.Publisher) Option {
	return func(t *Trainer) { t.publishers = append(t.publishers, publishers...) }
}

// WithMutualInfo sets the instrumentation applied to the full-dataset
// evaluator. The default Monitor supplies its own when none is given.
func WithMutualInfo(instrument monitor.Instrumentation) Option {
	return func(t *Trainer) { t.instrument = instrument }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithClock sets the time source used to date the run name
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) { t.now = now }
}

// WithProgressWriter redirects progress bars and the model printout
func WithProgressWriter(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

func WithMaskConfig(config mask.Config) Option {
	return func(t *Trainer) { t.maskConfig = config }
}

// WithSeed seeds the shuffling of the training loader
func WithSeed(seed int64) Option {
	return func(t *Trainer) { t.seed = seed }
}

// New builds a Trainer for model on the dataset named in config. The model
// is moved to the fastest available device.
func New(model layers.Module, criterion Loss, step BatchStep, config Config, opts ...Option) (*Trainer, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %w", err)
	}
	if model == nil || criterion == nil || step == nil {
		return nil, errors.New("trainer requires a model, a loss and a batch step")
	}

	t := &Trainer{
		model:      model,
		criterion:  criterion,
		step:       step,
		config:     config,
		progress:   os.Stdout,
		now:        time.Now,
		seed:       1,
		maskConfig: mask.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default().With("component", "trainer")
	}

	t.device = tensor.DefaultDevice()
	if err := model.ToDevice(t.device); err != nil {
		return nil, fmt.Errorf("failed to move model to %s: %w", t.device, err)
	}

	trainSet, err := LoadDataset(config.DatasetName, true)
	if err != nil {
		return nil, err
	}
	testSet, err := LoadDataset(config.DatasetName, false)
	if err != nil {
		return nil, err
	}
	t.trainLoader, err = NewDataLoader(trainSet, config.BatchSize, config.Shuffle, config.NumWorkers, t.device, rand.New(rand.NewSource(t.seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to create train loader: %w", err)
	}
	t.testLoader, err = NewDataLoader(testSet, config.BatchSize, false, config.NumWorkers, t.device, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create test loader: %w", err)
	}

	t.timer = monitor.NewTimer(t.trainLoader.Len())
	t.runID = t.deriveRunID()

	if t.accuracy == nil {
		if criterion.Category() == Embedding {
			t.accuracy = monitor.NewEmbeddingAccuracy()
		} else {
			t.accuracy = monitor.NewArgmaxAccuracy()
		}
	}

	if t.sink == nil {
		monitorConfig := monitor.DefaultConfig()
		monitorConfig.Logger = t.logger.With("component", "monitor")
		m, err := monitor.New(monitorConfig, t.timer, t.accuracy, FullForwardPass(t.testLoader), t.publishers...)
		if err != nil {
			return nil, fmt.Errorf("failed to create monitor: %w", err)
		}
		t.sink = m
		if t.instrument == nil {
			t.instrument = m.MutualInfo()
		}
	}

	for _, named := range model.NamedLayers() {
		if named.Layer.Type().IsWatched() {
			t.sink.RegisterLayer(named.Layer, named.Path)
		}
	}

	first, err := t.trainLoader.FirstBatch()
	if err != nil {
		return nil, fmt.Errorf("failed to sample image shape: %w", err)
	}
	image, err := first.Data.Row(0)
	if err != nil {
		return nil, err
	}
	maskConfig := t.maskConfig
	if maskConfig.Logger == nil {
		maskConfig.Logger = t.logger.With("component", "mask")
	}
	t.maskTrainer, err = mask.NewTrainer(t.accuracy, image.Shape, maskConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask trainer: %w", err)
	}

	t.store = checkpoints.NewStore(config.CheckpointDir, config.CheckpointFormat)
	return t, nil
}

func (t *Trainer) deriveRunID() string {
	id := fmt.Sprintf("%s %s: %s %s %s", t.now().Format("2006.01.02"), t.model.Name(),
		t.config.DatasetName, t.config.Variant, t.criterion.Name())
	if t.config.EnvSuffix != "" {
		id += " " + t.config.EnvSuffix
	}
	return id
}

// RunID returns the run identifier; Restore may replace it
func (t *Trainer) RunID() string { return t.runID }

// Epoch returns the number of completed epochs
func (t *Trainer) Epoch() int { return t.timer.Epoch() }

func (t *Trainer) Model() layers.Module             { return t.model }
func (t *Trainer) Accuracy() monitor.Accuracy       { return t.accuracy }
func (t *Trainer) Sink() monitor.Sink               { return t.sink }
func (t *Trainer) Timer() *monitor.Timer            { return t.timer }
func (t *Trainer) Device() tensor.DeviceType        { return t.device }
func (t *Trainer) TrainLoader() *DataLoader         { return t.trainLoader }
func (t *Trainer) MaskTrainer() monitor.MaskTrainer { return t.maskTrainer }

func (t *Trainer) String() string {
	return fmt.Sprintf("%s(model=%s, criterion=%s, accuracy=%s, dataset=%s, batch_size=%d, device=%s)",
		t.config.Variant, t.model.Name(), t.criterion.Name(), t.accuracy.Name(),
		t.config.DatasetName, t.config.BatchSize, t.device)
}

// FullForwardPass returns an evaluator running the model over every batch of
// loader in eval mode.
func FullForwardPass(loader *DataLoader) monitor.Evaluator {
	return func(model layers.Module) (*tensor.Tensor, *tensor.Tensor, error) {
		var outputs, labels []*tensor.Tensor
		err := layers.WithMode(model, layers.EvalMode, func() error {
			loader.Reset()
			for {
				batch, err := loader.Next()
				if err != nil {
					return err
				}
				if batch == nil {
					return nil
				}
				out, err := model.Forward(batch.Data)
				if err != nil {
					return fmt.Errorf("full forward pass failed: %w", err)
				}
				outputs = append(outputs, out)
				labels = append(labels, batch.Labels)
			}
		})
		if err != nil {
			return nil, nil, err
		}
		if len(outputs) == 0 {
			return nil, nil, ErrEmptyEpoch
		}
		out, err := tensor.Concat(outputs)
		if err != nil {
			return nil, nil, err
		}
		lbl, err := tensor.Concat(labels)
		if err != nil {
			return nil, nil, err
		}
		return out, lbl, nil
	}
}

// FullInputs returns the inputs of every batch of loader, in loader order.
func FullInputs(loader *DataLoader) monitor.InputSource {
	return func() (*tensor.Tensor, error) {
		loader.Reset()
		var inputs []*tensor.Tensor
		for {
			batch, err := loader.Next()
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}
			inputs = append(inputs, batch.Data)
		}
		if len(inputs) == 0 {
			return nil, ErrEmptyEpoch
		}
		return tensor.Concat(inputs)
	}
}

// TrainEpoch runs one pass over the training loader and returns the mean
// batch loss. Non-finite parameters are reported but do not stop training.
// epoch only labels progress output; the epoch counter advances by one per
// completed call whatever its value.
func (t *Trainer) TrainEpoch(epoch int) (float64, error) {
	completed := t.timer.Epoch()
	t.model.SetMode(layers.TrainMode)
	t.trainLoader.Reset()

	var loss monitor.MeanOnline
	var lastOutputs *tensor.Tensor
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %d", epoch), t.trainLoader.Len())

	for step := 1; ; step++ {
		batch, err := t.trainLoader.Next()
		if err != nil {
			return 0, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if batch == nil {
			break
		}
		images, labels := batch.Data, batch.Labels
		if t.device == tensor.Accelerated {
			if images, err = images.ToDevice(t.device); err != nil {
				return 0, err
			}
			if labels, err = labels.ToDevice(t.device); err != nil {
				return 0, err
			}
		}

		outputs, batchLoss, err := t.step(images, labels)
		if err != nil {
			return 0, fmt.Errorf("epoch %d batch %d: %w", epoch, step, err)
		}
		loss.Update(batchLoss)
		lastOutputs = outputs

		for _, p := range t.model.NamedParameters() {
			if p.Value.HasNonFinite() {
				t.logger.Warn("non-finite parameter values", "parameter", p.Name, "epoch", epoch)
			}
		}

		t.timer.Tick()
		t.sink.BatchFinished(t.model)
		bar.Update(step, map[string]float64{"loss": loss.Mean()})
	}
	if loss.Count() == 0 {
		return 0, ErrEmptyEpoch
	}
	bar.Finish()
	t.timer.SetEpoch(completed + 1)

	t.sink.UpdateLoss(loss.Mean(), monitor.CadenceBatch)
	if t.accuracy.Kind() != monitor.KindArgmax {
		t.sink.UpdateSparsity(lastOutputs, monitor.CadenceBatch)
		t.sink.UpdateDensity(lastOutputs, monitor.CadenceBatch)
	}
	return loss.Mean(), nil
}

// UpdateBatchAccuracy calibrates the accuracy strategy on a batch and
// reports the batch accuracy.
func (t *Trainer) UpdateBatchAccuracy(outputs, labels *tensor.Tensor) (float64, error) {
	if err := t.accuracy.Save(outputs, labels); err != nil {
		return 0, fmt.Errorf("failed to calibrate %s: %w", t.accuracy.Name(), err)
	}
	predicted, err := t.accuracy.Predict(outputs)
	if err != nil {
		return 0, err
	}
	lbl, err := labels.GetInt32Data()
	if err != nil {
		return 0, err
	}
	acc := monitor.CalcAccuracy(lbl, predicted)
	t.sink.UpdateAccuracy(acc, monitor.CadenceBatch)
	return acc, nil
}

func (t *Trainer) logTrainer() {
	printArchitecture(t.progress, t.model)
	t.sink.LogModel(t.model)
	t.sink.LogSelf()
	t.sink.Log(t.String())
	t.sink.Log(fmt.Sprintf("Criterion: %s", t.criterion))
	t.sink.Log(t.maskTrainer.String())
}

// Train runs opts.Epochs epochs starting at the current epoch. Epochs
// divisible by opts.EpochUpdateStep are evaluation epochs: the whole
// training set is evaluated, the accuracy strategy recalibrated and a
// checkpoint written.
func (t *Trainer) Train(opts TrainOptions) error {
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("invalid train options: %w", err)
	}

	if !t.sink.IsActive() {
		if err := t.sink.Open(t.runID); err != nil {
			return fmt.Errorf("failed to open monitoring stream: %w", err)
		}
		t.sink.Clear()
	}
	t.logTrainer()

	evalView := t.trainLoader.EvalView()
	eval := FullForwardPass(evalView)
	if opts.MutualInfoLayers > 0 && t.instrument != nil {
		if err := t.instrument.Prepare(t.model, FullInputs(evalView), opts.MutualInfoLayers); err != nil {
			return fmt.Errorf("failed to prepare instrumentation: %w", err)
		}
		eval = t.instrument.Wrap(eval)
	}

	start := t.timer.Epoch()
	for epoch := start; epoch < start+opts.Epochs; epoch++ {
		if _, err := t.TrainEpoch(epoch); err != nil {
			return err
		}
		if epoch%opts.EpochUpdateStep == 0 {
			if err := t.evaluationEpoch(eval, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) evaluationEpoch(eval monitor.Evaluator, opts TrainOptions) error {
	outputs, labels, err := eval(t.model)
	if err != nil {
		return err
	}
	if err := t.accuracy.SaveFull(outputs, labels); err != nil {
		return fmt.Errorf("failed to calibrate %s: %w", t.accuracy.Name(), err)
	}
	t.sink.EpochFinished(t.model, outputs, labels)

	if opts.Adversarial {
		examples, err := t.AdversarialExamples(opts.NoiseAmplitude, opts.AdversarialIterations)
		if err != nil {
			return err
		}
		t.sink.PlotAdversarialExamples(t.model, examples)
	}
	if opts.MaskExplain {
		if _, _, err := t.TrainMask(); err != nil {
			return err
		}
	}

	loss, err := t.criterion.Forward(outputs, labels)
	if err != nil {
		return fmt.Errorf("full train loss failed: %w", err)
	}
	t.sink.UpdateLoss(loss, monitor.CadenceFullTrain)

	_, err = t.Save()
	return err
}

// AdversarialExamples perturbs the first training batch
func (t *Trainer) AdversarialExamples(noiseAmplitude float32, iterations int) (monitor.AdversarialExamples, error) {
	gen := NewAdversarialGenerator(t.model, t.criterion, t.trainLoader, t.logger.With("component", "adversarial"))
	return gen.Generate(noiseAmplitude, iterations)
}

// TrainMask picks the sample of the first training batch with the most
// confident prediction and hands it to the sink's mask plot. The model is
// in eval mode for the duration and restored afterwards.
func (t *Trainer) TrainMask() (*tensor.Tensor, int32, error) {
	batch, err := t.trainLoader.FirstBatch()
	if err != nil {
		return nil, 0, err
	}
	labels, err := batch.Labels.GetInt32Data()
	if err != nil {
		return nil, 0, err
	}

	var image *tensor.Tensor
	var label int32
	err = layers.WithMode(t.model, layers.EvalMode, func() error {
		outputs, err := t.model.Forward(batch.Data)
		if err != nil {
			return fmt.Errorf("mask sample selection failed: %w", err)
		}
		proba, err := t.accuracy.PredictProba(outputs)
		if err != nil {
			return fmt.Errorf("mask sample selection failed: %w", err)
		}
		maxProba, _, err := tensor.MaxRows(proba)
		if err != nil {
			return err
		}
		idx := tensor.Argmax(maxProba)
		if image, err = batch.Data.Row(idx); err != nil {
			return err
		}
		label = labels[idx]
		return t.sink.PlotMask(t.model, t.maskTrainer, image, label)
	})
	if err != nil {
		return nil, 0, err
	}
	return image, label, nil
}

// Close closes the monitoring stream
func (t *Trainer) Close() error {
	return t.sink.Close()
}
