package training

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/tsawler/trainloop/checkpoints"
)

var validate = validator.New()

// ErrEmptyEpoch is returned when the training loader yields no batches.
var ErrEmptyEpoch = errors.New("training loader yielded no batches")

// Config holds the construction-time settings of a Trainer
type Config struct {
	DatasetName string `validate:"required"`
	BatchSize   int    `validate:"gte=1"`
	NumWorkers  int    `validate:"gte=0"`
	Shuffle     bool
	// Variant names the trainer flavour in the run name, e.g. "TrainerGrad"
	Variant string `validate:"required"`
	// EnvSuffix is appended to the run name when set
	EnvSuffix        string
	CheckpointDir    string `validate:"required"`
	CheckpointFormat checkpoints.CheckpointFormat
}

// DefaultConfig returns sensible defaults for the given dataset
func DefaultConfig(datasetName string) Config {
	return Config{
		DatasetName:      datasetName,
		BatchSize:        32,
		NumWorkers:       4,
		Shuffle:          true,
		Variant:          "TrainerGrad",
		CheckpointDir:    "checkpoints",
		CheckpointFormat: checkpoints.FormatProto,
	}
}

// TrainOptions controls a single call to Trainer.Train
type TrainOptions struct {
	Epochs int `validate:"gte=0"`
	// EpochUpdateStep sets the evaluation cadence: epochs divisible by it
	// run the full-dataset pass and write a checkpoint.
	EpochUpdateStep       int `validate:"gte=1"`
	MutualInfoLayers      int `validate:"gte=0"`
	Adversarial           bool
	MaskExplain           bool
	NoiseAmplitude        float32 `validate:"gte=0"`
	AdversarialIterations int     `validate:"gte=0"`
}

// DefaultTrainOptions returns the default options for Train
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Epochs:                10,
		EpochUpdateStep:       1,
		MutualInfoLayers:      1,
		NoiseAmplitude:        100,
		AdversarialIterations: 10,
	}
}
