package optimizer

import (
	"github.com/tsawler/trainloop/layers"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update to every parameter using its accumulated gradient
	Step(params []*layers.Parameter) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// Name identifies the optimizer in logs, e.g. "SGD"
	Name() string
}
