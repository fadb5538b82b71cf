package monitor

import (
	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

// Cadence tags a metric with the schedule it was measured on
type Cadence string

const (
	CadenceBatch     Cadence = "batch"
	CadenceFullTrain Cadence = "full train"
	CadenceTest      Cadence = "test"
)

// Evaluator runs a model over a whole dataset and returns the concatenated
// outputs together with the matching labels.
type Evaluator func(model layers.Module) (outputs, labels *tensor.Tensor, err error)

// InputSource returns every input of the evaluation dataset, stacked along
// the first dimension in evaluation order.
type InputSource func() (*tensor.Tensor, error)

// Instrumentation observes full-dataset evaluations. Prepare is called once
// per run before Wrap, with the inputs the wrapped evaluator will see.
type Instrumentation interface {
	Prepare(model layers.Module, inputs InputSource, monitorLayers int) error
	Wrap(eval Evaluator) Evaluator
}

// AdversarialExamples holds an unperturbed batch, its perturbed counterpart
// and the labels shared by both.
type AdversarialExamples struct {
	Original    *tensor.Tensor
	Adversarial *tensor.Tensor
	Labels      *tensor.Tensor
}

// MaskTrainer learns an input saliency mask for a single image.
type MaskTrainer interface {
	TrainMask(model layers.Module, image *tensor.Tensor, label int32) (*tensor.Tensor, error)
	String() string
}

// Sink receives lifecycle events from the trainer. Apart from Open and
// PlotMask, every method is fire-and-forget: failures are logged by the sink.
type Sink interface {
	Open(runID string) error
	IsActive() bool
	Close() error
	Clear()

	Log(text string)
	LogModel(model layers.Module)
	LogSelf()
	RegisterLayer(layer layers.Layer, prefix string)

	UpdateLoss(value float64, cadence Cadence)
	UpdateAccuracy(value float64, cadence Cadence)
	UpdateSparsity(outputs *tensor.Tensor, cadence Cadence)
	UpdateDensity(outputs *tensor.Tensor, cadence Cadence)

	BatchFinished(model layers.Module)
	EpochFinished(model layers.Module, outputs, labels *tensor.Tensor)

	PlotAdversarialExamples(model layers.Module, examples AdversarialExamples)
	PlotMask(model layers.Module, trainer MaskTrainer, image *tensor.Tensor, label int32) error
}
