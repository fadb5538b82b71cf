package layers

import (
	"errors"

	"github.com/tsawler/trainloop/tensor"
)

// ErrNoGradient is returned by Backward when no differentiable path connects
// the module input to its output (a Detach layer, or Backward before Forward).
var ErrNoGradient = errors.New("no gradient path to input")

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	Detach
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case Detach:
		return "Detach"
	default:
		return "Unknown"
	}
}

// IsWatched reports whether layers of this type carry weights worth monitoring
// (the linear and convolutional families).
func (lt LayerType) IsWatched() bool {
	return lt == Dense || lt == Conv2D
}

// Mode is the train/eval state of a module.
type Mode int

const (
	TrainMode Mode = iota
	EvalMode
)

func (m Mode) String() string {
	if m == EvalMode {
		return "eval"
	}
	return "train"
}

// Parameter is a trainable tensor together with its accumulated gradient.
// Name is fully qualified, e.g. "dense1.weight".
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Layer is a single differentiable transformation.
type Layer interface {
	Name() string
	Type() LayerType
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward maps the gradient w.r.t. the last Forward output to the gradient
	// w.r.t. its input, accumulating parameter gradients along the way.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	String() string
}

// NamedLayer pairs a layer with its path inside the module.
type NamedLayer struct {
	Path  string
	Layer Layer
}

// Module is the model contract consumed by the training orchestrator.
type Module interface {
	Name() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	NamedParameters() []*Parameter
	NamedLayers() []NamedLayer
	Mode() Mode
	SetMode(mode Mode)
	Device() tensor.DeviceType
	ToDevice(device tensor.DeviceType) error
	ZeroGrad()
	String() string
}

// ForwardHook observes the output of every layer during Forward.
type ForwardHook func(path string, output *tensor.Tensor)

// Hookable is implemented by modules that expose per-layer activations.
type Hookable interface {
	RegisterForwardHook(hook ForwardHook) (remove func())
}

// WithMode switches m into mode for the duration of fn and restores the
// previous mode on every exit path, panics included.
func WithMode(m Module, mode Mode, fn func() error) error {
	saved := m.Mode()
	m.SetMode(mode)
	defer m.SetMode(saved)
	return fn()
}

type deviceAware interface {
	setDevice(device tensor.DeviceType)
}
