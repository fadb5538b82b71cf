package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/trainloop/tensor"
)

// Sequential chains layers in order. It implements Module and Hookable.
type Sequential struct {
	name   string
	layers []Layer
	mode   Mode
	device tensor.DeviceType

	hooks  map[int]ForwardHook
	nextID int
}

// NewSequential creates a model named "Sequential" from the given layers
func NewSequential(layers ...Layer) *Sequential {
	return NewNamedSequential("Sequential", layers...)
}

// NewNamedSequential creates a sequential model reported under a custom model name
func NewNamedSequential(name string, layers ...Layer) *Sequential {
	return &Sequential{
		name:   name,
		layers: layers,
		mode:   TrainMode,
		device: tensor.CPU,
		hooks:  make(map[int]ForwardHook),
	}
}

func (s *Sequential) Name() string              { return s.name }
func (s *Sequential) Mode() Mode                { return s.mode }
func (s *Sequential) SetMode(mode Mode)         { s.mode = mode }
func (s *Sequential) Device() tensor.DeviceType { return s.device }

func (s *Sequential) ToDevice(device tensor.DeviceType) error {
	for _, layer := range s.layers {
		if da, ok := layer.(deviceAware); ok {
			da.setDevice(device)
		}
	}
	s.device = device
	return nil
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	for _, layer := range s.layers {
		next, err := layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("forward through %s failed: %w", layer.Name(), err)
		}
		for _, hook := range s.hooks {
			hook(layer.Name(), next)
		}
		out = next
	}
	return out, nil
}

func (s *Sequential) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if len(s.layers) == 0 {
		return nil, ErrNoGradient
	}
	grad := gradOut
	for i := len(s.layers) - 1; i >= 0; i-- {
		next, err := s.layers[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("backward through %s failed: %w", s.layers[i].Name(), err)
		}
		grad = next
	}
	return grad, nil
}

func (s *Sequential) NamedParameters() []*Parameter {
	var params []*Parameter
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (s *Sequential) NamedLayers() []NamedLayer {
	named := make([]NamedLayer, len(s.layers))
	for i, layer := range s.layers {
		named[i] = NamedLayer{Path: layer.Name(), Layer: layer}
	}
	return named
}

func (s *Sequential) ZeroGrad() {
	for _, p := range s.NamedParameters() {
		g := p.Grad.Data.([]float32)
		for i := range g {
			g[i] = 0
		}
	}
}

func (s *Sequential) RegisterForwardHook(hook ForwardHook) (remove func()) {
	id := s.nextID
	s.nextID++
	s.hooks[id] = hook
	return func() { delete(s.hooks, id) }
}

// String renders the architecture in PyTorch style
func (s *Sequential) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(\n", s.name)
	for _, layer := range s.layers {
		fmt.Fprintf(&sb, "  %s\n", layer.String())
	}
	sb.WriteString(")")
	return sb.String()
}
