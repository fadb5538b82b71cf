package layers

import (
	"fmt"

	"github.com/tsawler/trainloop/tensor"
)

type ReLULayer struct {
	name   string
	output *tensor.Tensor
}

func NewReLU(name string) *ReLULayer {
	return &ReLULayer{name: name}
}

func (r *ReLULayer) Name() string             { return r.name }
func (r *ReLULayer) Type() LayerType          { return ReLU }
func (r *ReLULayer) Parameters() []*Parameter { return nil }
func (r *ReLULayer) String() string           { return fmt.Sprintf("(%s): ReLU()", r.name) }

func (r *ReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	in, err := x.GetFloat32Data()
	if err != nil {
		return nil, fmt.Errorf("relu %s: %v", r.name, err)
	}
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 0 {
			out[i] = v
		}
	}
	result, err := tensor.NewTensor(x.Shape, tensor.Float32, x.Device, out)
	if err != nil {
		return nil, err
	}
	r.output = result
	return result, nil
}

func (r *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, fmt.Errorf("relu %s: %w", r.name, ErrNoGradient)
	}
	g := gradOut.Data.([]float32)
	out := r.output.Data.([]float32)
	if len(g) != len(out) {
		return nil, fmt.Errorf("relu %s: gradient shape %v does not match output %v", r.name, gradOut.Shape, r.output.Shape)
	}
	gradIn := make([]float32, len(g))
	for i := range g {
		if out[i] > 0 {
			gradIn[i] = g[i]
		}
	}
	return tensor.NewTensor(r.output.Shape, tensor.Float32, r.output.Device, gradIn)
}

// DetachLayer passes values through unchanged but blocks gradients.
type DetachLayer struct {
	name string
}

func NewDetach(name string) *DetachLayer {
	return &DetachLayer{name: name}
}

func (d *DetachLayer) Name() string             { return d.name }
func (d *DetachLayer) Type() LayerType          { return Detach }
func (d *DetachLayer) Parameters() []*Parameter { return nil }
func (d *DetachLayer) String() string           { return fmt.Sprintf("(%s): Detach()", d.name) }

func (d *DetachLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return x.Clone()
}

func (d *DetachLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, fmt.Errorf("detach %s: %w", d.name, ErrNoGradient)
}
