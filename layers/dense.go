package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/trainloop/tensor"
)

// DenseLayer is a fully connected layer: y = x·Wᵀ + b. Inputs of any rank are
// flattened to [batch, features].
type DenseLayer struct {
	name        string
	inFeatures  int
	outFeatures int
	useBias     bool
	device      tensor.DeviceType

	weight *Parameter
	bias   *Parameter

	input *tensor.Tensor
}

// NewDense creates a Dense layer with Xavier-uniform weights drawn from rng
func NewDense(name string, inFeatures, outFeatures int, useBias bool, rng *rand.Rand) (*DenseLayer, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("dense layer %s: features must be positive, got %d -> %d", name, inFeatures, outFeatures)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	limit := math.Sqrt(6.0 / float64(inFeatures+outFeatures))
	weights := make([]float32, inFeatures*outFeatures)
	for i := range weights {
		weights[i] = float32((rng.Float64()*2 - 1) * limit)
	}

	weight, err := newParameter(name+".weight", []int{outFeatures, inFeatures}, weights)
	if err != nil {
		return nil, err
	}

	layer := &DenseLayer{
		name:        name,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		useBias:     useBias,
		weight:      weight,
	}

	if useBias {
		layer.bias, err = newParameter(name+".bias", []int{outFeatures}, make([]float32, outFeatures))
		if err != nil {
			return nil, err
		}
	}
	return layer, nil
}

func newParameter(name string, shape []int, data []float32) (*Parameter, error) {
	value, err := tensor.FromFloat32(shape, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter %s: %v", name, err)
	}
	grad, err := tensor.Zeros(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient for %s: %v", name, err)
	}
	return &Parameter{Name: name, Value: value, Grad: grad}, nil
}

func (d *DenseLayer) Name() string    { return d.name }
func (d *DenseLayer) Type() LayerType { return Dense }

func (d *DenseLayer) Parameters() []*Parameter {
	if d.bias != nil {
		return []*Parameter{d.weight, d.bias}
	}
	return []*Parameter{d.weight}
}

func (d *DenseLayer) setDevice(device tensor.DeviceType) {
	d.device = device
	for _, p := range d.Parameters() {
		p.Value.Device = device
		p.Grad.Device = device
	}
}

func (d *DenseLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != tensor.Float32 || len(x.Shape) == 0 {
		return nil, fmt.Errorf("dense layer %s: expected Float32 batch, got %s", d.name, x)
	}
	batch := x.Shape[0]
	if x.NumElems/batch != d.inFeatures {
		return nil, fmt.Errorf("dense layer %s: expected %d input features, got shape %v", d.name, d.inFeatures, x.Shape)
	}

	in := x.Data.([]float32)
	w := d.weight.Value.Data.([]float32)
	out := make([]float32, batch*d.outFeatures)
	for n := 0; n < batch; n++ {
		row := in[n*d.inFeatures : (n+1)*d.inFeatures]
		for o := 0; o < d.outFeatures; o++ {
			out[n*d.outFeatures+o] = tensor.Dot(d.device, w[o*d.inFeatures:(o+1)*d.inFeatures], row)
		}
	}
	if d.bias != nil {
		b := d.bias.Value.Data.([]float32)
		for n := 0; n < batch; n++ {
			for o := 0; o < d.outFeatures; o++ {
				out[n*d.outFeatures+o] += b[o]
			}
		}
	}

	d.input = x
	return tensor.NewTensor([]int{batch, d.outFeatures}, tensor.Float32, x.Device, out)
}

func (d *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("dense layer %s: %w", d.name, ErrNoGradient)
	}
	batch := d.input.Shape[0]
	if gradOut.NumElems != batch*d.outFeatures {
		return nil, fmt.Errorf("dense layer %s: gradient shape %v does not match output [%d %d]",
			d.name, gradOut.Shape, batch, d.outFeatures)
	}

	g := gradOut.Data.([]float32)
	in := d.input.Data.([]float32)
	w := d.weight.Value.Data.([]float32)
	gw := d.weight.Grad.Data.([]float32)
	gradIn := make([]float32, d.input.NumElems)

	for n := 0; n < batch; n++ {
		row := in[n*d.inFeatures : (n+1)*d.inFeatures]
		gin := gradIn[n*d.inFeatures : (n+1)*d.inFeatures]
		for o := 0; o < d.outFeatures; o++ {
			gno := g[n*d.outFeatures+o]
			if gno == 0 {
				continue
			}
			wrow := w[o*d.inFeatures : (o+1)*d.inFeatures]
			gwrow := gw[o*d.inFeatures : (o+1)*d.inFeatures]
			for i := range row {
				gwrow[i] += gno * row[i]
				gin[i] += gno * wrow[i]
			}
		}
	}
	if d.bias != nil {
		gb := d.bias.Grad.Data.([]float32)
		for n := 0; n < batch; n++ {
			for o := 0; o < d.outFeatures; o++ {
				gb[o] += g[n*d.outFeatures+o]
			}
		}
	}

	return tensor.NewTensor(d.input.Shape, tensor.Float32, d.input.Device, gradIn)
}

func (d *DenseLayer) String() string {
	return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
		d.name, d.inFeatures, d.outFeatures, d.useBias)
}
