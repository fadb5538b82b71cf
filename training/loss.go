package training

import (
	"fmt"
	"math"

	"github.com/tsawler/trainloop/tensor"
)

// LossCategory declares which accuracy strategy fits a loss by default
type LossCategory int

const (
	Classification LossCategory = iota
	Embedding
)

func (c LossCategory) String() string {
	if c == Embedding {
		return "embedding"
	}
	return "classification"
}

// Loss interface defines methods that all loss functions must implement.
// Labels are Int32 class ids of shape [N].
type Loss interface {
	Name() string
	Category() LossCategory
	Forward(outputs, labels *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dOutputs
	Backward(outputs, labels *tensor.Tensor) (*tensor.Tensor, error)
	String() string
}

func lossInputs(outputs, labels *tensor.Tensor) ([]float32, []int32, int, int, error) {
	out, err := outputs.GetFloat32Data()
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("outputs: %w", err)
	}
	lbl, err := labels.GetInt32Data()
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("labels: %w", err)
	}
	if len(outputs.Shape) < 2 || outputs.Shape[0] != len(lbl) {
		return nil, nil, 0, 0, fmt.Errorf("outputs of shape %v do not match %d labels", outputs.Shape, len(lbl))
	}
	n := outputs.Shape[0]
	return out, lbl, n, len(out) / n, nil
}

// CrossEntropyLoss is softmax cross entropy averaged over the batch
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

func (ce *CrossEntropyLoss) Name() string           { return "CrossEntropyLoss" }
func (ce *CrossEntropyLoss) Category() LossCategory { return Classification }
func (ce *CrossEntropyLoss) String() string         { return "CrossEntropyLoss()" }

func (ce *CrossEntropyLoss) Forward(outputs, labels *tensor.Tensor) (float64, error) {
	_, lbl, n, classes, err := lossInputs(outputs, labels)
	if err != nil {
		return 0, err
	}
	proba, err := tensor.SoftmaxRows(outputs)
	if err != nil {
		return 0, err
	}
	p := proba.Data.([]float32)

	var loss float64
	for i, class := range lbl {
		if class < 0 || int(class) >= classes {
			return 0, fmt.Errorf("label %d out of range for %d classes", class, classes)
		}
		loss -= math.Log(math.Max(float64(p[i*classes+int(class)]), 1e-12))
	}
	return loss / float64(n), nil
}

func (ce *CrossEntropyLoss) Backward(outputs, labels *tensor.Tensor) (*tensor.Tensor, error) {
	_, lbl, n, classes, err := lossInputs(outputs, labels)
	if err != nil {
		return nil, err
	}
	proba, err := tensor.SoftmaxRows(outputs)
	if err != nil {
		return nil, err
	}
	grad := proba.Data.([]float32)
	for i, class := range lbl {
		if class < 0 || int(class) >= classes {
			return nil, fmt.Errorf("label %d out of range for %d classes", class, classes)
		}
		grad[i*classes+int(class)] -= 1
	}
	for i := range grad {
		grad[i] /= float32(n)
	}
	return tensor.NewTensor(outputs.Shape, tensor.Float32, outputs.Device, grad)
}

// ContrastiveLoss pulls same-class embeddings together and pushes
// different-class embeddings at least Margin apart. Consecutive samples
// (0,1), (2,3), ... form the pairs; an odd trailing sample is ignored.
type ContrastiveLoss struct {
	Margin float64
}

func NewContrastiveLoss(margin float64) *ContrastiveLoss {
	return &ContrastiveLoss{Margin: margin}
}

func (cl *ContrastiveLoss) Name() string           { return "ContrastiveLoss" }
func (cl *ContrastiveLoss) Category() LossCategory { return Embedding }
func (cl *ContrastiveLoss) String() string {
	return fmt.Sprintf("ContrastiveLoss(margin=%g)", cl.Margin)
}

func (cl *ContrastiveLoss) pairs(outputs, labels *tensor.Tensor) ([]float32, []int32, int, int, error) {
	out, lbl, n, dim, err := lossInputs(outputs, labels)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	if n/2 == 0 {
		return nil, nil, 0, 0, fmt.Errorf("contrastive loss needs at least 2 samples, got %d", n)
	}
	return out, lbl, n / 2, dim, nil
}

func pairDistance(a, b []float32) float64 {
	var d float64
	for i := range a {
		diff := float64(a[i] - b[i])
		d += diff * diff
	}
	return math.Sqrt(d)
}

func (cl *ContrastiveLoss) Forward(outputs, labels *tensor.Tensor) (float64, error) {
	out, lbl, pairs, dim, err := cl.pairs(outputs, labels)
	if err != nil {
		return 0, err
	}
	var loss float64
	for p := 0; p < pairs; p++ {
		i, j := 2*p, 2*p+1
		d := pairDistance(out[i*dim:(i+1)*dim], out[j*dim:(j+1)*dim])
		if lbl[i] == lbl[j] {
			loss += d * d
		} else {
			gap := math.Max(0, cl.Margin-d)
			loss += gap * gap
		}
	}
	return loss / float64(pairs), nil
}

func (cl *ContrastiveLoss) Backward(outputs, labels *tensor.Tensor) (*tensor.Tensor, error) {
	out, lbl, pairs, dim, err := cl.pairs(outputs, labels)
	if err != nil {
		return nil, err
	}
	grad := make([]float32, len(out))
	for p := 0; p < pairs; p++ {
		i, j := 2*p, 2*p+1
		a, b := out[i*dim:(i+1)*dim], out[j*dim:(j+1)*dim]
		d := pairDistance(a, b)

		var scale float64
		if lbl[i] == lbl[j] {
			scale = 2
		} else if d < cl.Margin && d > 0 {
			scale = -2 * (cl.Margin - d) / d
		}
		scale /= float64(pairs)
		for k := range a {
			g := float32(scale * float64(a[k]-b[k]))
			grad[i*dim+k] += g
			grad[j*dim+k] -= g
		}
	}
	return tensor.NewTensor(outputs.Shape, tensor.Float32, outputs.Device, grad)
}
