package tensor

import (
	"fmt"
	"math"
)

func checkFloat32(t *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("expected Float32 tensor, got %s", t.DType)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) error {
	if len(shape1) != len(shape2) {
		return fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}
	return nil
}

// AddScaled performs dst += alpha * src in place.
func AddScaled(dst, src *Tensor, alpha float32) error {
	if err := checkFloat32(dst); err != nil {
		return err
	}
	if err := checkFloat32(src); err != nil {
		return err
	}
	if err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}

	d := dst.Data.([]float32)
	s := src.Data.([]float32)
	for i := range d {
		d[i] += alpha * s[i]
	}
	return nil
}

// Mul returns the element-wise product of two Float32 tensors of equal shape.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkFloat32(t1); err != nil {
		return nil, err
	}
	if err := checkFloat32(t2); err != nil {
		return nil, err
	}
	if err := checkShapesCompatible(t1.Shape, t2.Shape); err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return NewTensor(t1.Shape, Float32, t1.Device, out)
}

// matrixDims interprets t as [rows, cols] where rows is the leading dimension.
func matrixDims(t *Tensor) (int, int, error) {
	if len(t.Shape) < 2 {
		return 0, 0, fmt.Errorf("expected at least 2 dimensions, got shape %v", t.Shape)
	}
	return t.Shape[0], t.NumElems / t.Shape[0], nil
}

// SoftmaxRows applies a numerically stable softmax to every row of a [N, C] tensor.
func SoftmaxRows(t *Tensor) (*Tensor, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	rows, cols, err := matrixDims(t)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := make([]float32, len(in))
	for r := 0; r < rows; r++ {
		row := in[r*cols : (r+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[r*cols+c] = float32(e)
			sum += e
		}
		for c := range row {
			out[r*cols+c] = float32(float64(out[r*cols+c]) / sum)
		}
	}
	return NewTensor([]int{rows, cols}, Float32, t.Device, out)
}

// ArgmaxRows returns the column index of the largest value in every row.
func ArgmaxRows(t *Tensor) ([]int32, error) {
	_, indices, err := MaxRows(t)
	return indices, err
}

// MaxRows returns the largest value of every row together with its column index.
func MaxRows(t *Tensor) ([]float32, []int32, error) {
	if err := checkFloat32(t); err != nil {
		return nil, nil, err
	}
	rows, cols, err := matrixDims(t)
	if err != nil {
		return nil, nil, err
	}

	data := t.Data.([]float32)
	values := make([]float32, rows)
	indices := make([]int32, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for c := 1; c < cols; c++ {
			if data[r*cols+c] > data[r*cols+best] {
				best = c
			}
		}
		values[r] = data[r*cols+best]
		indices[r] = int32(best)
	}
	return values, indices, nil
}

// Argmax returns the index of the largest element of a flat slice.
func Argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
