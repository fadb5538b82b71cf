package tensor

import (
	"fmt"
)

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	tensor := &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shapeCopy),
	}

	if data == nil {
		return Zeros(shapeCopy, dtype, device)
	}
	if err := tensor.setData(data); err != nil {
		return nil, err
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(0), dtype, device)
	case Int32:
		return Full(shape, int32(0), dtype, device)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}
}

func Full(shape []int, value interface{}, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	tensor := &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shapeCopy),
	}
	if err := tensor.setData(value); err != nil {
		return nil, err
	}
	return tensor, nil
}

// FromFloat32 is a convenience constructor for CPU Float32 tensors.
func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	return NewTensor(shape, Float32, CPU, data)
}

// FromInt32 is a convenience constructor for CPU Int32 tensors.
func FromInt32(shape []int, data []int32) (*Tensor, error) {
	return NewTensor(shape, Int32, CPU, data)
}
