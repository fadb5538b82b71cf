package tensor

import "fmt"

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:    make([]int, len(t.Shape)),
		Strides:  make([]int, len(t.Strides)),
		DType:    t.DType,
		Device:   t.Device,
		NumElems: t.NumElems,
	}

	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch t.DType {
	case Float32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]float32)
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]int32)
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Equal reports whether both tensors have the same dtype, shape and bitwise-equal data.
// The device is not compared.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, fmt.Errorf("dtype mismatch: %s vs %s", t.DType, other.DType)
	}
	if !t.SameShape(other) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a, b := t.Data.([]float32), other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a, b := t.Data.([]int32), other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}
	return true, nil
}

// ToDevice returns a copy of t tagged with the target device, or t itself when
// it already lives there.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	moved, err := t.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to move tensor to %s: %v", device, err)
	}
	moved.Device = device
	return moved, nil
}

// Row returns a copy of sample i along the leading (batch) dimension.
func (t *Tensor) Row(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("row %d out of range for shape %v", i, t.Shape)
	}

	rowShape := []int{1}
	if len(t.Shape) > 1 {
		rowShape = t.Shape[1:]
	}
	size := t.NumElems / t.Shape[0]

	switch t.DType {
	case Float32:
		data := make([]float32, size)
		copy(data, t.Data.([]float32)[i*size:(i+1)*size])
		return NewTensor(rowShape, Float32, t.Device, data)
	case Int32:
		data := make([]int32, size)
		copy(data, t.Data.([]int32)[i*size:(i+1)*size])
		return NewTensor(rowShape, Int32, t.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for Row: %s", t.DType)
	}
}

// Concat joins tensors along the leading (batch) dimension. All trailing
// dimensions and dtypes must agree.
func Concat(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("no tensors to concatenate")
	}

	first := tensors[0]
	rows := 0
	for i, t := range tensors {
		if t.DType != first.DType {
			return nil, fmt.Errorf("dtype mismatch at index %d: %s vs %s", i, t.DType, first.DType)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("rank mismatch at index %d: %v vs %v", i, t.Shape, first.Shape)
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("shape mismatch at index %d: %v vs %v", i, t.Shape, first.Shape)
			}
		}
		rows += t.Shape[0]
	}

	shape := append([]int{rows}, first.Shape[1:]...)
	switch first.DType {
	case Float32:
		data := make([]float32, 0, calculateNumElements(shape))
		for _, t := range tensors {
			data = append(data, t.Data.([]float32)...)
		}
		return NewTensor(shape, Float32, first.Device, data)
	case Int32:
		data := make([]int32, 0, calculateNumElements(shape))
		for _, t := range tensors {
			data = append(data, t.Data.([]int32)...)
		}
		return NewTensor(shape, Int32, first.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}
}
