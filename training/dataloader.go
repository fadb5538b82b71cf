package training

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/trainloop/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	// Get returns a single sample and its class label
	Get(idx int) (data *tensor.Tensor, label int32, err error)
}

// DataLoader provides batching, shuffling and parallel sample loading
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	device     tensor.DeviceType
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. A nil rng uses a fixed seed.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, device tensor.DeviceType, rng *rand.Rand) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset must not be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		device:     device,
		rng:        rng,
		indices:    indices,
	}
	dl.Reset()
	return dl, nil
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

func (dl *DataLoader) BatchSize() int            { return dl.batchSize }
func (dl *DataLoader) NumWorkers() int           { return dl.numWorkers }
func (dl *DataLoader) Shuffled() bool            { return dl.shuffle }
func (dl *DataLoader) Dataset() Dataset          { return dl.dataset }
func (dl *DataLoader) Device() tensor.DeviceType { return dl.device }

// EvalView returns a loader over the same dataset with shuffling disabled.
// Samples come in dataset order and the view has its own position.
func (dl *DataLoader) EvalView() *DataLoader {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:    dl.dataset,
		batchSize:  dl.batchSize,
		numWorkers: dl.numWorkers,
		device:     dl.device,
		rng:        rand.New(rand.NewSource(1)),
		indices:    indices,
	}
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	if dl.position >= len(dl.indices) {
		dl.mutex.Unlock()
		return nil, nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:batchEnd]...)
	dl.position = batchEnd
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// FirstBatch returns the first batch of a fresh epoch without disturbing
// the loader's own position.
func (dl *DataLoader) FirstBatch() (*Batch, error) {
	dl.mutex.Lock()
	n := dl.batchSize
	if n > len(dl.indices) {
		n = len(dl.indices)
	}
	if n == 0 {
		dl.mutex.Unlock()
		return nil, ErrEmptyEpoch
	}
	indices := append([]int(nil), dl.indices[:n]...)
	dl.mutex.Unlock()
	return dl.loadBatch(indices)
}

// loadBatch loads samples with up to numWorkers goroutines and stacks them
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	samples := make([]*tensor.Tensor, len(indices))
	labels := make([]int32, len(indices))

	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			data, label, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			samples[i] = data
			labels[i] = label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sampleShape := samples[0].Shape
	size := samples[0].NumElems
	data := make([]float32, 0, size*len(samples))
	for i, s := range samples {
		if !s.SameShape(samples[0]) {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", indices[i], s.Shape, sampleShape)
		}
		values, err := s.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", indices[i], err)
		}
		data = append(data, values...)
	}

	batchData, err := tensor.NewTensor(append([]int{len(samples)}, sampleShape...), tensor.Float32, dl.device, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	batchLabels, err := tensor.NewTensor([]int{len(labels)}, tensor.Int32, dl.device, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
	}
	return &Batch{Data: batchData, Labels: batchLabels}, nil
}

// SimpleDataset is an in-memory dataset
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []int32
}

// NewSimpleDataset creates a dataset from parallel sample and label slices
func NewSimpleDataset(data []*tensor.Tensor, labels []int32) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have same length: %d vs %d", len(data), len(labels))
	}
	return &SimpleDataset{data: data, labels: labels}, nil
}

func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}
