package training

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/tsawler/trainloop/tensor"
)

// ErrUnknownDataset is returned when no factory is registered under a name.
var ErrUnknownDataset = errors.New("unknown dataset")

// DatasetFactory builds the train or test split of a dataset
type DatasetFactory func(train bool) (Dataset, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]DatasetFactory{}
)

// RegisterDataset makes a dataset available by name, replacing any
// previous registration.
func RegisterDataset(name string, factory DatasetFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// LoadDataset builds the requested split of a registered dataset
func LoadDataset(name string, train bool) (Dataset, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	ds, err := factory(train)
	if err != nil {
		return nil, fmt.Errorf("failed to build dataset %q: %w", name, err)
	}
	return ds, nil
}

// Datasets lists the registered dataset names
func Datasets() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	blobsClasses   = 3
	blobsSide      = 4
	blobsTrainSize = 150
	blobsTestSize  = 60
)

func init() {
	RegisterDataset("blobs", NewBlobs)
}

// NewBlobs builds the "blobs" dataset: 1x4x4 images where class c lights
// up the c-th 2x2 quadrant, plus Gaussian noise. Both splits are
// deterministic.
func NewBlobs(train bool) (Dataset, error) {
	n, seed := blobsTestSize, int64(2)
	if train {
		n, seed = blobsTrainSize, 1
	}
	rng := rand.New(rand.NewSource(seed))

	data := make([]*tensor.Tensor, n)
	labels := make([]int32, n)
	for i := 0; i < n; i++ {
		class := i % blobsClasses
		pixels := make([]float32, blobsSide*blobsSide)
		qr, qc := (class/2)*2, (class%2)*2
		for r := 0; r < blobsSide; r++ {
			for c := 0; c < blobsSide; c++ {
				v := 0.3 * rng.NormFloat64()
				if r >= qr && r < qr+2 && c >= qc && c < qc+2 {
					v += 1
				}
				pixels[r*blobsSide+c] = float32(v)
			}
		}
		img, err := tensor.FromFloat32([]int{1, blobsSide, blobsSide}, pixels)
		if err != nil {
			return nil, err
		}
		data[i] = img
		labels[i] = int32(class)
	}
	return NewSimpleDataset(data, labels)
}
