package training

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tsawler/trainloop/tensor"
)

func makeDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	data := make([]*tensor.Tensor, n)
	labels := make([]int32, n)
	for i := 0; i < n; i++ {
		data[i] = mustTensor(t, []int{2}, []float32{float32(i), float32(-i)})
		labels[i] = int32(i)
	}
	ds, err := NewSimpleDataset(data, labels)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	return ds
}

type failingDataset struct{ n int }

func (f failingDataset) Len() int { return f.n }
func (f failingDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	return nil, 0, errors.New("corrupt sample")
}

func TestSimpleDataset(t *testing.T) {
	t.Run("Length mismatch", func(t *testing.T) {
		_, err := NewSimpleDataset([]*tensor.Tensor{mustTensor(t, []int{1}, []float32{1})}, nil)
		if err == nil {
			t.Error("expected error for mismatched data and labels")
		}
	})

	t.Run("Get", func(t *testing.T) {
		ds := makeDataset(t, 3)
		if ds.Len() != 3 {
			t.Errorf("expected length 3, got %d", ds.Len())
		}
		d, l, err := ds.Get(2)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if l != 2 || d.Data.([]float32)[0] != 2 {
			t.Errorf("unexpected sample %v with label %d", d.Data, l)
		}
		if _, _, err := ds.Get(3); err == nil {
			t.Error("expected out of range error")
		}
	})
}

func TestDataLoader(t *testing.T) {
	t.Run("Batches cover the dataset in order", func(t *testing.T) {
		dl, err := NewDataLoader(makeDataset(t, 10), 4, false, 3, tensor.CPU, nil)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		if dl.Len() != 3 {
			t.Errorf("expected 3 batches, got %d", dl.Len())
		}

		var seen []int32
		sizes := []int{}
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			sizes = append(sizes, batch.Data.Shape[0])
			if batch.Labels.DType != tensor.Int32 || batch.Labels.Shape[0] != batch.Data.Shape[0] {
				t.Errorf("labels %v do not match batch %v", batch.Labels, batch.Data)
			}
			seen = append(seen, batch.Labels.Data.([]int32)...)
		}
		if len(sizes) != 3 || sizes[0] != 4 || sizes[2] != 2 {
			t.Errorf("unexpected batch sizes %v", sizes)
		}
		for i, l := range seen {
			if l != int32(i) {
				t.Fatalf("expected label %d at position %d, got %d", i, i, l)
			}
		}

		batch, err := dl.Next()
		if err != nil || batch != nil {
			t.Errorf("expected end of epoch, got %v, %v", batch, err)
		}
	})

	t.Run("Shuffle is a permutation", func(t *testing.T) {
		dl, err := NewDataLoader(makeDataset(t, 20), 20, true, 2, tensor.CPU, rand.New(rand.NewSource(42)))
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		counts := map[int32]int{}
		inOrder := true
		for i, l := range batch.Labels.Data.([]int32) {
			counts[l]++
			if l != int32(i) {
				inOrder = false
			}
		}
		if len(counts) != 20 {
			t.Errorf("expected every sample exactly once, got %v", counts)
		}
		if inOrder {
			t.Error("expected shuffled order")
		}
	})

	t.Run("Eval view is ordered", func(t *testing.T) {
		dl, err := NewDataLoader(makeDataset(t, 6), 6, true, 1, tensor.CPU, nil)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		if _, err := dl.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		view := dl.EvalView()
		if view.Shuffled() || view.Dataset() != dl.Dataset() || view.BatchSize() != 6 || view.NumWorkers() != 1 {
			t.Fatal("eval view must share the dataset and settings without shuffling")
		}
		if view.Len() != dl.Len() || !view.HasNext() {
			t.Fatal("eval view must start at the first batch regardless of the parent position")
		}
		batch, err := view.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		for i, l := range batch.Labels.Data.([]int32) {
			if l != int32(i) {
				t.Errorf("expected label %d at %d, got %d", i, i, l)
			}
		}
	})

	t.Run("First batch does not advance", func(t *testing.T) {
		dl, err := NewDataLoader(makeDataset(t, 5), 2, false, 1, tensor.CPU, nil)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		if _, err := dl.FirstBatch(); err != nil {
			t.Fatalf("FirstBatch failed: %v", err)
		}
		batch, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch.Labels.Data.([]int32)[0] != 0 {
			t.Error("FirstBatch must not move the loader position")
		}
	})

	t.Run("Empty dataset", func(t *testing.T) {
		dl, err := NewDataLoader(makeDataset(t, 0), 2, false, 1, tensor.CPU, nil)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		if _, err := dl.FirstBatch(); !errors.Is(err, ErrEmptyEpoch) {
			t.Errorf("expected ErrEmptyEpoch, got %v", err)
		}
	})

	t.Run("Sample errors propagate", func(t *testing.T) {
		dl, err := NewDataLoader(failingDataset{n: 4}, 2, false, 2, tensor.CPU, nil)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		if _, err := dl.Next(); err == nil {
			t.Error("expected sample load error")
		}
	})

	t.Run("Invalid arguments", func(t *testing.T) {
		if _, err := NewDataLoader(nil, 2, false, 1, tensor.CPU, nil); err == nil {
			t.Error("expected error for nil dataset")
		}
		if _, err := NewDataLoader(makeDataset(t, 2), 0, false, 1, tensor.CPU, nil); err == nil {
			t.Error("expected error for zero batch size")
		}
	})
}

func TestDatasetRegistry(t *testing.T) {
	if _, err := LoadDataset("no-such-dataset", true); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("expected ErrUnknownDataset, got %v", err)
	}

	train, err := LoadDataset("blobs", true)
	if err != nil {
		t.Fatalf("failed to load blobs: %v", err)
	}
	test, err := LoadDataset("blobs", false)
	if err != nil {
		t.Fatalf("failed to load blobs: %v", err)
	}
	if train.Len() != blobsTrainSize || test.Len() != blobsTestSize {
		t.Errorf("unexpected split sizes %d/%d", train.Len(), test.Len())
	}

	img, label, err := train.Get(4)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if label != 1 {
		t.Errorf("expected label 1 for sample 4, got %d", label)
	}
	if len(img.Shape) != 3 || img.Shape[0] != 1 || img.Shape[1] != blobsSide {
		t.Errorf("unexpected image shape %v", img.Shape)
	}

	again, _ := LoadDataset("blobs", true)
	a, _, _ := train.Get(0)
	b, _, _ := again.Get(0)
	if eq, _ := a.Equal(b); !eq {
		t.Error("blobs must be deterministic")
	}

	found := false
	for _, name := range Datasets() {
		if name == "blobs" {
			found = true
		}
	}
	if !found {
		t.Error("blobs missing from registry listing")
	}
}
