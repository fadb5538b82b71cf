package monitor

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/trainloop/tensor"
)

// ErrNotCalibrated is returned by strategies that need a calibration pass
// before they can predict.
var ErrNotCalibrated = errors.New("accuracy strategy is not calibrated")

// AccuracyKind identifies an accuracy strategy family
type AccuracyKind int

const (
	KindArgmax AccuracyKind = iota
	KindEmbedding
)

func (k AccuracyKind) String() string {
	switch k {
	case KindArgmax:
		return "argmax"
	case KindEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// Accuracy converts raw model outputs into class predictions.
type Accuracy interface {
	Kind() AccuracyKind
	Name() string
	// PredictProba returns a [N, classes] tensor of class probabilities
	PredictProba(outputs *tensor.Tensor) (*tensor.Tensor, error)
	// ClassIndex returns the PredictProba column holding label
	ClassIndex(label int32) (int, bool)
	Predict(outputs *tensor.Tensor) ([]int32, error)
	// Save calibrates on a batch of outputs and labels
	Save(outputs, labels *tensor.Tensor) error
	// SaveFull calibrates on the outputs of the entire training set
	SaveFull(outputs, labels *tensor.Tensor) error
}

// CalcAccuracy returns the fraction of predictions equal to their label.
// Empty input yields 0.
func CalcAccuracy(labels, predicted []int32) float64 {
	n := len(labels)
	if len(predicted) < n {
		n = len(predicted)
	}
	if n == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < n; i++ {
		if labels[i] == predicted[i] {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// ArgmaxAccuracy treats outputs as class logits.
type ArgmaxAccuracy struct{}

func NewArgmaxAccuracy() *ArgmaxAccuracy { return &ArgmaxAccuracy{} }

func (a *ArgmaxAccuracy) Kind() AccuracyKind { return KindArgmax }
func (a *ArgmaxAccuracy) Name() string       { return "AccuracyArgmax" }

func (a *ArgmaxAccuracy) PredictProba(outputs *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SoftmaxRows(outputs)
}

func (a *ArgmaxAccuracy) ClassIndex(label int32) (int, bool) { return int(label), label >= 0 }

func (a *ArgmaxAccuracy) Predict(outputs *tensor.Tensor) ([]int32, error) {
	return tensor.ArgmaxRows(outputs)
}

func (a *ArgmaxAccuracy) Save(outputs, labels *tensor.Tensor) error     { return nil }
func (a *ArgmaxAccuracy) SaveFull(outputs, labels *tensor.Tensor) error { return nil }

// EmbeddingAccuracy predicts the class whose centroid is nearest to the
// embedding. Centroids are recomputed on every calibration call.
type EmbeddingAccuracy struct {
	classes   []int32
	centroids [][]float32
	full      bool
}

func NewEmbeddingAccuracy() *EmbeddingAccuracy { return &EmbeddingAccuracy{} }

func (e *EmbeddingAccuracy) Kind() AccuracyKind { return KindEmbedding }
func (e *EmbeddingAccuracy) Name() string       { return "AccuracyEmbedding" }

// Calibrated reports whether centroids are available
func (e *EmbeddingAccuracy) Calibrated() bool { return len(e.centroids) > 0 }

// FullyCalibrated reports whether the last calibration used the full training set
func (e *EmbeddingAccuracy) FullyCalibrated() bool { return e.full }

func (e *EmbeddingAccuracy) Save(outputs, labels *tensor.Tensor) error {
	if err := e.calibrate(outputs, labels); err != nil {
		return err
	}
	e.full = false
	return nil
}

func (e *EmbeddingAccuracy) SaveFull(outputs, labels *tensor.Tensor) error {
	if err := e.calibrate(outputs, labels); err != nil {
		return err
	}
	e.full = true
	return nil
}

func (e *EmbeddingAccuracy) calibrate(outputs, labels *tensor.Tensor) error {
	rows, dim, data, err := embeddingRows(outputs)
	if err != nil {
		return err
	}
	lbl, err := labels.GetInt32Data()
	if err != nil {
		return fmt.Errorf("failed to read labels: %w", err)
	}
	if len(lbl) != rows {
		return fmt.Errorf("have %d labels for %d embeddings", len(lbl), rows)
	}

	sums := map[int32][]float64{}
	counts := map[int32]int{}
	for i, class := range lbl {
		s, ok := sums[class]
		if !ok {
			s = make([]float64, dim)
			sums[class] = s
		}
		for j, v := range data[i*dim : (i+1)*dim] {
			s[j] += float64(v)
		}
		counts[class]++
	}

	classes := make([]int32, 0, len(sums))
	for class := range sums {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	centroids := make([][]float32, len(classes))
	for i, class := range classes {
		c := make([]float32, dim)
		for j, s := range sums[class] {
			c[j] = float32(s / float64(counts[class]))
		}
		centroids[i] = c
	}
	e.classes = classes
	e.centroids = centroids
	return nil
}

func (e *EmbeddingAccuracy) distances(outputs *tensor.Tensor) (int, []float64, error) {
	if !e.Calibrated() {
		return 0, nil, ErrNotCalibrated
	}
	rows, dim, data, err := embeddingRows(outputs)
	if err != nil {
		return 0, nil, err
	}
	if dim != len(e.centroids[0]) {
		return 0, nil, fmt.Errorf("embedding dimension %d does not match calibrated dimension %d", dim, len(e.centroids[0]))
	}

	k := len(e.centroids)
	dist := make([]float64, rows*k)
	for i := 0; i < rows; i++ {
		row := data[i*dim : (i+1)*dim]
		for c, centroid := range e.centroids {
			var d float64
			for j := range row {
				diff := float64(row[j] - centroid[j])
				d += diff * diff
			}
			dist[i*k+c] = math.Sqrt(d)
		}
	}
	return rows, dist, nil
}

// ClassIndex locates label among the calibrated classes
func (e *EmbeddingAccuracy) ClassIndex(label int32) (int, bool) {
	i := sort.Search(len(e.classes), func(i int) bool { return e.classes[i] >= label })
	return i, i < len(e.classes) && e.classes[i] == label
}

// PredictProba returns a softmax over negative centroid distances. Columns
// follow the sorted order of the calibrated classes.
func (e *EmbeddingAccuracy) PredictProba(outputs *tensor.Tensor) (*tensor.Tensor, error) {
	rows, dist, err := e.distances(outputs)
	if err != nil {
		return nil, err
	}
	k := len(e.centroids)
	neg := make([]float32, len(dist))
	for i, d := range dist {
		neg[i] = float32(-d)
	}
	logits, err := tensor.FromFloat32([]int{rows, k}, neg)
	if err != nil {
		return nil, err
	}
	return tensor.SoftmaxRows(logits)
}

func (e *EmbeddingAccuracy) Predict(outputs *tensor.Tensor) ([]int32, error) {
	rows, dist, err := e.distances(outputs)
	if err != nil {
		return nil, err
	}
	k := len(e.centroids)
	predicted := make([]int32, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for c := 1; c < k; c++ {
			if dist[i*k+c] < dist[i*k+best] {
				best = c
			}
		}
		predicted[i] = e.classes[best]
	}
	return predicted, nil
}

func embeddingRows(outputs *tensor.Tensor) (int, int, []float32, error) {
	data, err := outputs.GetFloat32Data()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	if len(outputs.Shape) == 0 || outputs.Shape[0] == 0 {
		return 0, 0, nil, fmt.Errorf("expected a non-empty batch of embeddings, got shape %v", outputs.Shape)
	}
	rows := outputs.Shape[0]
	return rows, len(data) / rows, data, nil
}
