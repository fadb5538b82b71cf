package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

// ErrNotHookable is returned when the model cannot expose layer activations.
var ErrNotHookable = errors.New("model does not support forward hooks")

// MutualInfoEstimate holds binned estimates, in bits, for one layer T.
// I(X;T) = H(T) - H(T|X) over the quantized inputs given to Prepare; without
// them it falls back to H(T), exact when every input is distinct.
type MutualInfoEstimate struct {
	Layer string
	IXT   float64
	ITY   float64
}

// MutualInfo estimates the information plane of the last watched layers
// each time the wrapped evaluator runs.
type MutualInfo struct {
	mu     sync.Mutex
	bins   int
	logger *slog.Logger

	model      layers.Hookable
	layers     []string
	inputCodes []string

	latest   []MutualInfoEstimate
	observer func([]MutualInfoEstimate)
}

// NewMutualInfo creates an estimator that discretizes activations into bins
func NewMutualInfo(bins int, logger *slog.Logger) (*MutualInfo, error) {
	if bins < 2 || bins > 256 {
		return nil, fmt.Errorf("mutual information bins must be in [2, 256], got %d", bins)
	}
	if logger == nil {
		logger = slog.Default().With("component", "mutual_info")
	}
	return &MutualInfo{bins: bins, logger: logger}, nil
}

// OnEstimate registers a callback receiving every new set of estimates
func (mi *MutualInfo) OnEstimate(fn func([]MutualInfoEstimate)) {
	mi.mu.Lock()
	mi.observer = fn
	mi.mu.Unlock()
}

// Prepare selects the last monitorLayers watched layers of model and
// quantizes the evaluation inputs. A nil inputs source is allowed.
func (mi *MutualInfo) Prepare(model layers.Module, inputs InputSource, monitorLayers int) error {
	hookable, ok := model.(layers.Hookable)
	if !ok {
		return fmt.Errorf("failed to prepare mutual information for %s: %w", model.Name(), ErrNotHookable)
	}
	var inputCodes []string
	if inputs != nil {
		x, err := inputs()
		if err != nil {
			return fmt.Errorf("failed to read evaluation inputs: %w", err)
		}
		inputCodes = mi.quantize(splitRows([]*tensor.Tensor{x}))
	}
	var watched []string
	for _, nl := range model.NamedLayers() {
		if nl.Layer.Type().IsWatched() {
			watched = append(watched, nl.Path)
		}
	}
	if monitorLayers < len(watched) {
		watched = watched[len(watched)-monitorLayers:]
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.model = hookable
	mi.layers = watched
	mi.inputCodes = inputCodes
	mi.logger.Debug("mutual information prepared", "layers", watched, "bins", mi.bins, "inputs", len(inputCodes))
	return nil
}

// Layers returns the monitored layer paths
func (mi *MutualInfo) Layers() []string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return append([]string(nil), mi.layers...)
}

// Latest returns the estimates from the last wrapped evaluation
func (mi *MutualInfo) Latest() []MutualInfoEstimate {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return append([]MutualInfoEstimate(nil), mi.latest...)
}

// Wrap returns an evaluator that records the monitored activations while
// eval runs and then updates the estimates.
func (mi *MutualInfo) Wrap(eval Evaluator) Evaluator {
	return func(model layers.Module) (*tensor.Tensor, *tensor.Tensor, error) {
		mi.mu.Lock()
		hookable, paths, inputCodes := mi.model, mi.layers, mi.inputCodes
		mi.mu.Unlock()
		if hookable == nil || len(paths) == 0 {
			return eval(model)
		}

		watched := make(map[string]bool, len(paths))
		for _, p := range paths {
			watched[p] = true
		}
		activations := make(map[string][]*tensor.Tensor, len(paths))
		remove := hookable.RegisterForwardHook(func(path string, output *tensor.Tensor) {
			if watched[path] {
				activations[path] = append(activations[path], output)
			}
		})
		outputs, labels, err := eval(model)
		remove()
		if err != nil {
			return nil, nil, err
		}

		lbl, err := labels.GetInt32Data()
		if err != nil {
			return outputs, labels, nil
		}
		estimates := make([]MutualInfoEstimate, 0, len(paths))
		for _, p := range paths {
			est, ok := mi.estimate(p, activations[p], lbl, inputCodes)
			if ok {
				estimates = append(estimates, est)
			}
		}

		mi.mu.Lock()
		mi.latest = estimates
		observer := mi.observer
		mi.mu.Unlock()
		if observer != nil {
			observer(estimates)
		}
		return outputs, labels, nil
	}
}

func splitRows(batches []*tensor.Tensor) [][]float32 {
	var rows [][]float32
	for _, b := range batches {
		data, ok := b.Data.([]float32)
		if !ok || len(b.Shape) == 0 || b.Shape[0] == 0 {
			continue
		}
		dim := len(data) / b.Shape[0]
		for i := 0; i < b.Shape[0]; i++ {
			rows = append(rows, data[i*dim:(i+1)*dim])
		}
	}
	return rows
}

// quantize maps each row to a code of per-value bin indices over the global
// value range of rows.
func (mi *MutualInfo) quantize(rows [][]float32) []string {
	if len(rows) == 0 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		for _, v := range r {
			lo = math.Min(lo, float64(v))
			hi = math.Max(hi, float64(v))
		}
	}
	width := (hi - lo) / float64(mi.bins)

	codes := make([]string, len(rows))
	buf := make([]byte, 0, len(rows[0]))
	for i, r := range rows {
		buf = buf[:0]
		for _, v := range r {
			idx := 0
			if width > 0 {
				idx = int((float64(v) - lo) / width)
				if idx >= mi.bins {
					idx = mi.bins - 1
				}
			}
			buf = append(buf, byte(idx))
		}
		codes[i] = string(buf)
	}
	return codes
}

func (mi *MutualInfo) estimate(layer string, batches []*tensor.Tensor, labels []int32, inputCodes []string) (MutualInfoEstimate, bool) {
	rows := splitRows(batches)
	if len(rows) == 0 || len(rows) != len(labels) {
		mi.logger.Warn("skipping mutual information", "layer", layer, "samples", len(rows), "labels", len(labels))
		return MutualInfoEstimate{}, false
	}
	codes := mi.quantize(rows)

	hT := entropy(codes)
	iXT := hT
	if len(inputCodes) == len(codes) {
		iXT = hT - conditionalEntropy(codes, inputCodes)
	} else if inputCodes != nil {
		mi.logger.Warn("evaluation inputs do not match outputs, using H(T)", "layer", layer,
			"inputs", len(inputCodes), "samples", len(codes))
	}

	classes := make([]string, len(labels))
	for i, l := range labels {
		classes[i] = fmt.Sprint(l)
	}
	return MutualInfoEstimate{Layer: layer, IXT: iXT, ITY: hT - conditionalEntropy(codes, classes)}, true
}

// conditionalEntropy returns H(codes | given) for paired samples
func conditionalEntropy(codes, given []string) float64 {
	groups := map[string][]string{}
	for i, c := range codes {
		groups[given[i]] = append(groups[given[i]], c)
	}
	var h float64
	for _, group := range groups {
		h += float64(len(group)) / float64(len(codes)) * entropy(group)
	}
	return h
}

func entropy(codes []string) float64 {
	counts := map[string]int{}
	for _, c := range codes {
		counts[c]++
	}
	var h float64
	n := float64(len(codes))
	for _, k := range counts {
		p := float64(k) / n
		h -= p * math.Log2(p)
	}
	return h
}
