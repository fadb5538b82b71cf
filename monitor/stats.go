package monitor

import (
	"math"

	"github.com/tsawler/trainloop/tensor"
)

// Sparsity is the mean per-sample L1 norm of outputs divided by the
// output dimension.
func Sparsity(outputs *tensor.Tensor) float64 {
	data, ok := outputs.Data.([]float32)
	if !ok || len(data) == 0 || len(outputs.Shape) == 0 || outputs.Shape[0] == 0 {
		return math.NaN()
	}
	var l1 float64
	for _, v := range data {
		l1 += math.Abs(float64(v))
	}
	return l1 / float64(len(data))
}

// Density is the fraction of non-zero output values.
func Density(outputs *tensor.Tensor) float64 {
	data, ok := outputs.Data.([]float32)
	if !ok || len(data) == 0 {
		return math.NaN()
	}
	nonZero := 0
	for _, v := range data {
		if v != 0 {
			nonZero++
		}
	}
	return float64(nonZero) / float64(len(data))
}

// ComputeParameterStats summarizes a parameter tensor with a fixed-width histogram
func ComputeParameterStats(layerName, paramType string, values []float32, bins int) ParameterStats {
	stats := ParameterStats{LayerName: layerName, ParamType: paramType}
	if len(values) == 0 {
		return stats
	}
	if bins < 1 {
		bins = 1
	}

	minVal, maxVal := math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range values {
		f := float64(v)
		sum += f
		minVal = math.Min(minVal, f)
		maxVal = math.Max(maxVal, f)
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := float64(v) - mean
		sq += d * d
	}

	stats.Mean = mean
	stats.Std = math.Sqrt(sq / float64(len(values)))
	stats.Min = minVal
	stats.Max = maxVal
	stats.Histogram = make([]float64, bins)
	stats.Bins = make([]float64, bins+1)

	width := (maxVal - minVal) / float64(bins)
	for i := range stats.Bins {
		stats.Bins[i] = minVal + float64(i)*width
	}
	for _, v := range values {
		idx := bins - 1
		if width > 0 {
			idx = int((float64(v) - minVal) / width)
			if idx >= bins {
				idx = bins - 1
			}
		}
		stats.Histogram[idx]++
	}
	return stats
}
