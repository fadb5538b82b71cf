package monitor

import "math"

// MeanOnline accumulates a running mean without keeping the observations.
// The zero value is ready to use.
type MeanOnline struct {
	count int
	mean  float64
}

// Update folds one observation into the mean in O(1)
func (m *MeanOnline) Update(value float64) {
	m.count++
	m.mean += (value - m.mean) / float64(m.count)
}

// Mean returns the accumulated mean, or NaN if Update was never called.
func (m *MeanOnline) Mean() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.mean
}

// Count returns the number of observations seen so far
func (m *MeanOnline) Count() int {
	return m.count
}

// Reset discards all observations
func (m *MeanOnline) Reset() {
	m.count = 0
	m.mean = 0
}
