package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0 {
		t.Errorf("Expected Momentum 0, got %f", config.Momentum)
	}
	if config.WeightDecay != 0 {
		t.Errorf("Expected WeightDecay 0, got %f", config.WeightDecay)
	}
	if config.Nesterov {
		t.Error("Expected Nesterov to be disabled")
	}
}

func TestNewSGDValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative learning rate", SGDConfig{LearningRate: -1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(tt.config); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func newParam(t *testing.T, w, g []float32) *layers.Parameter {
	t.Helper()
	value, err := tensor.FromFloat32([]int{len(w)}, w)
	if err != nil {
		t.Fatalf("Failed to create weight: %v", err)
	}
	grad, err := tensor.FromFloat32([]int{len(g)}, g)
	if err != nil {
		t.Fatalf("Failed to create gradient: %v", err)
	}
	return &layers.Parameter{Name: "p", Value: value, Grad: grad}
}

func TestSGDStep(t *testing.T) {
	t.Run("vanilla", func(t *testing.T) {
		sgd, err := NewSGD(SGDConfig{LearningRate: 0.5})
		if err != nil {
			t.Fatalf("NewSGD failed: %v", err)
		}
		p := newParam(t, []float32{1, 2}, []float32{0.2, -0.4})
		if err := sgd.Step([]*layers.Parameter{p}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		w := p.Value.Data.([]float32)
		if math.Abs(float64(w[0]-0.9)) > 1e-6 || math.Abs(float64(w[1]-2.2)) > 1e-6 {
			t.Errorf("Unexpected weights %v", w)
		}
		if sgd.GetStepCount() != 1 {
			t.Errorf("Expected step count 1, got %d", sgd.GetStepCount())
		}
	})

	t.Run("momentum accumulates", func(t *testing.T) {
		sgd, _ := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.5})
		p := newParam(t, []float32{0}, []float32{1})
		_ = sgd.Step([]*layers.Parameter{p})
		_ = sgd.Step([]*layers.Parameter{p})
		// v1 = 1, w = -1; v2 = 0.5 + 1 = 1.5, w = -2.5
		if w := p.Value.Data.([]float32)[0]; math.Abs(float64(w+2.5)) > 1e-6 {
			t.Errorf("Expected -2.5, got %f", w)
		}
	})
}
