package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}

	bad := config
	bad.Beta1 = 1
	if _, err := NewAdam(bad); err == nil {
		t.Error("Expected validation error for beta1 = 1")
	}
}

func TestAdamFirstStep(t *testing.T) {
	value, _ := tensor.FromFloat32([]int{2}, []float32{1, -1})
	grad, _ := tensor.FromFloat32([]int{2}, []float32{0.5, -2})
	param := &layers.Parameter{Name: "w", Value: value, Grad: grad}

	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdam(config)
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}
	if err := adam.Step([]*layers.Parameter{param}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// the bias-corrected first step moves each weight by lr against the gradient sign
	w := value.Data.([]float32)
	want := []float32{0.9, -0.9}
	for i := range w {
		if math.Abs(float64(w[i]-want[i])) > 1e-5 {
			t.Errorf("Weight %d: expected %f, got %f", i, want[i], w[i])
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
	if adam.Name() != "Adam" {
		t.Errorf("Expected name Adam, got %s", adam.Name())
	}
}
