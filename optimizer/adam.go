package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/trainloop/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32 `validate:"gt=0"`
	Beta1        float32 `validate:"gte=0,lt=1"`
	Beta2        float32 `validate:"gte=0,lt=1"`
	Epsilon      float32 `validate:"gt=0"`
	WeightDecay  float32 `validate:"gte=0"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

type adamState struct {
	momentum []float32
	variance []float32
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	config    AdamConfig
	state     map[*layers.Parameter]*adamState
	stepCount uint64
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) (*Adam, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid Adam config: %w", err)
	}
	return &Adam{
		config: config,
		state:  make(map[*layers.Parameter]*adamState),
	}, nil
}

func (adam *Adam) Name() string { return "Adam" }

// Step performs a single optimization step
func (adam *Adam) Step(params []*layers.Parameter) error {
	adam.stepCount++
	t := float64(adam.stepCount)
	c := adam.config
	bias1 := 1 - math.Pow(float64(c.Beta1), t)
	bias2 := 1 - math.Pow(float64(c.Beta2), t)

	for _, p := range params {
		w, err := p.Value.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
		g := p.Grad.Data.([]float32)
		if len(g) != len(w) {
			return fmt.Errorf("parameter %s: gradient size %d does not match weight size %d", p.Name, len(g), len(w))
		}

		s := adam.state[p]
		if s == nil {
			s = &adamState{momentum: make([]float32, len(w)), variance: make([]float32, len(w))}
			adam.state[p] = s
		}

		for i := range w {
			grad := g[i] + c.WeightDecay*w[i]
			s.momentum[i] = c.Beta1*s.momentum[i] + (1-c.Beta1)*grad
			s.variance[i] = c.Beta2*s.variance[i] + (1-c.Beta2)*grad*grad
			mHat := float64(s.momentum[i]) / bias1
			vHat := float64(s.variance[i]) / bias2
			w[i] -= float32(float64(c.LearningRate) * mHat / (math.Sqrt(vHat) + float64(c.Epsilon)))
		}
	}
	return nil
}

func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

func (adam *Adam) GetLearningRate() float32 {
	return adam.config.LearningRate
}

func (adam *Adam) UpdateLearningRate(lr float32) {
	adam.config.LearningRate = lr
}
