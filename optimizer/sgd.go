package optimizer

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tsawler/trainloop/layers"
)

var validate = validator.New()

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32 `validate:"gte=0"`
	Momentum     float32 `validate:"gte=0,lte=1"`
	WeightDecay  float32 `validate:"gte=0"`
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum and L2 weight decay
type SGD struct {
	config    SGDConfig
	velocity  map[*layers.Parameter][]float32
	stepCount uint64
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGD, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid SGD config: %w", err)
	}
	return &SGD{
		config:   config,
		velocity: make(map[*layers.Parameter][]float32),
	}, nil
}

func (sgd *SGD) Name() string { return "SGD" }

// Step performs a single optimization step
func (sgd *SGD) Step(params []*layers.Parameter) error {
	lr := sgd.config.LearningRate
	for _, p := range params {
		w, err := p.Value.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
		g := p.Grad.Data.([]float32)
		if len(g) != len(w) {
			return fmt.Errorf("parameter %s: gradient size %d does not match weight size %d", p.Name, len(g), len(w))
		}

		var v []float32
		if sgd.config.Momentum > 0 {
			v = sgd.velocity[p]
			if v == nil {
				v = make([]float32, len(w))
				sgd.velocity[p] = v
			}
		}

		for i := range w {
			grad := g[i] + sgd.config.WeightDecay*w[i]
			if v != nil {
				v[i] = sgd.config.Momentum*v[i] + grad
				if sgd.config.Nesterov {
					grad += sgd.config.Momentum * v[i]
				} else {
					grad = v[i]
				}
			}
			w[i] -= lr * grad
		}
	}
	sgd.stepCount++
	return nil
}

func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

func (sgd *SGD) GetLearningRate() float32 {
	return sgd.config.LearningRate
}

func (sgd *SGD) UpdateLearningRate(lr float32) {
	sgd.config.LearningRate = lr
}
