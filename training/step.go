package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/optimizer"
	"github.com/tsawler/trainloop/tensor"
)

// BatchStep runs exactly one optimization step on a batch and returns the
// raw model outputs together with the batch loss. It must not modify images
// or labels and must leave the model in training mode.
type BatchStep func(images, labels *tensor.Tensor) (outputs *tensor.Tensor, loss float64, err error)

// GradVariant is the run-name variant of NewGradStep
const GradVariant = "TrainerGrad"

// NewGradStep returns the plain gradient-descent step: forward, loss,
// backward and one optimizer update.
func NewGradStep(model layers.Module, criterion Loss, opt optimizer.Optimizer) BatchStep {
	return func(images, labels *tensor.Tensor) (*tensor.Tensor, float64, error) {
		model.SetMode(layers.TrainMode)
		model.ZeroGrad()

		outputs, err := model.Forward(images)
		if err != nil {
			return nil, 0, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := criterion.Forward(outputs, labels)
		if err != nil {
			return nil, 0, fmt.Errorf("loss computation failed: %w", err)
		}
		grad, err := criterion.Backward(outputs, labels)
		if err != nil {
			return nil, 0, fmt.Errorf("loss backward failed: %w", err)
		}
		// a stop-gradient layer ends the input gradient, not the parameter update
		if _, err := model.Backward(grad); err != nil && !errors.Is(err, layers.ErrNoGradient) {
			return nil, 0, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := opt.Step(model.NamedParameters()); err != nil {
			return nil, 0, fmt.Errorf("optimizer step failed: %w", err)
		}
		return outputs, loss, nil
	}
}
