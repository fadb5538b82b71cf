package training

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/monitor"
	"github.com/tsawler/trainloop/tensor"
)

// AdversarialGenerator perturbs a training batch by iterated gradient
// ascent on the loss. The examples are for robustness inspection only.
type AdversarialGenerator struct {
	model     layers.Module
	criterion Loss
	loader    *DataLoader
	device    tensor.DeviceType
	logger    *slog.Logger
}

// NewAdversarialGenerator creates a generator drawing batches from loader
func NewAdversarialGenerator(model layers.Module, criterion Loss, loader *DataLoader, logger *slog.Logger) *AdversarialGenerator {
	if logger == nil {
		logger = slog.Default().With("component", "adversarial")
	}
	return &AdversarialGenerator{
		model:     model,
		criterion: criterion,
		loader:    loader,
		device:    model.Device(),
		logger:    logger,
	}
}

// Generate takes the first batch of the loader and adds
// noiseAmplitude * dLoss/dInput to it, iterations times. The raw gradient is
// used without sign extraction or renormalization. The model runs in eval
// mode and its parameter gradients are cleared afterwards.
func (g *AdversarialGenerator) Generate(noiseAmplitude float32, iterations int) (monitor.AdversarialExamples, error) {
	if noiseAmplitude < 0 || iterations < 0 {
		return monitor.AdversarialExamples{}, fmt.Errorf("noise amplitude and iterations must be non-negative, got %g and %d", noiseAmplitude, iterations)
	}
	batch, err := g.loader.FirstBatch()
	if err != nil {
		return monitor.AdversarialExamples{}, fmt.Errorf("failed to fetch adversarial batch: %w", err)
	}
	images, err := batch.Data.ToDevice(g.device)
	if err != nil {
		return monitor.AdversarialExamples{}, err
	}
	labels := batch.Labels

	original, err := images.Clone()
	if err != nil {
		return monitor.AdversarialExamples{}, err
	}
	working, err := images.Clone()
	if err != nil {
		return monitor.AdversarialExamples{}, err
	}

	err = layers.WithMode(g.model, layers.EvalMode, func() error {
		defer g.model.ZeroGrad()
		for i := 0; i < iterations; i++ {
			outputs, err := g.model.Forward(working)
			if err != nil {
				return fmt.Errorf("adversarial iteration %d forward failed: %w", i, err)
			}
			loss, err := g.criterion.Forward(outputs, labels)
			if err != nil {
				return fmt.Errorf("adversarial iteration %d loss failed: %w", i, err)
			}
			gradOut, err := g.criterion.Backward(outputs, labels)
			if err != nil {
				return fmt.Errorf("adversarial iteration %d loss backward failed: %w", i, err)
			}
			gradIn, err := g.model.Backward(gradOut)
			if err != nil {
				return fmt.Errorf("adversarial iteration %d backward failed: %w", i, err)
			}
			if gradIn == nil {
				return fmt.Errorf("adversarial iteration %d: %w", i, layers.ErrNoGradient)
			}
			if err := tensor.AddScaled(working, gradIn, noiseAmplitude); err != nil {
				return err
			}
			g.logger.Debug("adversarial step", "iteration", i, "loss", loss)
		}
		return nil
	})
	if err != nil {
		return monitor.AdversarialExamples{}, err
	}
	if working.HasNonFinite() {
		g.logger.Warn("adversarial batch contains non-finite values", "noise_amplitude", noiseAmplitude, "iterations", iterations)
	}

	return monitor.AdversarialExamples{
		Original:    original,
		Adversarial: working,
		Labels:      labels,
	}, nil
}
