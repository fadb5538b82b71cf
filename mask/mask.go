// Package mask learns input saliency masks: the smallest soft mask over the
// image plane that keeps the model's response to an image unchanged.
package mask

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/monitor"
	"github.com/tsawler/trainloop/optimizer"
	"github.com/tsawler/trainloop/tensor"
)

var validate = validator.New()

// Config holds the mask optimization settings
type Config struct {
	Steps        int     `validate:"gte=1"`
	LearningRate float32 `validate:"gt=0"`
	// L1Weight trades mask area against fidelity of the model response
	L1Weight  float64 `validate:"gte=0"`
	InitLogit float32
	Logger    *slog.Logger `validate:"-"`
}

// DefaultConfig returns the default mask configuration
func DefaultConfig() Config {
	return Config{
		Steps:        100,
		LearningRate: 0.05,
		L1Weight:     0.1,
		InitLogit:    2,
	}
}

// Trainer learns a mask of shape [H, W] for images of a fixed shape. The
// mask is broadcast over any leading channel dimensions.
type Trainer struct {
	config     Config
	accuracy   monitor.Accuracy
	imageShape []int
	height     int
	width      int
	logger     *slog.Logger

	lastLoss  float64
	lastProba float64
}

// NewTrainer creates a mask trainer for images of imageShape
func NewTrainer(accuracy monitor.Accuracy, imageShape []int, config Config) (*Trainer, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid mask config: %w", err)
	}
	if accuracy == nil {
		return nil, errors.New("mask trainer requires an accuracy strategy")
	}
	if len(imageShape) == 0 {
		return nil, errors.New("mask trainer requires a non-empty image shape")
	}

	height, width := 1, imageShape[len(imageShape)-1]
	if len(imageShape) >= 2 {
		height = imageShape[len(imageShape)-2]
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mask")
	}

	return &Trainer{
		config:     config,
		accuracy:   accuracy,
		imageShape: append([]int(nil), imageShape...),
		height:     height,
		width:      width,
		logger:     logger,
	}, nil
}

// ImageShape returns the image shape the trainer was built for
func (t *Trainer) ImageShape() []int { return append([]int(nil), t.imageShape...) }

// LastLoss returns the objective value after the last TrainMask call
func (t *Trainer) LastLoss() float64 { return t.lastLoss }

// LastProba returns the probability the model assigned to the label for
// the masked image after the last TrainMask call. It is NaN when the
// accuracy strategy could not score the output.
func (t *Trainer) LastProba() float64 { return t.lastProba }

func (t *Trainer) String() string {
	return fmt.Sprintf("MaskTrainer(steps=%d, lr=%g, l1_weight=%g, image_shape=%v, accuracy=%s)",
		t.config.Steps, t.config.LearningRate, t.config.L1Weight, t.imageShape, t.accuracy.Name())
}

// TrainMask optimizes a mask m in (0, 1) minimizing
//
//	||f(x*m) - f(x)||² / D + L1Weight * mean(m)
//
// and returns it as a [H, W] tensor. Model parameter gradients are cleared
// before returning.
func (t *Trainer) TrainMask(model layers.Module, image *tensor.Tensor, label int32) (*tensor.Tensor, error) {
	if !sameShape(image.Shape, t.imageShape) {
		return nil, fmt.Errorf("expected image of shape %v, got %v", t.imageShape, image.Shape)
	}
	pixels, err := image.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	batchShape := append([]int{1}, t.imageShape...)

	x, err := tensor.NewTensor(batchShape, tensor.Float32, model.Device(), append([]float32(nil), pixels...))
	if err != nil {
		return nil, err
	}
	target, err := model.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute reference output: %w", err)
	}
	targetData := append([]float32(nil), target.Data.([]float32)...)

	logits, err := tensor.Full([]int{t.height, t.width}, t.config.InitLogit, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros([]int{t.height, t.width}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, err
	}
	param := &layers.Parameter{Name: "mask", Value: logits, Grad: grad}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = t.config.LearningRate
	opt, err := optimizer.NewAdam(adamConfig)
	if err != nil {
		return nil, err
	}

	defer model.ZeroGrad()
	plane := t.height * t.width
	m := make([]float32, plane)
	masked := make([]float32, len(pixels))
	for step := 0; step < t.config.Steps; step++ {
		sigmoid(logits.Data.([]float32), m)
		for i, v := range pixels {
			masked[i] = v * m[i%plane]
		}
		xm, err := tensor.NewTensor(batchShape, tensor.Float32, model.Device(), append([]float32(nil), masked...))
		if err != nil {
			return nil, err
		}

		out, err := model.Forward(xm)
		if err != nil {
			return nil, fmt.Errorf("mask step %d forward failed: %w", step, err)
		}
		outData := out.Data.([]float32)
		dim := float64(len(outData))
		gradOut := make([]float32, len(outData))
		var fidelity float64
		for i := range outData {
			d := float64(outData[i] - targetData[i])
			fidelity += d * d / dim
			gradOut[i] = float32(2 * d / dim)
		}
		gradOutT, err := tensor.NewTensor(out.Shape, tensor.Float32, out.Device, gradOut)
		if err != nil {
			return nil, err
		}
		gradIn, err := model.Backward(gradOutT)
		if err != nil {
			return nil, fmt.Errorf("mask step %d backward failed: %w", step, err)
		}

		var area float64
		for _, v := range m {
			area += float64(v)
		}
		t.lastLoss = fidelity + t.config.L1Weight*area/float64(plane)

		// chain rule through x*m and the sigmoid
		g := grad.Data.([]float32)
		for i := range g {
			g[i] = float32(t.config.L1Weight / float64(plane))
		}
		gin := gradIn.Data.([]float32)
		for i, v := range pixels {
			g[i%plane] += gin[i] * v
		}
		for i := range g {
			g[i] *= m[i] * (1 - m[i])
		}
		if err := opt.Step([]*layers.Parameter{param}); err != nil {
			return nil, err
		}
	}

	sigmoid(logits.Data.([]float32), m)
	t.lastProba = t.scoreLabel(model, pixels, m, label)
	t.logger.Debug("mask trained", "label", label, "loss", t.lastLoss, "proba", t.lastProba)
	return tensor.FromFloat32([]int{t.height, t.width}, m)
}

func (t *Trainer) scoreLabel(model layers.Module, pixels, m []float32, label int32) float64 {
	plane := len(m)
	masked := make([]float32, len(pixels))
	for i, v := range pixels {
		masked[i] = v * m[i%plane]
	}
	xm, err := tensor.NewTensor(append([]int{1}, t.imageShape...), tensor.Float32, model.Device(), masked)
	if err != nil {
		return math.NaN()
	}
	out, err := model.Forward(xm)
	if err != nil {
		return math.NaN()
	}
	proba, err := t.accuracy.PredictProba(out)
	if err != nil {
		return math.NaN()
	}
	col, ok := t.accuracy.ClassIndex(label)
	if !ok || col >= proba.NumElems {
		return math.NaN()
	}
	return float64(proba.Data.([]float32)[col])
}

func sigmoid(in, out []float32) {
	for i, v := range in {
		out[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ monitor.MaskTrainer = (*Trainer)(nil)
