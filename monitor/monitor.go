package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

// ErrNoRun is returned when an operation needs an open run.
var ErrNoRun = errors.New("monitor has no open run")

// Config configures a Monitor
type Config struct {
	PublishTimeout  time.Duration `validate:"gt=0"`
	HistogramBins   int           `validate:"gte=1,lte=1000"`
	MutualInfoBins  int           `validate:"gte=2,lte=256"`
	BatchEventEvery int           `validate:"gte=1"`
	Logger          *slog.Logger  `validate:"-"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		PublishTimeout:  5 * time.Second,
		HistogramBins:   30,
		MutualInfoBins:  16,
		BatchEventEvery: 1,
	}
}

// Monitor is the default Sink. It keeps a metric history, computes the
// epoch report and forwards every event to its publishers.
type Monitor struct {
	config     Config
	logger     *slog.Logger
	timer      *Timer
	accuracy   Accuracy
	testEval   Evaluator
	publishers []Publisher
	collector  *Collector
	mutualInfo *MutualInfo

	runID   string
	active  bool
	batches int

	layerOrder []string
	layers     map[string]layers.Layer
}

// New creates a Monitor. testEval may be nil when there is no test split.
func New(config Config, timer *Timer, accuracy Accuracy, testEval Evaluator, publishers ...Publisher) (*Monitor, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	if timer == nil {
		return nil, errors.New("monitor requires a timer")
	}
	if accuracy == nil {
		return nil, errors.New("monitor requires an accuracy strategy")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "monitor")
	}
	mi, err := NewMutualInfo(config.MutualInfoBins, logger)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		config:     config,
		logger:     logger,
		timer:      timer,
		accuracy:   accuracy,
		testEval:   testEval,
		publishers: publishers,
		collector:  NewCollector(""),
		mutualInfo: mi,
		layers:     make(map[string]layers.Layer),
	}
	mi.OnEstimate(m.recordMutualInfo)
	return m, nil
}

// MutualInfo returns the instrumentation bound to this monitor
func (m *Monitor) MutualInfo() *MutualInfo { return m.mutualInfo }

// Collector returns the metric history
func (m *Monitor) Collector() *Collector { return m.collector }

// RunID returns the currently open run, or "" if none
func (m *Monitor) RunID() string { return m.runID }

func (m *Monitor) Open(runID string) error {
	if runID == "" {
		return errors.New("run id must not be empty")
	}
	m.runID = runID
	m.active = true
	m.collector.SetModelName(runID)
	m.logger.Info("monitoring stream opened", "run", runID)
	return nil
}

func (m *Monitor) IsActive() bool { return m.active }

func (m *Monitor) Close() error {
	if !m.active {
		return ErrNoRun
	}
	m.active = false
	m.logger.Info("monitoring stream closed", "run", m.runID)
	return nil
}

// Clear drops the local history and asks every publisher to discard the
// stream of the open run.
func (m *Monitor) Clear() {
	m.collector.Clear()
	m.batches = 0
	if m.runID == "" {
		return
	}
	for _, p := range m.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.PublishTimeout)
		if err := p.Reset(ctx, m.runID); err != nil {
			m.logger.Error("failed to reset monitoring stream", "publisher", p.Name(), "run", m.runID, "error", err)
		}
		cancel()
	}
}

func (m *Monitor) publish(event Event) {
	if !m.active {
		return
	}
	for _, p := range m.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.PublishTimeout)
		if err := p.Publish(ctx, event); err != nil {
			m.logger.Error("failed to publish event", "publisher", p.Name(), "kind", event.Kind, "error", err)
		}
		cancel()
	}
}

func (m *Monitor) newEvent(kind EventKind) Event {
	e := NewEvent(m.runID, kind)
	e.Epoch = m.timer.EpochProgress()
	return e
}

func (m *Monitor) Log(text string) {
	m.logger.Info(text, "run", m.runID)
	e := m.newEvent(EventLog)
	e.Text = text
	m.publish(e)
}

func (m *Monitor) LogModel(model layers.Module) {
	m.Log(model.String())
}

func (m *Monitor) LogSelf() {
	m.Log(m.String())
}

func (m *Monitor) String() string {
	names := make([]string, len(m.publishers))
	for i, p := range m.publishers {
		names[i] = p.Name()
	}
	return fmt.Sprintf("Monitor(accuracy=%s, publishers=[%s], layers=[%s])",
		m.accuracy.Name(), strings.Join(names, ", "), strings.Join(m.layerOrder, ", "))
}

func (m *Monitor) RegisterLayer(layer layers.Layer, prefix string) {
	if _, ok := m.layers[prefix]; !ok {
		m.layerOrder = append(m.layerOrder, prefix)
	}
	m.layers[prefix] = layer
}

// RegisteredLayers returns the prefixes of registered layers in registration order
func (m *Monitor) RegisteredLayers() []string {
	return append([]string(nil), m.layerOrder...)
}

func (m *Monitor) updateMetric(metric string, value float64, cadence Cadence) {
	x := m.timer.EpochProgress()
	m.collector.Record(metric, cadence, x, value)
	e := m.newEvent(EventMetric)
	e.Cadence = cadence
	e.Values = map[string]float64{metric: value}
	m.publish(e)
}

func (m *Monitor) UpdateLoss(value float64, cadence Cadence) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		m.logger.Warn("non-finite loss", "cadence", cadence, "value", value)
	}
	m.updateMetric("loss", value, cadence)
}

func (m *Monitor) UpdateAccuracy(value float64, cadence Cadence) {
	m.updateMetric("accuracy", value, cadence)
}

func (m *Monitor) UpdateSparsity(outputs *tensor.Tensor, cadence Cadence) {
	m.updateMetric("sparsity", Sparsity(outputs), cadence)
}

func (m *Monitor) UpdateDensity(outputs *tensor.Tensor, cadence Cadence) {
	m.updateMetric("density", Density(outputs), cadence)
}

// BatchFinished publishes a batch event every BatchEventEvery batches
func (m *Monitor) BatchFinished(model layers.Module) {
	m.batches++
	if m.batches%m.config.BatchEventEvery != 0 {
		return
	}
	m.publish(m.newEvent(EventBatch))
}

// EpochFinished reports full-train and test accuracy, parameter statistics
// of the registered layers and the training curves.
func (m *Monitor) EpochFinished(model layers.Module, outputs, labels *tensor.Tensor) {
	epochValues := map[string]float64{}

	if acc, err := m.accuracyOf(outputs, labels); err != nil {
		m.logger.Error("failed to compute train accuracy", "error", err)
	} else {
		m.UpdateAccuracy(acc, CadenceFullTrain)
		epochValues["accuracy_train"] = acc
	}

	if m.testEval != nil {
		err := layers.WithMode(model, layers.EvalMode, func() error {
			testOutputs, testLabels, err := m.testEval(model)
			if err != nil {
				return err
			}
			acc, err := m.accuracyOf(testOutputs, testLabels)
			if err != nil {
				return err
			}
			m.UpdateAccuracy(acc, CadenceTest)
			epochValues["accuracy_test"] = acc
			return nil
		})
		if err != nil {
			m.logger.Error("failed to evaluate test split", "error", err)
		}
	}

	for _, prefix := range m.layerOrder {
		for _, p := range m.layers[prefix].Parameters() {
			values, err := p.Value.GetFloat32Data()
			if err != nil {
				continue
			}
			paramType := p.Name[strings.LastIndex(p.Name, ".")+1:]
			m.collector.RecordParameterStats(ComputeParameterStats(prefix, paramType, values, m.config.HistogramBins))
		}
	}

	e := m.newEvent(EventEpoch)
	e.Values = epochValues
	m.publish(e)
	m.logger.Info("epoch finished", "run", m.runID, "epoch", m.timer.Epoch(), "metrics", epochValues)

	curves := m.collector.TrainingCurvesPlot()
	m.publishPlot(&curves)
	if len(m.layerOrder) > 0 {
		dist := m.collector.ParameterDistributionPlot()
		m.publishPlot(&dist)
	}
}

func (m *Monitor) accuracyOf(outputs, labels *tensor.Tensor) (float64, error) {
	predicted, err := m.accuracy.Predict(outputs)
	if err != nil {
		return 0, err
	}
	lbl, err := labels.GetInt32Data()
	if err != nil {
		return 0, err
	}
	return CalcAccuracy(lbl, predicted), nil
}

func (m *Monitor) publishPlot(plot *PlotData) {
	e := m.newEvent(EventPlot)
	plot.PlotID = e.ID
	e.Plot = plot
	m.publish(e)
}

// PlotAdversarialExamples reports the perturbation size and how the
// accuracy changes between the original and the perturbed batch.
func (m *Monitor) PlotAdversarialExamples(model layers.Module, examples AdversarialExamples) {
	orig, err1 := examples.Original.GetFloat32Data()
	adv, err2 := examples.Adversarial.GetFloat32Data()
	if err := errors.Join(err1, err2); err != nil || len(orig) != len(adv) {
		m.logger.Error("invalid adversarial examples", "error", err)
		return
	}

	var linf float64
	for i := range orig {
		linf = math.Max(linf, math.Abs(float64(adv[i]-orig[i])))
	}
	values := map[string]float64{"linf": linf}

	err := layers.WithMode(model, layers.EvalMode, func() error {
		for name, batch := range map[string]*tensor.Tensor{"original": examples.Original, "adversarial": examples.Adversarial} {
			outputs, err := model.Forward(batch)
			if err != nil {
				return err
			}
			acc, err := m.accuracyOf(outputs, examples.Labels)
			if err != nil {
				return err
			}
			values["accuracy_"+name] = acc
		}
		return nil
	})
	if err != nil {
		m.logger.Error("failed to score adversarial examples", "error", err)
	}

	e := m.newEvent(EventAdversarial)
	e.Values = values
	if rows, cols, ok := imageGrid(examples.Adversarial); ok {
		diff := make([]float32, rows*cols)
		for i := range diff {
			diff[i] = adv[i] - orig[i]
		}
		plot := HeatmapPlot(AdversarialPlot, "Adversarial noise", m.runID, diff, rows, cols)
		plot.Metrics = map[string]interface{}{"linf": linf}
		e.Plot = &plot
	}
	m.publish(e)
	m.logger.Info("adversarial examples", "run", m.runID, "metrics", values)
}

// PlotMask trains a saliency mask for image and publishes it as a heatmap.
func (m *Monitor) PlotMask(model layers.Module, trainer MaskTrainer, image *tensor.Tensor, label int32) error {
	mask, err := trainer.TrainMask(model, image, label)
	if err != nil {
		return fmt.Errorf("failed to train mask: %w", err)
	}
	values, err := mask.GetFloat32Data()
	if err != nil {
		return err
	}

	e := m.newEvent(EventMask)
	e.Values = map[string]float64{"label": float64(label)}
	if rows, cols, ok := imageGrid(mask); ok {
		plot := HeatmapPlot(MaskHeatmap, fmt.Sprintf("Mask for label %d", label), m.runID, values, rows, cols)
		e.Plot = &plot
	}
	m.publish(e)
	return nil
}

func (m *Monitor) recordMutualInfo(estimates []MutualInfoEstimate) {
	if len(estimates) == 0 {
		return
	}
	x := m.timer.EpochProgress()
	series := make([]SeriesData, 0, len(estimates))
	values := make(map[string]float64, 2*len(estimates))
	for _, est := range estimates {
		m.collector.Record("I(X;T) "+est.Layer, CadenceFullTrain, x, est.IXT)
		m.collector.Record("I(T;Y) "+est.Layer, CadenceFullTrain, x, est.ITY)
		values["ixt_"+est.Layer] = est.IXT
		values["ity_"+est.Layer] = est.ITY
		series = append(series, SeriesData{
			Name: est.Layer,
			Type: "scatter",
			Data: []DataPoint{{X: est.IXT, Y: est.ITY, Label: est.Layer}},
		})
	}

	e := m.newEvent(EventPlot)
	e.Values = values
	e.Plot = &PlotData{
		PlotID:    e.ID,
		PlotType:  InformationPlane,
		Title:     "Information plane",
		Timestamp: e.Time,
		ModelName: m.runID,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "I(X;T), bits",
			YAxisLabel: "I(T;Y), bits",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
	m.publish(e)
}

// imageGrid interprets the trailing two dimensions of t as an image
func imageGrid(t *tensor.Tensor) (int, int, bool) {
	if len(t.Shape) < 2 {
		return 0, 0, false
	}
	rows, cols := t.Shape[len(t.Shape)-2], t.Shape[len(t.Shape)-1]
	return rows, cols, rows*cols > 0
}

var _ Sink = (*Monitor)(nil)
