package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/trainloop/layers"
	"github.com/tsawler/trainloop/tensor"
)

type recordingPublisher struct {
	events []Event
	resets []string
	err    error
}

func (r *recordingPublisher) Name() string { return "recording" }

func (r *recordingPublisher) Publish(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingPublisher) Reset(ctx context.Context, runID string) error {
	r.resets = append(r.resets, runID)
	return r.err
}

func (r *recordingPublisher) kinds() map[EventKind]int {
	out := map[EventKind]int{}
	for _, e := range r.events {
		out[e.Kind]++
	}
	return out
}

func testModel(t *testing.T) *layers.Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	hidden, err := layers.NewDense("hidden", 4, 6, true, rng)
	require.NoError(t, err)
	output, err := layers.NewDense("output", 6, 3, true, rng)
	require.NoError(t, err)
	return layers.NewSequential(hidden, layers.NewReLU("relu"), output)
}

func mustFloat(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromFloat32(shape, data)
	require.NoError(t, err)
	return out
}

func mustInt(t *testing.T, data []int32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromInt32([]int{len(data)}, data)
	require.NoError(t, err)
	return out
}

func TestMeanOnline(t *testing.T) {
	t.Run("sequence", func(t *testing.T) {
		var m MeanOnline
		for _, v := range []float64{1, 2, 3, 4} {
			m.Update(v)
		}
		assert.Equal(t, 2.5, m.Mean())
		assert.Equal(t, 4, m.Count())
	})

	t.Run("single value is exact", func(t *testing.T) {
		var m MeanOnline
		m.Update(0.1)
		assert.Equal(t, 0.1, m.Mean())
	})

	t.Run("empty is NaN", func(t *testing.T) {
		var m MeanOnline
		assert.True(t, math.IsNaN(m.Mean()))
		m.Update(5)
		m.Reset()
		assert.True(t, math.IsNaN(m.Mean()))
	})
}

func TestTimer(t *testing.T) {
	timer := NewTimer(4)
	assert.Equal(t, 0, timer.Epoch())

	for i := 0; i < 6; i++ {
		timer.Tick()
	}
	assert.Equal(t, 1, timer.Epoch())
	assert.Equal(t, 1.5, timer.EpochProgress())

	timer.SetEpoch(5)
	assert.Equal(t, 5, timer.Epoch())
	assert.Equal(t, 20, timer.BatchID())

	timer.Init(0)
	assert.Equal(t, 1, timer.BatchesInEpoch())
	assert.Equal(t, 0, timer.Epoch())
}

func TestCalcAccuracy(t *testing.T) {
	assert.Equal(t, 0.75, CalcAccuracy([]int32{0, 1, 2, 1}, []int32{0, 1, 2, 0}))
	assert.Equal(t, 0.0, CalcAccuracy(nil, nil))
}

func TestArgmaxAccuracy(t *testing.T) {
	acc := NewArgmaxAccuracy()
	assert.Equal(t, KindArgmax, acc.Kind())

	outputs := mustFloat(t, []int{2, 3}, []float32{0.1, 2, 0.3, 5, 1, 1})
	predicted, err := acc.Predict(outputs)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 0}, predicted)

	proba, err := acc.PredictProba(outputs)
	require.NoError(t, err)
	data := proba.Data.([]float32)
	assert.InDelta(t, 1.0, data[0]+data[1]+data[2], 1e-5)
	require.NoError(t, acc.Save(outputs, mustInt(t, []int32{1, 0})))

	col, ok := acc.ClassIndex(2)
	assert.True(t, ok)
	assert.Equal(t, 2, col)
	_, ok = acc.ClassIndex(-1)
	assert.False(t, ok)
}

func TestEmbeddingAccuracy(t *testing.T) {
	acc := NewEmbeddingAccuracy()
	assert.Equal(t, KindEmbedding, acc.Kind())

	embeddings := mustFloat(t, []int{4, 2}, []float32{
		0, 0,
		0.2, 0,
		5, 5,
		5.2, 5,
	})
	labels := mustInt(t, []int32{7, 7, 3, 3})

	_, err := acc.Predict(embeddings)
	assert.ErrorIs(t, err, ErrNotCalibrated)
	_, err = acc.PredictProba(embeddings)
	assert.ErrorIs(t, err, ErrNotCalibrated)

	require.NoError(t, acc.SaveFull(embeddings, labels))
	assert.True(t, acc.FullyCalibrated())

	query := mustFloat(t, []int{2, 2}, []float32{4.9, 5.1, 0.1, -0.1})
	predicted, err := acc.Predict(query)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 7}, predicted)

	proba, err := acc.PredictProba(query)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, proba.Shape)
	// columns follow sorted classes: 3 then 7
	assert.Greater(t, proba.Data.([]float32)[0], proba.Data.([]float32)[1])

	col, ok := acc.ClassIndex(7)
	assert.True(t, ok)
	assert.Equal(t, 1, col)
	col, ok = acc.ClassIndex(3)
	assert.True(t, ok)
	assert.Equal(t, 0, col)
	_, ok = acc.ClassIndex(5)
	assert.False(t, ok, "uncalibrated class has no column")

	require.NoError(t, acc.Save(embeddings, labels))
	assert.False(t, acc.FullyCalibrated())

	t.Run("label count mismatch", func(t *testing.T) {
		err := NewEmbeddingAccuracy().Save(embeddings, mustInt(t, []int32{1}))
		assert.Error(t, err)
	})
}

func TestSparsityAndDensity(t *testing.T) {
	outputs := mustFloat(t, []int{2, 2}, []float32{0, -2, 0, 2})
	assert.Equal(t, 1.0, Sparsity(outputs))
	assert.Equal(t, 0.5, Density(outputs))
}

func TestComputeParameterStats(t *testing.T) {
	stats := ComputeParameterStats("dense", "weight", []float32{-1, 0, 1, 2}, 3)
	assert.Equal(t, 0.5, stats.Mean)
	assert.Equal(t, -1.0, stats.Min)
	assert.Equal(t, 2.0, stats.Max)
	assert.Len(t, stats.Bins, 4)
	var total float64
	for _, c := range stats.Histogram {
		total += c
	}
	assert.Equal(t, 4.0, total)

	constant := ComputeParameterStats("dense", "bias", []float32{0, 0}, 5)
	assert.Equal(t, 2.0, constant.Histogram[4])
}

func newTestMonitor(t *testing.T, testEval Evaluator, publishers ...Publisher) (*Monitor, *Timer) {
	t.Helper()
	timer := NewTimer(2)
	m, err := New(DefaultConfig(), timer, NewArgmaxAccuracy(), testEval, publishers...)
	require.NoError(t, err)
	return m, timer
}

func TestMonitorConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MutualInfoBins = 1
	_, err := New(cfg, NewTimer(1), NewArgmaxAccuracy(), nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, NewArgmaxAccuracy(), nil)
	assert.Error(t, err)
}

func TestMonitorLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	m, _ := newTestMonitor(t, nil, pub)

	m.Log("before open")
	assert.Empty(t, pub.events, "events must not be published before Open")
	assert.False(t, m.IsActive())
	assert.ErrorIs(t, m.Close(), ErrNoRun)

	require.NoError(t, m.Open("run-a"))
	assert.True(t, m.IsActive())
	m.Clear()
	assert.Equal(t, []string{"run-a"}, pub.resets)

	m.UpdateLoss(0.5, CadenceBatch)
	m.UpdateAccuracy(0.9, CadenceFullTrain)
	require.Len(t, pub.events, 2)
	assert.Equal(t, "run-a", pub.events[0].RunID)
	assert.Equal(t, map[string]float64{"loss": 0.5}, pub.events[0].Values)
	assert.NotEqual(t, pub.events[0].ID, pub.events[1].ID)

	assert.Len(t, m.Collector().Series("loss", CadenceBatch), 1)

	require.NoError(t, m.Close())
	m.UpdateLoss(0.1, CadenceBatch)
	assert.Len(t, pub.events, 2)
}

func TestMonitorPublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("backend down")}
	m, _ := newTestMonitor(t, nil, pub)
	require.NoError(t, m.Open("run"))

	assert.NotPanics(t, func() {
		m.UpdateLoss(1, CadenceBatch)
		m.Clear()
	})
	assert.Len(t, pub.events, 1)
}

// encodingPublisher marshals events the way the network backends do.
type encodingPublisher struct {
	payloads [][]byte
}

func (e *encodingPublisher) Name() string { return "encoding" }

func (e *encodingPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	e.payloads = append(e.payloads, payload)
	return nil
}

func (e *encodingPublisher) Reset(ctx context.Context, runID string) error { return nil }

func TestMonitorPublishesNonFiniteLoss(t *testing.T) {
	pub := &encodingPublisher{}
	m, _ := newTestMonitor(t, nil, pub)
	require.NoError(t, m.Open("run"))

	m.UpdateLoss(math.NaN(), CadenceBatch)
	m.UpdateLoss(math.Inf(1), CadenceBatch)
	m.UpdateLoss(math.Inf(-1), CadenceBatch)
	m.UpdateLoss(0.25, CadenceBatch)
	require.Len(t, pub.payloads, 4)
	assert.Contains(t, string(pub.payloads[0]), `"loss":"NaN"`)

	var decoded []Event
	for _, payload := range pub.payloads {
		var e Event
		require.NoError(t, json.Unmarshal(payload, &e))
		decoded = append(decoded, e)
	}
	assert.True(t, math.IsNaN(decoded[0].Values["loss"]))
	assert.True(t, math.IsInf(decoded[1].Values["loss"], 1))
	assert.True(t, math.IsInf(decoded[2].Values["loss"], -1))
	assert.Equal(t, 0.25, decoded[3].Values["loss"])
	assert.Equal(t, "run", decoded[3].RunID)
	assert.Equal(t, EventMetric, decoded[3].Kind)

	plot := m.Collector().TrainingCurvesPlot()
	plot.Metrics = map[string]interface{}{"linf": float32(math.Inf(1))}
	out, err := plot.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, out, `"y":"NaN"`)
	assert.Contains(t, out, `"linf":"+Inf"`)
}

func TestMonitorEpochFinished(t *testing.T) {
	model := testModel(t)
	inputs := mustFloat(t, []int{3, 4}, []float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0})
	labels := mustInt(t, []int32{0, 1, 2})

	testCalls := 0
	testEval := func(m layers.Module) (*tensor.Tensor, *tensor.Tensor, error) {
		testCalls++
		assert.Equal(t, layers.EvalMode, m.Mode())
		out, err := m.Forward(inputs)
		return out, labels, err
	}

	pub := &recordingPublisher{}
	mon, _ := newTestMonitor(t, testEval, pub)
	require.NoError(t, mon.Open("run"))
	for _, nl := range model.NamedLayers() {
		if nl.Layer.Type().IsWatched() {
			mon.RegisterLayer(nl.Layer, nl.Path)
		}
	}
	assert.Equal(t, []string{"hidden", "output"}, mon.RegisteredLayers())

	outputs, err := model.Forward(inputs)
	require.NoError(t, err)
	mon.EpochFinished(model, outputs, labels)

	assert.Equal(t, 1, testCalls)
	assert.Equal(t, layers.TrainMode, model.Mode())
	assert.Len(t, mon.Collector().Series("accuracy", CadenceFullTrain), 1)
	assert.Len(t, mon.Collector().Series("accuracy", CadenceTest), 1)
	assert.Contains(t, mon.Collector().ParameterStats(), "hidden_weight")

	kinds := pub.kinds()
	assert.Equal(t, 1, kinds[EventEpoch])
	assert.Equal(t, 2, kinds[EventPlot])
}

type fixedMask struct {
	err error
}

func (f fixedMask) String() string { return "fixedMask" }

func (f fixedMask) TrainMask(model layers.Module, image *tensor.Tensor, label int32) (*tensor.Tensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return tensor.Full([]int{2, 2}, float32(0.5), tensor.Float32, tensor.CPU)
}

func TestMonitorPlotMask(t *testing.T) {
	pub := &recordingPublisher{}
	mon, _ := newTestMonitor(t, nil, pub)
	require.NoError(t, mon.Open("run"))
	image := mustFloat(t, []int{1, 2, 2}, []float32{1, 2, 3, 4})

	require.NoError(t, mon.PlotMask(testModel(t), fixedMask{}, image, 1))
	require.Len(t, pub.events, 1)
	require.NotNil(t, pub.events[0].Plot)
	assert.Equal(t, MaskHeatmap, pub.events[0].Plot.PlotType)
	assert.Len(t, pub.events[0].Plot.Series[0].Data, 4)

	boom := errors.New("boom")
	assert.ErrorIs(t, mon.PlotMask(testModel(t), fixedMask{err: boom}, image, 1), boom)
}

func TestMonitorPlotAdversarialExamples(t *testing.T) {
	pub := &recordingPublisher{}
	mon, _ := newTestMonitor(t, nil, pub)
	require.NoError(t, mon.Open("run"))

	model := testModel(t)
	original := mustFloat(t, []int{2, 1, 2, 2}, []float32{1, 0, 0, 0, 0, 1, 0, 0})
	adversarial := mustFloat(t, []int{2, 1, 2, 2}, []float32{1, 0.5, 0, 0, 0, 1, 0, -0.25})

	mon.PlotAdversarialExamples(model, AdversarialExamples{
		Original:    original,
		Adversarial: adversarial,
		Labels:      mustInt(t, []int32{0, 1}),
	})

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, EventAdversarial, event.Kind)
	assert.Equal(t, 0.5, event.Values["linf"])
	assert.Contains(t, event.Values, "accuracy_original")
	assert.Contains(t, event.Values, "accuracy_adversarial")
	assert.Equal(t, layers.TrainMode, model.Mode())
}

func TestMutualInfo(t *testing.T) {
	model := testModel(t)
	mi, err := NewMutualInfo(8, nil)
	require.NoError(t, err)

	inputs := mustFloat(t, []int{4, 4}, []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	labels := mustInt(t, []int32{0, 1, 0, 1})
	eval := func(m layers.Module) (*tensor.Tensor, *tensor.Tensor, error) {
		out, err := m.Forward(inputs)
		return out, labels, err
	}
	source := func(x *tensor.Tensor) InputSource {
		return func() (*tensor.Tensor, error) { return x, nil }
	}

	require.NoError(t, mi.Prepare(model, source(inputs), 1))
	assert.Equal(t, []string{"output"}, mi.Layers())

	var observed []MutualInfoEstimate
	mi.OnEstimate(func(e []MutualInfoEstimate) { observed = e })

	_, _, err = mi.Wrap(eval)(model)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	est := observed[0]
	assert.Equal(t, "output", est.Layer)
	assert.GreaterOrEqual(t, est.IXT, est.ITY)
	assert.LessOrEqual(t, est.IXT, 2.0)
	assert.GreaterOrEqual(t, est.ITY, 0.0)
	assert.LessOrEqual(t, est.ITY, 1.0+1e-9)

	t.Run("indistinguishable inputs carry no information", func(t *testing.T) {
		constant := mustFloat(t, []int{4, 4}, make([]float32, 16))
		require.NoError(t, mi.Prepare(model, source(constant), 1))
		_, _, err := mi.Wrap(eval)(model)
		require.NoError(t, err)
		require.Len(t, mi.Latest(), 1)
		assert.InDelta(t, 0.0, mi.Latest()[0].IXT, 1e-9)
		assert.InDelta(t, est.ITY, mi.Latest()[0].ITY, 1e-9)
	})

	t.Run("without matching inputs falls back to H(T)", func(t *testing.T) {
		require.NoError(t, mi.Prepare(model, source(mustFloat(t, []int{2, 4}, make([]float32, 8))), 1))
		_, _, err := mi.Wrap(eval)(model)
		require.NoError(t, err)
		assert.InDelta(t, est.IXT, mi.Latest()[0].IXT, 1e-9)

		require.NoError(t, mi.Prepare(model, nil, 1))
		_, _, err = mi.Wrap(eval)(model)
		require.NoError(t, err)
		assert.InDelta(t, est.IXT, mi.Latest()[0].IXT, 1e-9)
	})

	t.Run("input source error propagates", func(t *testing.T) {
		boom := errors.New("no inputs")
		err := mi.Prepare(model, func() (*tensor.Tensor, error) { return nil, boom }, 1)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("more layers than available", func(t *testing.T) {
		require.NoError(t, mi.Prepare(model, source(inputs), 10))
		assert.Equal(t, []string{"hidden", "output"}, mi.Layers())
	})

	t.Run("evaluator error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		_, _, err := mi.Wrap(func(layers.Module) (*tensor.Tensor, *tensor.Tensor, error) {
			return nil, nil, boom
		})(model)
		assert.ErrorIs(t, err, boom)
	})

	_, err = NewMutualInfo(1, nil)
	assert.Error(t, err)
}

func TestEntropy(t *testing.T) {
	assert.Equal(t, 0.0, entropy([]string{"a", "a"}))
	assert.Equal(t, 1.0, entropy([]string{"a", "b"}))
	assert.Equal(t, 2.0, entropy([]string{"a", "b", "c", "d"}))
}
