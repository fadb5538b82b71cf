package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves        PlotType = "training_curves"
	ParameterDistribution PlotType = "parameter_distribution"
	MaskHeatmap           PlotType = "mask_heatmap"
	AdversarialPlot       PlotType = "adversarial_examples"
	InformationPlane      PlotType = "information_plane"
)

// PlotData is the JSON document sent to the plotting sidecar
type PlotData struct {
	PlotID    string    `json:"plot_id"`
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// MarshalJSON writes non-finite Metrics as strings, see Event.MarshalJSON
func (p PlotData) MarshalJSON() ([]byte, error) {
	type plain PlotData
	out := plain(p)
	if len(p.Metrics) > 0 {
		out.Metrics = make(map[string]interface{}, len(p.Metrics))
		for k, v := range p.Metrics {
			out.Metrics[k] = finiteValue(v)
		}
	}
	return json.Marshal(out)
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "histogram", "heatmap", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// MarshalJSON writes non-finite coordinates as strings, see Event.MarshalJSON
func (p DataPoint) MarshalJSON() ([]byte, error) {
	type plain DataPoint
	out := plain(p)
	out.X, out.Y = finiteValue(p.X), finiteValue(p.Y)
	if p.Z != nil {
		out.Z = finiteValue(p.Z)
	}
	return json.Marshal(out)
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// ParameterStats represents parameter distribution statistics
type ParameterStats struct {
	LayerName string    `json:"layer_name"`
	ParamType string    `json:"param_type"` // "weight", "bias"
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Histogram []float64 `json:"histogram"`
	Bins      []float64 `json:"bins"`
}

// Collector keeps the metric history of one run for plotting.
type Collector struct {
	mu        sync.Mutex
	modelName string

	// series key is "<metric> <cadence>", e.g. "loss batch"
	series         map[string][]DataPoint
	parameterStats map[string]ParameterStats
}

// NewCollector creates an empty collector
func NewCollector(modelName string) *Collector {
	return &Collector{
		modelName:      modelName,
		series:         make(map[string][]DataPoint),
		parameterStats: make(map[string]ParameterStats),
	}
}

// SetModelName changes the model name stamped onto generated plots
func (c *Collector) SetModelName(name string) {
	c.mu.Lock()
	c.modelName = name
	c.mu.Unlock()
}

// Record appends one observation of metric measured at the given cadence
func (c *Collector) Record(metric string, cadence Cadence, x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s %s", metric, cadence)
	c.series[key] = append(c.series[key], DataPoint{X: x, Y: y})
}

// Series returns a copy of the recorded points for metric at cadence
func (c *Collector) Series(metric string, cadence Cadence) []DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	points := c.series[fmt.Sprintf("%s %s", metric, cadence)]
	out := make([]DataPoint, len(points))
	copy(out, points)
	return out
}

// RecordParameterStats stores the latest statistics for one parameter
func (c *Collector) RecordParameterStats(stats ParameterStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parameterStats[fmt.Sprintf("%s_%s", stats.LayerName, stats.ParamType)] = stats
}

// ParameterStats returns the latest statistics keyed by "<layer>_<type>"
func (c *Collector) ParameterStats() map[string]ParameterStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ParameterStats, len(c.parameterStats))
	for k, v := range c.parameterStats {
		out[k] = v
	}
	return out
}

// Clear removes all recorded data
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string][]DataPoint)
	c.parameterStats = make(map[string]ParameterStats)
}

// TrainingCurvesPlot plots every recorded series against the epoch
func (c *Collector) TrainingCurvesPlot() PlotData {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	series := make([]SeriesData, 0, len(keys))
	for _, k := range keys {
		data := make([]DataPoint, len(c.series[k]))
		copy(data, c.series[k])
		series = append(series, SeriesData{
			Name:  k,
			Type:  "line",
			Data:  data,
			Style: map[string]interface{}{"line_width": 2},
		})
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Progress",
		Timestamp: time.Now(),
		ModelName: c.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel:  "Epoch",
			YAxisLabel:  "Value",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// ParameterDistributionPlot plots the histograms of the recorded parameters
func (c *Collector) ParameterDistributionPlot() PlotData {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.parameterStats))
	for k := range c.parameterStats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	series := make([]SeriesData, 0, len(keys))
	metrics := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		stats := c.parameterStats[k]
		data := make([]DataPoint, len(stats.Histogram))
		for i, count := range stats.Histogram {
			data[i] = DataPoint{X: stats.Bins[i], Y: count}
		}
		series = append(series, SeriesData{Name: k, Type: "histogram", Data: data})
		metrics[k+"_mean"] = stats.Mean
		metrics[k+"_std"] = stats.Std
	}

	return PlotData{
		PlotType:  ParameterDistribution,
		Title:     "Parameter Distribution",
		Timestamp: time.Now(),
		ModelName: c.modelName,
		Series:    series,
		Metrics:   metrics,
		Config: PlotConfig{
			XAxisLabel: "Value",
			YAxisLabel: "Count",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
}

// HeatmapPlot renders a [rows, cols] grid of values as a heatmap
func HeatmapPlot(plotType PlotType, title, modelName string, values []float32, rows, cols int) PlotData {
	data := make([]DataPoint, 0, len(values))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols && r*cols+c < len(values); c++ {
			data = append(data, DataPoint{X: c, Y: r, Z: values[r*cols+c]})
		}
	}
	return PlotData{
		PlotType:  plotType,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{{Name: title, Type: "heatmap", Data: data}},
		Config: PlotConfig{
			XAxisLabel: "Column",
			YAxisLabel: "Row",
			XAxisScale: "linear",
			YAxisScale: "linear",
			Width:      600,
			Height:     600,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}
