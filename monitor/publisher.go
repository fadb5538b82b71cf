package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventKind names the lifecycle step an Event reports
type EventKind string

const (
	EventLog         EventKind = "log"
	EventMetric      EventKind = "metric"
	EventBatch       EventKind = "batch"
	EventEpoch       EventKind = "epoch"
	EventPlot        EventKind = "plot"
	EventAdversarial EventKind = "adversarial"
	EventMask        EventKind = "mask"
)

// Event is one record of a run's monitoring stream.
type Event struct {
	ID      string             `json:"id"`
	RunID   string             `json:"run_id"`
	Kind    EventKind          `json:"kind"`
	Time    time.Time          `json:"time"`
	Epoch   float64            `json:"epoch"`
	Cadence Cadence            `json:"cadence,omitempty"`
	Text    string             `json:"text,omitempty"`
	Values  map[string]float64 `json:"values,omitempty"`
	Plot    *PlotData          `json:"plot,omitempty"`
}

// NewEvent stamps a fresh event with a random id and the current time
func NewEvent(runID string, kind EventKind) Event {
	return Event{
		ID:    uuid.NewString(),
		RunID: runID,
		Kind:  kind,
		Time:  time.Now(),
	}
}

// MarshalJSON writes non-finite Values as the strings "NaN", "+Inf" and "-Inf"
// so a diverging run still reaches the monitoring stream.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	var values map[string]interface{}
	if len(e.Values) > 0 {
		values = make(map[string]interface{}, len(e.Values))
		for k, v := range e.Values {
			values[k] = finiteJSON(v)
		}
	}
	return json.Marshal(struct {
		plain
		Epoch  interface{}            `json:"epoch"`
		Values map[string]interface{} `json:"values,omitempty"`
	}{plain(e), finiteJSON(e.Epoch), values})
}

// UnmarshalJSON accepts the string forms written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var raw struct {
		*plain
		Epoch  json.RawMessage            `json:"epoch"`
		Values map[string]json.RawMessage `json:"values,omitempty"`
	}
	raw.plain = (*plain)(e)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Epoch) > 0 {
		v, err := parseFiniteJSON(raw.Epoch)
		if err != nil {
			return fmt.Errorf("epoch: %w", err)
		}
		e.Epoch = v
	}
	e.Values = nil
	if len(raw.Values) > 0 {
		e.Values = make(map[string]float64, len(raw.Values))
		for k, msg := range raw.Values {
			v, err := parseFiniteJSON(msg)
			if err != nil {
				return fmt.Errorf("value %q: %w", k, err)
			}
			e.Values[k] = v
		}
	}
	return nil
}

func finiteJSON(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return v
}

// finiteValue is finiteJSON for the untyped coordinates of a DataPoint
func finiteValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		return finiteJSON(x)
	case float32:
		return finiteJSON(float64(x))
	}
	return v
}

func parseFiniteJSON(msg json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var v float64
	err := json.Unmarshal(msg, &v)
	return v, err
}

// Publisher delivers events to an external monitoring backend.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	// Reset discards everything previously published for runID
	Reset(ctx context.Context, runID string) error
	Name() string
}
