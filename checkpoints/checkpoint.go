package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/tsawler/trainloop/layers"
)

var (
	ErrShapeMismatch       = errors.New("parameter shape mismatch")
	ErrMissingParameter    = errors.New("parameter missing from checkpoint")
	ErrUnexpectedParameter = errors.New("unexpected parameter in checkpoint")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for checkpoints of this format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return ".pb"
	}
	return ".json"
}

// Checkpoint is the persisted state of one run: model parameters at an epoch
// boundary, the epoch counter, and the run identifier.
type Checkpoint struct {
	RunID      string             `json:"run_id"`
	Epoch      int                `json:"epoch"`
	Parameters []WeightTensor     `json:"parameters"`
	Metadata   CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// weightTensorJSON is the JSON form of a WeightTensor. Values are stored as
// IEEE-754 bit patterns so diverged parameters (NaN, ±Inf) round-trip.
type weightTensorJSON struct {
	Name  string   `json:"name"`
	Shape []int    `json:"shape"`
	Bits  []uint32 `json:"bits"`
}

func (w WeightTensor) MarshalJSON() ([]byte, error) {
	bits := make([]uint32, len(w.Data))
	for i, v := range w.Data {
		bits[i] = math.Float32bits(v)
	}
	return json.Marshal(weightTensorJSON{Name: w.Name, Shape: w.Shape, Bits: bits})
}

func (w *WeightTensor) UnmarshalJSON(b []byte) error {
	var raw weightTensorJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	w.Name = raw.Name
	w.Shape = raw.Shape
	w.Data = make([]float32, len(raw.Bits))
	for i, bits := range raw.Bits {
		w.Data[i] = math.Float32frombits(bits)
	}
	return nil
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadReport lists what ApplyTo did with each parameter name
type LoadReport struct {
	Loaded     []string
	Missing    []string
	Unexpected []string
	Mismatched []string
}

// FromModule snapshots the module's parameters into a new checkpoint
func FromModule(module layers.Module, epoch int, runID string) *Checkpoint {
	params := module.NamedParameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, p.Value.NumElems)
		copy(data, p.Value.Data.([]float32))
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		weights = append(weights, WeightTensor{Name: p.Name, Shape: shape, Data: data})
	}

	return &Checkpoint{
		RunID:      runID,
		Epoch:      epoch,
		Parameters: weights,
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "trainloop",
			CreatedAt: time.Now(),
		},
	}
}

// ApplyTo loads the checkpoint parameters into the module. In strict mode every
// module parameter must be present with an identical shape and no extra
// parameters may exist; on violation the module is left untouched. Otherwise
// only matching parameters are copied.
func (c *Checkpoint) ApplyTo(module layers.Module, strict bool) (LoadReport, error) {
	var report LoadReport

	saved := make(map[string]WeightTensor, len(c.Parameters))
	for _, w := range c.Parameters {
		saved[w.Name] = w
	}

	params := module.NamedParameters()
	present := make(map[string]bool, len(params))
	var matched []*layers.Parameter
	for _, p := range params {
		present[p.Name] = true
		w, ok := saved[p.Name]
		switch {
		case !ok:
			report.Missing = append(report.Missing, p.Name)
		case !shapesEqual(p.Value.Shape, w.Shape) || len(w.Data) != p.Value.NumElems:
			report.Mismatched = append(report.Mismatched, p.Name)
		default:
			matched = append(matched, p)
		}
	}
	for _, w := range c.Parameters {
		if !present[w.Name] {
			report.Unexpected = append(report.Unexpected, w.Name)
		}
	}

	if strict {
		switch {
		case len(report.Mismatched) > 0:
			return report, fmt.Errorf("%w: %v", ErrShapeMismatch, report.Mismatched)
		case len(report.Missing) > 0:
			return report, fmt.Errorf("%w: %v", ErrMissingParameter, report.Missing)
		case len(report.Unexpected) > 0:
			return report, fmt.Errorf("%w: %v", ErrUnexpectedParameter, report.Unexpected)
		}
	}

	for _, p := range matched {
		copy(p.Value.Data.([]float32), saved[p.Name].Data)
		report.Loaded = append(report.Loaded, p.Name)
	}
	return report, nil
}

func shapesEqual(a, b []int) bool {
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

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the serialization format of this saver
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// saveProto saves checkpoint in protobuf wire format
func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	if err := os.WriteFile(path, MarshalProto(checkpoint), 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// loadProto loads checkpoint from protobuf wire format
func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	checkpoint, err := UnmarshalProto(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}
