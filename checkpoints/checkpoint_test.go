package checkpoints

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/trainloop/layers"
)

func newModel(t *testing.T, seed int64, hidden int) *layers.Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	dense1, err := layers.NewDense("dense1", 4, hidden, true, rng)
	if err != nil {
		t.Fatalf("Failed to create dense1: %v", err)
	}
	output, err := layers.NewDense("output", hidden, 3, true, rng)
	if err != nil {
		t.Fatalf("Failed to create output: %v", err)
	}
	return layers.NewSequential(dense1, layers.NewReLU("relu1"), output)
}

func snapshot(model layers.Module) map[string][]float32 {
	out := map[string][]float32{}
	for _, p := range model.NamedParameters() {
		data := make([]float32, p.Value.NumElems)
		copy(data, p.Value.Data.([]float32))
		out[p.Name] = data
	}
	return out
}

func assertParamsEqual(t *testing.T, model layers.Module, want map[string][]float32) {
	t.Helper()
	for _, p := range model.NamedParameters() {
		got := p.Value.Data.([]float32)
		for i := range got {
			if got[i] != want[p.Name][i] {
				t.Fatalf("Parameter %s[%d]: expected %f, got %f", p.Name, i, want[p.Name][i], got[i])
			}
		}
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			source := newModel(t, 1, 5)
			checkpoint := FromModule(source, 7, "2026.10.19 Sequential: blobs TrainerGrad CrossEntropyLoss")

			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint"+format.Extension())
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			if loaded.Epoch != 7 {
				t.Errorf("Epoch mismatch: expected 7, got %d", loaded.Epoch)
			}
			if loaded.RunID != checkpoint.RunID {
				t.Errorf("Run id mismatch: expected %q, got %q", checkpoint.RunID, loaded.RunID)
			}
			if len(loaded.Parameters) != len(checkpoint.Parameters) {
				t.Fatalf("Parameter count mismatch: expected %d, got %d", len(checkpoint.Parameters), len(loaded.Parameters))
			}

			target := newModel(t, 2, 5)
			report, err := loaded.ApplyTo(target, true)
			if err != nil {
				t.Fatalf("ApplyTo failed: %v", err)
			}
			if len(report.Loaded) != 4 {
				t.Errorf("Expected 4 loaded parameters, got %v", report.Loaded)
			}
			assertParamsEqual(t, target, snapshot(source))
		})
	}
}

func TestCheckpointNonFiniteValues(t *testing.T) {
	values := []float32{
		float32(math.NaN()),
		float32(math.Inf(1)),
		float32(math.Inf(-1)),
		float32(math.Copysign(0, -1)),
		1.5,
	}
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := FromModule(newModel(t, 1, 5), 1, "diverged")
			copy(checkpoint.Parameters[0].Data, values)

			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint"+format.Extension())
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint with non-finite values: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			got := loaded.Parameters[0].Data
			if len(got) != len(checkpoint.Parameters[0].Data) {
				t.Fatalf("Length mismatch: expected %d, got %d", len(checkpoint.Parameters[0].Data), len(got))
			}
			for i, want := range checkpoint.Parameters[0].Data {
				if math.Float32bits(got[i]) != math.Float32bits(want) {
					t.Errorf("Value %d: expected bits %#x, got %#x", i, math.Float32bits(want), math.Float32bits(got[i]))
				}
			}
		})
	}
}

func TestApplyToStrictMismatchLeavesModelUntouched(t *testing.T) {
	checkpoint := FromModule(newModel(t, 1, 5), 3, "run")
	target := newModel(t, 2, 6)
	before := snapshot(target)

	_, err := checkpoint.ApplyTo(target, true)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
	assertParamsEqual(t, target, before)
}

func TestApplyToNonStrictLoadsMatchingSubset(t *testing.T) {
	source := newModel(t, 1, 5)
	checkpoint := FromModule(source, 3, "run")
	checkpoint.Parameters = append(checkpoint.Parameters, WeightTensor{Name: "extra.weight", Shape: []int{1}, Data: []float32{1}})

	// hidden=6 makes every tensor except output.bias incompatible
	target := newModel(t, 2, 6)
	report, err := checkpoint.ApplyTo(target, false)
	if err != nil {
		t.Fatalf("Non-strict ApplyTo failed: %v", err)
	}

	if len(report.Loaded) != 1 || report.Loaded[0] != "output.bias" {
		t.Errorf("Expected only output.bias to load, got %v", report.Loaded)
	}
	if len(report.Mismatched) != 3 {
		t.Errorf("Expected 3 mismatched parameters, got %v", report.Mismatched)
	}
	if len(report.Unexpected) != 1 || report.Unexpected[0] != "extra.weight" {
		t.Errorf("Expected extra.weight to be unexpected, got %v", report.Unexpected)
	}

	want := snapshot(source)["output.bias"]
	for _, p := range target.NamedParameters() {
		if p.Name != "output.bias" {
			continue
		}
		for i, v := range p.Value.Data.([]float32) {
			if v != want[i] {
				t.Errorf("output.bias[%d]: expected %f, got %f", i, want[i], v)
			}
		}
	}
}

func TestApplyToStrictMissingAndUnexpected(t *testing.T) {
	checkpoint := FromModule(newModel(t, 1, 5), 0, "run")

	missing := *checkpoint
	missing.Parameters = checkpoint.Parameters[:3]
	if _, err := missing.ApplyTo(newModel(t, 2, 5), true); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("Expected ErrMissingParameter, got %v", err)
	}

	extra := *checkpoint
	extra.Parameters = append(append([]WeightTensor{}, checkpoint.Parameters...), WeightTensor{Name: "x", Shape: []int{1}, Data: []float32{0}})
	if _, err := extra.ApplyTo(newModel(t, 2, 5), true); !errors.Is(err, ErrUnexpectedParameter) {
		t.Errorf("Expected ErrUnexpectedParameter, got %v", err)
	}
}

func TestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	store := NewStore(dir, FormatProto)

	runID := "2026.10.19 Sequential: blobs TrainerGrad CrossEntropyLoss"
	if got, want := store.Path(runID), filepath.Join(dir, runID+".pb"); got != want {
		t.Errorf("Expected path %s, got %s", want, got)
	}

	path, err := store.Save(FromModule(newModel(t, 1, 5), 2, runID))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary file left behind")
	}

	// Saving again overwrites the single per-run checkpoint
	if _, err := store.Save(FromModule(newModel(t, 1, 5), 3, runID)); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	loaded, err := store.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Epoch != 3 {
		t.Errorf("Expected epoch 3 after overwrite, got %d", loaded.Epoch)
	}

	if _, err := store.Load(filepath.Join(dir, "absent.pb")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}

func TestUnmarshalProtoRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalProto([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("Expected error for invalid protobuf data")
	}
}
