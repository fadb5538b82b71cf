package training

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/tsawler/trainloop/checkpoints"
)

// CheckpointPath returns where this run's checkpoint is written
func (t *Trainer) CheckpointPath() string {
	return t.store.Path(t.runID)
}

// Save writes the model parameters, epoch and run id to the run's
// checkpoint file and returns its path. A permission failure is logged and
// yields an empty path with no error.
func (t *Trainer) Save() (string, error) {
	checkpoint := checkpoints.FromModule(t.model, t.timer.Epoch(), t.runID)
	path, err := t.store.Save(checkpoint)
	if errors.Is(err, fs.ErrPermission) {
		t.logger.Error("cannot write checkpoint", "path", t.CheckpointPath(), "error", err)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	t.logger.Debug("checkpoint saved", "path", path, "epoch", checkpoint.Epoch)
	return path, nil
}

// Restore loads a checkpoint into the model; an empty path means the run's
// own checkpoint. A missing file is not an error: Restore returns nil and
// leaves everything unchanged. A strict restore of an incompatible
// checkpoint is logged and also returns nil without touching the model, so
// the run continues from its fresh state. On success the run id and
// epoch are taken from the checkpoint and the monitoring stream is reopened
// under that run id.
func (t *Trainer) Restore(path string, strict bool) (*checkpoints.Checkpoint, error) {
	if path == "" {
		path = t.CheckpointPath()
	}

	checkpoint, err := t.store.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		t.logger.Info("checkpoint not found", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	report, err := checkpoint.ApplyTo(t.model, strict)
	if incompatible(err) {
		t.logger.Error("incompatible checkpoint, starting fresh", "path", path, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if len(report.Missing)+len(report.Mismatched)+len(report.Unexpected) > 0 {
		t.logger.Warn("partial checkpoint restore", "path", path,
			"missing", report.Missing, "mismatched", report.Mismatched, "unexpected", report.Unexpected)
	}

	t.runID = checkpoint.RunID
	t.timer.SetEpoch(checkpoint.Epoch)
	if err := t.sink.Open(t.runID); err != nil {
		return nil, fmt.Errorf("failed to reopen monitoring stream: %w", err)
	}
	t.logger.Info("checkpoint restored", "path", path, "run", t.runID, "epoch", checkpoint.Epoch)
	return checkpoint, nil
}

func incompatible(err error) bool {
	return errors.Is(err, checkpoints.ErrShapeMismatch) ||
		errors.Is(err, checkpoints.ErrMissingParameter) ||
		errors.Is(err, checkpoints.ErrUnexpectedParameter)
}
