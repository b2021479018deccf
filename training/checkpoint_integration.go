package training

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-trainloop/checkpoints"
)

// saveDue reports whether the epoch with 0-based index epoch ends on the save cadence
func (t *Trainer) saveDue(epoch int) bool {
	return t.store != nil && t.config.SaveInterval > 0 && (epoch+1)%t.config.SaveInterval == 0
}

// snapshot copies the current training state into a checkpoint. The stored
// epoch is the number of completed epochs.
func (t *Trainer) snapshot(epoch int, loss float64) *checkpoints.Checkpoint {
	state := t.State()
	return &checkpoints.Checkpoint{
		Epoch:          epoch + 1,
		ModelState:     state.Model,
		OptimizerState: state.Optimizer,
		SchedulerState: state.Scheduler,
		Loss:           loss,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.config.RunID,
			Description: fmt.Sprintf("%s epoch %d", t.config.ModelName, epoch+1),
		},
	}
}

// checkpoint runs the checkpointing phase: persist, report the artifact,
// prune to the retention bound and refresh the best pointer. Every failure
// here is a warning; it returns the persisted location and whether the write
// succeeded.
func (t *Trainer) checkpoint(ctx context.Context, epoch int, metrics EpochMetrics) (string, bool) {
	t.phase = PhaseCheckpointing

	ckpt := t.snapshot(epoch, metrics.MeanLoss)
	path, err := t.store.Persist(ckpt)
	if err != nil {
		klog.Warningf("Warning: checkpoint for epoch %d not saved: %v", epoch+1, err)
		return "", false
	}

	t.warn(t.logger.LogModel(ctx, path, fmt.Sprintf("%s-epoch-%d", t.config.ModelName, epoch+1)))

	if _, err := t.store.Prune(t.store.Keep()); err != nil {
		klog.Warningf("Warning: failed to prune checkpoints in %s: %v", t.store.Dir(), err)
	}

	if _, err := t.store.UpdateBest(metrics.MeanLoss, ckpt); err != nil {
		klog.Warningf("Warning: best checkpoint not updated: %v", err)
	}

	return path, true
}

// ResumeLatest restores the trainer from the newest per-epoch checkpoint in
// the store. It returns false when the store is empty.
func (t *Trainer) ResumeLatest() (bool, error) {
	if t.store == nil {
		return false, nil
	}
	ckpt, path, err := t.store.Latest()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := t.Restore(ckpt); err != nil {
		return false, fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	if err := t.store.RestoreBest(); err != nil {
		klog.Warningf("Warning: best checkpoint not restored: %v", err)
	}
	klog.Infof("Resumed from %s at epoch %d", path, ckpt.Epoch)
	return true, nil
}
