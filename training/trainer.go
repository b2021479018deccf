package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-trainloop/checkpoints"
	"github.com/tsawler/go-trainloop/tracking"
)

// Model is the step-function collaborator. TrainStep runs the forward and
// backward pass for one batch, leaving gradients in Parameters().
type Model interface {
	TrainStep(batch *Batch) (loss float64, info map[string]float64, err error)
	Parameters() []*Parameter
}

// Phase is the orchestrator state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEpochRunning
	PhaseEpochClosing
	PhaseCheckpointing
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseEpochRunning:
		return "EpochRunning"
	case PhaseEpochClosing:
		return "EpochClosing"
	case PhaseCheckpointing:
		return "Checkpointing"
	case PhaseFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	MaxEpoch     int // Number of epochs to run
	SaveInterval int // Checkpoint every N epochs (0 = never)
	StartEpoch   int // 0-based epoch index to start from when resuming
	RunID        string
	ModelName    string
	ShowProgress bool           // Per-batch progress bar
	Out          io.Writer      // Console output, defaults to stdout
	Tracking     map[string]any // Run configuration sent to the logger
	OnEpoch      func(EpochMetrics)
}

// State is the training state owned by the Trainer. It only leaves the
// trainer as a copy inside a checkpoint.
type State struct {
	Epoch     int
	Model     checkpoints.StateDict
	Optimizer checkpoints.StateDict
	Scheduler checkpoints.StateDict
}

// Summary describes a finished (or halted) run
type Summary struct {
	Epochs      []EpochMetrics
	Checkpoints []string // every location persisted, including ones pruned later
	BestLoss    float64
	BestEpoch   int
}

// Trainer manages the training process: it pulls batches, runs the step
// function, aggregates metrics, steps the schedule once per epoch and
// checkpoints on a fixed cadence
type Trainer struct {
	config    TrainerConfig
	model     Model
	optimizer Optimizer
	scheduler *EpochScheduler
	loader    *DataLoader
	store     *checkpoints.Store
	logger    *tracking.Safe
	acc       *MetricAccumulator
	out       io.Writer
	phase     Phase
	epoch     int
}

// NewTrainer creates a new Trainer. A nil logger disables tracking and a nil
// store disables checkpointing.
func NewTrainer(
	config TrainerConfig,
	model Model,
	optimizer Optimizer,
	scheduler *EpochScheduler,
	loader *DataLoader,
	store *checkpoints.Store,
	logger tracking.Logger,
) *Trainer {
	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	if config.ModelName == "" {
		config.ModelName = "model"
	}
	return &Trainer{
		config:    config,
		model:     model,
		optimizer: optimizer,
		scheduler: scheduler,
		loader:    loader,
		store:     store,
		logger:    tracking.NewSafe(logger),
		acc:       NewMetricAccumulator(),
		out:       out,
		phase:     PhaseIdle,
		epoch:     config.StartEpoch,
	}
}

// Phase returns the current orchestrator state
func (t *Trainer) Phase() Phase { return t.phase }

// State returns a copy of the current training state
func (t *Trainer) State() State {
	return State{
		Epoch:     t.epoch,
		Model:     ParametersStateDict(t.model.Parameters()),
		Optimizer: t.optimizer.StateDict(),
		Scheduler: t.scheduler.StateDict(),
	}
}

// Restore loads model, optimizer and scheduler state from a checkpoint and
// continues from the epoch after it
func (t *Trainer) Restore(checkpoint *checkpoints.Checkpoint) error {
	if err := LoadParametersStateDict(t.model.Parameters(), checkpoint.ModelState); err != nil {
		return fmt.Errorf("failed to restore model: %w", err)
	}
	if err := t.optimizer.LoadStateDict(checkpoint.OptimizerState); err != nil {
		return fmt.Errorf("failed to restore optimizer: %w", err)
	}
	if err := t.scheduler.LoadStateDict(checkpoint.SchedulerState); err != nil {
		return fmt.Errorf("failed to restore scheduler: %w", err)
	}
	t.config.StartEpoch = checkpoint.Epoch
	t.epoch = checkpoint.Epoch
	return nil
}

// Run trains for the configured number of epochs. The logger is finished on
// every exit path. A StepError halts the run; checkpoint and logging failures
// are reported as warnings and training continues.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	summary := Summary{BestLoss: math.Inf(1)}

	t.phase = PhaseIdle
	t.warn(t.logger.Initialize(ctx, t.config.Tracking))

	defer func() {
		t.warn(t.logger.Finish(context.WithoutCancel(ctx)))
		t.phase = PhaseFinished
	}()

	for epoch := t.config.StartEpoch; epoch < t.config.MaxEpoch; epoch++ {
		metrics, err := t.runEpoch(ctx, epoch)
		if err != nil {
			var stepErr *StepError
			if errors.As(err, &stepErr) {
				klog.Errorf("Training halted: %v", err)
			}
			return summary, err
		}
		summary.Epochs = append(summary.Epochs, metrics)

		if t.saveDue(epoch) {
			if path, ok := t.checkpoint(ctx, epoch, metrics); ok {
				summary.Checkpoints = append(summary.Checkpoints, path)
			}
		}
		if t.store != nil {
			summary.BestLoss = t.store.BestLoss()
			summary.BestEpoch = t.store.BestEpoch()
		}
	}

	return summary, nil
}

// runEpoch performs one full pass over the data loader
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	t.phase = PhaseEpochRunning
	t.epoch = epoch
	t.acc.Reset()
	start := time.Now()

	numBatches := t.loader.Len()
	var bar *ProgressBar
	if t.config.ShowProgress {
		bar = NewProgressBarTo(t.out, isTerminal(t.out), "", numBatches)
	}

	it := t.loader.Epoch(ctx)
	defer it.Close()

	for {
		if err := ctx.Err(); err != nil {
			return EpochMetrics{}, err
		}

		batch, err := it.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return EpochMetrics{}, ctxErr
			}
			return EpochMetrics{}, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		if batch == nil {
			break
		}

		t.optimizer.ZeroGrad()
		loss, info, err := t.step(batch)
		if err != nil {
			return EpochMetrics{}, &StepError{Epoch: epoch, Batch: batch.Index, Err: err}
		}
		if err := t.optimizer.Step(); err != nil {
			return EpochMetrics{}, &StepError{Epoch: epoch, Batch: batch.Index, Err: fmt.Errorf("optimizer step: %w", err)}
		}

		t.acc.Accumulate(batch.Size(), loss, info)

		if bar != nil {
			bar.SetDescription(fmt.Sprintf("[Epoch %d/%d][%d/%d]", epoch+1, t.config.MaxEpoch, batch.Index+1, numBatches))
			values := map[string]float64{"Loss": loss, "LR": t.optimizer.GetLR()}
			for name, v := range info {
				values[name] = v
			}
			bar.Update(batch.Index+1, values)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if err := ctx.Err(); err != nil {
		return EpochMetrics{}, err
	}

	return t.closeEpoch(ctx, epoch, start), nil
}

// closeEpoch advances the schedule once, computes both means and reports them
func (t *Trainer) closeEpoch(ctx context.Context, epoch int, start time.Time) EpochMetrics {
	t.phase = PhaseEpochClosing

	itemMeans := t.acc.Finalize(t.loader.DatasetLen())
	batchMeans := t.acc.FinalizeByBatches()
	lr := t.scheduler.Step(itemMeans.Loss)

	metrics := EpochMetrics{
		Epoch:               epoch,
		MeanLoss:            itemMeans.Loss,
		MeanComponents:      itemMeans.Components,
		BatchMeanLoss:       batchMeans.Loss,
		BatchMeanComponents: batchMeans.Components,
		Items:               t.acc.Items(),
		Batches:             t.acc.Batches(),
		LearningRate:        lr,
		Duration:            time.Since(start),
		components:          t.acc.Components(),
	}

	t.warn(t.logger.LogEpochMetrics(ctx, metrics.Record()))
	fmt.Fprintf(t.out, "Epoch %d/%d | %s | Time: %s\n", epoch+1, t.config.MaxEpoch, metrics, metrics.Duration.Round(time.Millisecond))

	if t.config.OnEpoch != nil {
		t.config.OnEpoch(metrics)
	}
	return metrics
}

// step invokes the step function; a panic inside it is treated as an error
func (t *Trainer) step(batch *Batch) (loss float64, info map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step function: %v", r)
		}
	}()
	return t.model.TrainStep(batch)
}

func (t *Trainer) warn(err error) {
	if err != nil {
		klog.Warningf("Warning: %v", err)
	}
}
