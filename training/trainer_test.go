package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-trainloop/checkpoints"
)

// indexDataset returns samples whose single input is the sample index
type indexDataset struct {
	n int
}

func (d indexDataset) Len() int { return d.n }

func (d indexDataset) Get(idx int) (Sample, error) {
	return Sample{Input: []float64{float64(idx)}, Targets: [][]float64{{float64(idx)}}}, nil
}

// scriptedModel returns a loss chosen by lossFn for every step call
type scriptedModel struct {
	params  []*Parameter
	lossFn  func(call int, batch *Batch) float64
	calls   int
	failAt  int
	panicAt int
}

func newScriptedModel(lossFn func(call int, batch *Batch) float64) *scriptedModel {
	return &scriptedModel{
		params:  []*Parameter{NewParameter("w", []float64{1, 1})},
		lossFn:  lossFn,
		failAt:  -1,
		panicAt: -1,
	}
}

func (m *scriptedModel) TrainStep(batch *Batch) (float64, map[string]float64, error) {
	call := m.calls
	m.calls++
	if call == m.failAt {
		return 0, nil, errors.New("step exploded")
	}
	if call == m.panicAt {
		panic("nan in forward pass")
	}
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] = 0.1
		}
	}
	loss := m.lossFn(call, batch)
	return loss, map[string]float64{"aux": loss / 2}, nil
}

func (m *scriptedModel) Parameters() []*Parameter { return m.params }

// recordingLogger captures every call it receives
type recordingLogger struct {
	initialized bool
	records     []map[string]float64
	models      []string
	finished    int
	failWith    error
	panicking   bool
}

func (l *recordingLogger) Initialize(ctx context.Context, config map[string]any) error {
	l.initialized = true
	return l.fail()
}

func (l *recordingLogger) LogEpochMetrics(ctx context.Context, metrics map[string]float64) error {
	l.records = append(l.records, metrics)
	return l.fail()
}

func (l *recordingLogger) LogModel(ctx context.Context, path, name string) error {
	l.models = append(l.models, name)
	return l.fail()
}

func (l *recordingLogger) Finish(ctx context.Context) error {
	l.finished++
	return l.fail()
}

func (l *recordingLogger) fail() error {
	if l.panicking {
		panic("tracking backend crashed")
	}
	return l.failWith
}

type trainerFixture struct {
	trainer   *Trainer
	model     *scriptedModel
	scheduler *EpochScheduler
	store     *checkpoints.Store
	logger    *recordingLogger
	out       *bytes.Buffer
}

func newTrainerFixture(t *testing.T, dir string, keep int, config TrainerConfig, datasetLen, batchSize int, lossFn func(int, *Batch) float64) *trainerFixture {
	t.Helper()

	model := newScriptedModel(lossFn)
	optimizer := NewSGD(model.Parameters(), 0.1, 0, 0, 0, false)
	scheduler := NewEpochScheduler(NewCosineAnnealingLRScheduler(config.MaxEpoch, 1e-6), optimizer)
	loader := NewDataLoader(indexDataset{n: datasetLen}, batchSize, false, 2, 1)

	storeConfig := checkpoints.DefaultStoreConfig()
	storeConfig.Keep = keep
	store := checkpoints.NewStore(dir, storeConfig)

	logger := &recordingLogger{}
	out := &bytes.Buffer{}
	config.Out = out

	return &trainerFixture{
		trainer:   NewTrainer(config, model, optimizer, scheduler, loader, store, logger),
		model:     model,
		scheduler: scheduler,
		store:     store,
		logger:    logger,
		out:       out,
	}
}

func constantLoss(loss float64) func(int, *Batch) float64 {
	return func(int, *Batch) float64 { return loss }
}

func TestTrainerCheckpointCadence(t *testing.T) {
	dir := t.TempDir()
	f := newTrainerFixture(t, dir, 10, TrainerConfig{MaxEpoch: 3, SaveInterval: 2}, 4, 2, constantLoss(0.5))

	summary, err := f.trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(summary.Epochs) != 3 {
		t.Fatalf("Expected 3 epochs, got %d", len(summary.Epochs))
	}
	if len(summary.Checkpoints) != 1 {
		t.Fatalf("Expected exactly one checkpoint, got %v", summary.Checkpoints)
	}
	if summary.Checkpoints[0] != filepath.Join(dir, "epoch_2.ckpt") {
		t.Errorf("Expected checkpoint after epoch index 1, got %s", summary.Checkpoints[0])
	}

	ckpt, err := f.store.Load(summary.Checkpoints[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ckpt.Epoch != 2 {
		t.Errorf("Expected stored epoch 2, got %d", ckpt.Epoch)
	}
	if _, ok := ckpt.ModelState["w"]; !ok {
		t.Errorf("Expected model state to contain parameter w")
	}
	if _, ok := ckpt.SchedulerState["last_epoch"]; !ok {
		t.Errorf("Expected scheduler state in checkpoint")
	}

	if _, err := os.Stat(f.store.BestPath()); err != nil {
		t.Errorf("Expected best checkpoint to exist: %v", err)
	}
	if len(f.logger.models) != 1 || f.logger.models[0] != "model-epoch-2" {
		t.Errorf("Expected one model artifact named model-epoch-2, got %v", f.logger.models)
	}
	if f.trainer.Phase() != PhaseFinished {
		t.Errorf("Expected phase Finished, got %s", f.trainer.Phase())
	}
}

func TestTrainerSchedulerStepsOncePerEpoch(t *testing.T) {
	f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 4}, 10, 2, constantLoss(1))

	var lrs []float64
	f.trainer.config.OnEpoch = func(m EpochMetrics) { lrs = append(lrs, m.LearningRate) }

	if _, err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if f.scheduler.LastEpoch() != 4 {
		t.Errorf("Expected 4 scheduler steps, got %d", f.scheduler.LastEpoch())
	}
	if f.model.calls != 20 {
		t.Errorf("Expected 20 step calls, got %d", f.model.calls)
	}

	cosine := NewCosineAnnealingLRScheduler(4, 1e-6)
	for i, lr := range lrs {
		expected := cosine.GetLR(i+1, 0, 0.1)
		if math.Abs(lr-expected) > 1e-12 {
			t.Errorf("Epoch %d: expected LR %f, got %f", i, expected, lr)
		}
	}
}

func TestTrainerEpochMeansShortLastBatch(t *testing.T) {
	// 5 items in batches of 2: sizes 2, 2, 1; each batch reports its size as loss
	f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 1}, 5, 2, func(_ int, b *Batch) float64 {
		return float64(b.Size())
	})

	summary, err := f.trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	m := summary.Epochs[0]
	if m.Items != 5 || m.Batches != 3 {
		t.Fatalf("Expected 5 items in 3 batches, got %d in %d", m.Items, m.Batches)
	}
	if math.Abs(m.MeanLoss-9.0/5.0) > 1e-12 {
		t.Errorf("Expected item mean 1.8, got %f", m.MeanLoss)
	}
	if math.Abs(m.BatchMeanLoss-9.0/3.0) > 1e-12 {
		t.Errorf("Expected batch mean 3.0, got %f", m.BatchMeanLoss)
	}
	if math.Abs(m.MeanComponents["aux"]-0.9) > 1e-12 {
		t.Errorf("Expected aux item mean 0.9, got %f", m.MeanComponents["aux"])
	}

	if len(f.logger.records) != 1 {
		t.Fatalf("Expected one metrics record, got %d", len(f.logger.records))
	}
	record := f.logger.records[0]
	if record["loss"] != m.BatchMeanLoss || record["mean_loss"] != m.MeanLoss {
		t.Errorf("Unexpected loss fields in record: %v", record)
	}
	if _, ok := record["mean_aux"]; !ok {
		t.Errorf("Expected mean_aux in record: %v", record)
	}
	if !bytes.Contains(f.out.Bytes(), []byte("Epoch 1/1 | Mean loss: 1.8000")) {
		t.Errorf("Expected epoch summary line, got %q", f.out.String())
	}
}

func TestTrainerRetainsLowestLoss(t *testing.T) {
	dir := t.TempDir()
	losses := []float64{0.9, 0.5, 0.7, 0.3, 0.8, 0.4}
	f := newTrainerFixture(t, dir, 2, TrainerConfig{MaxEpoch: 6, SaveInterval: 1}, 2, 2, func(call int, _ *Batch) float64 {
		return losses[call]
	})

	summary, err := f.trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(summary.Checkpoints) != 6 {
		t.Errorf("Expected 6 persisted checkpoints, got %d", len(summary.Checkpoints))
	}
	window := f.store.Window()
	if len(window) != 2 || window[0].Epoch != 4 || window[1].Epoch != 6 {
		t.Errorf("Expected epochs 4 and 6 retained, got %+v", window)
	}
	for _, epoch := range []int{1, 2, 3, 5} {
		if _, err := os.Stat(f.store.PathFor(epoch)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected epoch %d checkpoint to be pruned", epoch)
		}
	}
	if summary.BestLoss != 0.3 || summary.BestEpoch != 4 {
		t.Errorf("Expected best 0.3 at epoch 4, got %f at %d", summary.BestLoss, summary.BestEpoch)
	}
}

func TestTrainerStepErrorHalts(t *testing.T) {
	f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 3, SaveInterval: 1}, 6, 2, constantLoss(1))
	f.model.failAt = 4 // epoch 1, batch 1

	summary, err := f.trainer.Run(context.Background())

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Expected StepError, got %v", err)
	}
	if stepErr.Epoch != 1 || stepErr.Batch != 1 {
		t.Errorf("Expected failure at epoch 1 batch 1, got epoch %d batch %d", stepErr.Epoch, stepErr.Batch)
	}
	if len(summary.Epochs) != 1 {
		t.Errorf("Expected one completed epoch, got %d", len(summary.Epochs))
	}
	if f.model.calls != 5 {
		t.Errorf("Expected no step calls after the failure, got %d calls", f.model.calls)
	}
	if f.logger.finished != 1 {
		t.Errorf("Expected logger to be finished once, got %d", f.logger.finished)
	}
	if f.scheduler.LastEpoch() != 1 {
		t.Errorf("Expected scheduler stepped only for the completed epoch, got %d", f.scheduler.LastEpoch())
	}
}

func TestTrainerStepPanicIsStepError(t *testing.T) {
	f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 1}, 4, 2, constantLoss(1))
	f.model.panicAt = 0

	_, err := f.trainer.Run(context.Background())

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Expected StepError, got %v", err)
	}
	if f.logger.finished != 1 {
		t.Errorf("Expected logger to be finished after a panic, got %d", f.logger.finished)
	}
}

func TestTrainerLoggerFailuresAreNonFatal(t *testing.T) {
	tests := []struct {
		name   string
		logger *recordingLogger
	}{
		{"errors", &recordingLogger{failWith: errors.New("connection refused")}},
		{"panics", &recordingLogger{panicking: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 2, SaveInterval: 1}, 4, 2, constantLoss(1))
			f.trainer = NewTrainer(f.trainer.config, f.model, f.trainer.optimizer, f.scheduler, f.trainer.loader, f.store, tt.logger)

			summary, err := f.trainer.Run(context.Background())
			if err != nil {
				t.Fatalf("Expected run to survive logger failures, got %v", err)
			}
			if len(summary.Epochs) != 2 || len(summary.Checkpoints) != 2 {
				t.Errorf("Expected 2 epochs and 2 checkpoints, got %d and %d", len(summary.Epochs), len(summary.Checkpoints))
			}
		})
	}
}

func TestTrainerStorageErrorDoesNotAbort(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := newTrainerFixture(t, filepath.Join(blocker, "checkpoints"), 10, TrainerConfig{MaxEpoch: 2, SaveInterval: 1}, 4, 2, constantLoss(1))

	summary, err := f.trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected run to continue after storage errors, got %v", err)
	}
	if len(summary.Epochs) != 2 {
		t.Errorf("Expected 2 epochs, got %d", len(summary.Epochs))
	}
	if len(summary.Checkpoints) != 0 {
		t.Errorf("Expected no checkpoints, got %v", summary.Checkpoints)
	}
	if len(f.logger.models) != 0 {
		t.Errorf("Expected no artifacts reported, got %v", f.logger.models)
	}
}

func TestTrainerCancelledContext(t *testing.T) {
	f := newTrainerFixture(t, t.TempDir(), 10, TrainerConfig{MaxEpoch: 3}, 4, 2, constantLoss(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.trainer.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if f.logger.finished != 1 {
		t.Errorf("Expected logger to be finished, got %d", f.logger.finished)
	}
	if f.scheduler.LastEpoch() != 0 {
		t.Errorf("Expected no scheduler steps, got %d", f.scheduler.LastEpoch())
	}
}

func TestTrainerResumeLatest(t *testing.T) {
	dir := t.TempDir()
	first := newTrainerFixture(t, dir, 10, TrainerConfig{MaxEpoch: 2, SaveInterval: 1}, 4, 2, constantLoss(0.5))
	if _, err := first.trainer.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	trained := append([]float64(nil), first.model.params[0].Data...)

	second := newTrainerFixture(t, dir, 10, TrainerConfig{MaxEpoch: 3, SaveInterval: 1}, 4, 2, constantLoss(0.6))
	resumed, err := second.trainer.ResumeLatest()
	if err != nil || !resumed {
		t.Fatalf("Expected resume, got %v (resumed=%v)", err, resumed)
	}
	for i, v := range second.model.params[0].Data {
		if v != trained[i] {
			t.Errorf("Parameter %d: expected %f, got %f", i, trained[i], v)
		}
	}
	if second.store.BestLoss() != 0.5 {
		t.Errorf("Expected restored best loss 0.5, got %f", second.store.BestLoss())
	}

	summary, err := second.trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(summary.Epochs) != 1 || summary.Epochs[0].Epoch != 2 {
		t.Errorf("Expected only epoch index 2 to run, got %+v", summary.Epochs)
	}
	if second.scheduler.LastEpoch() != 3 {
		t.Errorf("Expected scheduler at epoch 3, got %d", second.scheduler.LastEpoch())
	}
	// equal and higher losses never replace the best from the first run
	if summary.BestEpoch != 1 {
		t.Errorf("Expected best to stay at epoch 1, got %d", summary.BestEpoch)
	}
}

func TestTrainerResumeLatestEmptyStore(t *testing.T) {
	f := newTrainerFixture(t, filepath.Join(t.TempDir(), "missing"), 10, TrainerConfig{MaxEpoch: 1}, 2, 2, constantLoss(1))

	resumed, err := f.trainer.ResumeLatest()
	if err != nil {
		t.Fatalf("ResumeLatest failed: %v", err)
	}
	if resumed {
		t.Errorf("Expected nothing to resume from an empty store")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{PhaseIdle, "Idle"},
		{PhaseEpochRunning, "EpochRunning"},
		{PhaseEpochClosing, "EpochClosing"},
		{PhaseCheckpointing, "Checkpointing"},
		{PhaseFinished, "Finished"},
		{Phase(42), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("Phase(%d).String() = %s, expected %s", tt.phase, got, tt.expected)
		}
	}
}
