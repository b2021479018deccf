// Command train runs the epoch-based training loop with top-k checkpoint
// retention. Options come from an optional JSON file and command-line flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-trainloop/checkpoints"
	"github.com/tsawler/go-trainloop/config"
	"github.com/tsawler/go-trainloop/datasets"
	"github.com/tsawler/go-trainloop/models/linear"
	"github.com/tsawler/go-trainloop/tracking"
	"github.com/tsawler/go-trainloop/training"
)

const syntheticSamples = 512

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run trains with the given arguments and returns the process exit status:
// 0 on success or -h, 1 when training fails, 2 on invalid configuration.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	defer klog.Flush()

	cfg, err := config.Load("train", args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		klog.Errorf("Configuration: %v", err)
		return 2
	}

	device := cfg.ResolveDevice()
	klog.Infof("Device: %s", device)

	heads := linear.DefaultHeads
	dataset, inputDim, err := openDataset(cfg, len(heads))
	if err != nil {
		klog.Errorf("Dataset: %v", err)
		return 1
	}

	model, err := linear.New(inputDim, heads, 0, cfg.Seed)
	if err != nil {
		klog.Errorf("Model: %v", err)
		return 1
	}
	training.PrintParameters(stdout, "LinearRegressor", model.Parameters())

	optimizer, err := training.NewOptimizer(cfg.Optimizer, model.Parameters(), cfg.LearningRate, cfg.WeightDecay)
	if err != nil {
		klog.Errorf("Optimizer: %v", err)
		return 2
	}
	lrScheduler, err := training.NewScheduler(cfg.Scheduler, cfg.MaxEpoch, cfg.EtaMin)
	if err != nil {
		klog.Errorf("Scheduler: %v", err)
		return 2
	}
	scheduler := training.NewEpochScheduler(lrScheduler, optimizer)

	loader := training.NewDataLoader(dataset, cfg.BatchSize, cfg.Shuffle, cfg.Workers(), cfg.Seed)

	storeConfig := checkpoints.DefaultStoreConfig()
	storeConfig.Format = cfg.Format()
	storeConfig.Keep = cfg.RetentionK
	store := checkpoints.NewStore(cfg.ModelDir, storeConfig)

	runID := uuid.NewString()
	runName := cfg.RunName
	if runName == "" {
		runName = "train-" + runID[:8]
	}

	trackingConfig := cfg.TrackingConfig()
	trackingConfig["run_id"] = runID
	trackingConfig["dataset_size"] = dataset.Len()

	trainer := training.NewTrainer(training.TrainerConfig{
		MaxEpoch:     cfg.MaxEpoch,
		SaveInterval: cfg.SaveInterval,
		RunID:        runID,
		ModelName:    "linear",
		ShowProgress: cfg.Progress,
		Out:          stdout,
		Tracking:     trackingConfig,
	}, model, optimizer, scheduler, loader, store, newLogger(cfg, runName))

	if cfg.Resume {
		if _, err := trainer.ResumeLatest(); err != nil {
			klog.Errorf("Resume: %v", err)
			return 1
		}
	}

	summary, err := trainer.Run(ctx)
	if err != nil {
		var stepErr *training.StepError
		switch {
		case errors.As(err, &stepErr):
			klog.Errorf("Training stopped at epoch %d batch %d", stepErr.Epoch+1, stepErr.Batch+1)
		case errors.Is(err, context.Canceled):
			klog.Warning("Training interrupted")
		default:
			klog.Errorf("Training failed: %v", err)
		}
		return 1
	}

	fmt.Fprintf(stdout, "Finished %d epochs, %d checkpoints written\n", len(summary.Epochs), len(summary.Checkpoints))
	if summary.BestEpoch > 0 {
		fmt.Fprintf(stdout, "Best loss %.4f at epoch %d (%s)\n", summary.BestLoss, summary.BestEpoch, store.BestPath())
	}
	return 0
}

// openDataset loads data_dir/train.csv, or generates a synthetic set when the
// file is absent
func openDataset(cfg config.Config, numTargets int) (training.Dataset, int, error) {
	table, err := datasets.OpenDir(cfg.DataDir, numTargets)
	if err == nil {
		klog.Infof("Loaded %d samples from %s", table.Len(), cfg.DataDir)
		return table, table.InputDim(), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, 0, err
	}

	inputDim := cfg.InputSize / 32
	klog.Warningf("No %s in %s, using %d synthetic samples", datasets.TrainFile, cfg.DataDir, syntheticSamples)
	return datasets.NewSynthetic(syntheticSamples, inputDim, numTargets, 0.01, cfg.Seed), inputDim, nil
}

func newLogger(cfg config.Config, runName string) tracking.Logger {
	var loggers tracking.Multi
	if cfg.TrackingURL != "" {
		httpConfig := tracking.DefaultHTTPTrackerConfig()
		httpConfig.BaseURL = cfg.TrackingURL
		httpConfig.RunName = runName
		loggers = append(loggers, tracking.NewHTTPTracker(httpConfig))
	}
	if cfg.TrackingDB != "" {
		loggers = append(loggers, tracking.NewSQLiteTracker(cfg.TrackingDB, runName))
	}
	if len(loggers) == 0 {
		return tracking.Nop{}
	}
	return loggers
}
