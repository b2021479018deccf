// Package config holds the training run configuration: defaults, loading from
// an optional JSON file and command-line flags, and validation.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-trainloop/checkpoints"
)

// Config is the full set of recognized options. JSON keys match flag names.
type Config struct {
	DataDir      string  `json:"data_dir"`
	ModelDir     string  `json:"model_dir"`
	Device       string  `json:"device"`
	NumWorkers   int     `json:"num_workers"`
	ImageSize    int     `json:"image_size"`
	InputSize    int     `json:"input_size"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	MaxEpoch     int     `json:"max_epoch"`
	SaveInterval int     `json:"save_interval"`
	RetentionK   int     `json:"retention_k"`
	RunName      string  `json:"run_name"`

	CheckpointFormat string  `json:"checkpoint_format"`
	Optimizer        string  `json:"optimizer"`
	Scheduler        string  `json:"scheduler"`
	EtaMin           float64 `json:"eta_min"`
	WeightDecay      float64 `json:"weight_decay"`
	TrackingURL      string  `json:"tracking_url"`
	TrackingDB       string  `json:"tracking_db"`
	Resume           bool    `json:"resume"`
	Seed             int64   `json:"seed"`
	Shuffle          bool    `json:"shuffle"`
	Progress         bool    `json:"progress"`
}

// ConfigError reports an invalid option. It is fatal before any batch runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Default returns the stock configuration. The data and model directories
// fall back to the SageMaker channel variables when set.
func Default() Config {
	return Config{
		DataDir:          envOr("SM_CHANNEL_TRAIN", "data"),
		ModelDir:         envOr("SM_MODEL_DIR", "trained_models"),
		Device:           "auto",
		NumWorkers:       8,
		ImageSize:        2048,
		InputSize:        1024,
		BatchSize:        8,
		LearningRate:     1e-3,
		MaxEpoch:         150,
		SaveInterval:     5,
		RetentionK:       10,
		CheckpointFormat: "proto",
		Optimizer:        "adamw",
		Scheduler:        "cosine",
		EtaMin:           1e-6,
		WeightDecay:      0.001,
		Seed:             1,
		Shuffle:          true,
		Progress:         true,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load builds a Config from defaults, then an optional --config JSON file,
// then the remaining flags, so a flag always wins over the file. klog's flags
// are registered on the same set. The returned config has been validated.
func Load(name string, args []string, output io.Writer) (Config, error) {
	cfg := Default()

	if path := findConfigPath(args); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	klog.InitFlags(fs)
	fs.String("config", "", "Path to a JSON configuration file")
	cfg.register(fs)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, &ConfigError{Field: "args", Reason: fmt.Sprintf("unexpected arguments %v", fs.Args())}
	}

	return cfg, cfg.Validate()
}

// findConfigPath scans args for --config without parsing anything else
func findConfigPath(args []string) string {
	for i, arg := range args {
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, "config="); ok {
			return v
		}
		if trimmed == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return &ConfigError{Field: "config", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}

func (c *Config) register(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "Training data directory")
	fs.StringVar(&c.ModelDir, "model_dir", c.ModelDir, "Checkpoint directory")
	fs.StringVar(&c.Device, "device", c.Device, "Compute device (cpu or auto)")
	fs.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "Data loading workers (<=0 uses all logical cores)")
	fs.IntVar(&c.ImageSize, "image_size", c.ImageSize, "Source image size")
	fs.IntVar(&c.InputSize, "input_size", c.InputSize, "Model input size, a multiple of 32")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Batch size")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "Initial learning rate")
	fs.IntVar(&c.MaxEpoch, "max_epoch", c.MaxEpoch, "Number of epochs")
	fs.IntVar(&c.SaveInterval, "save_interval", c.SaveInterval, "Checkpoint every N epochs")
	fs.IntVar(&c.RetentionK, "retention_k", c.RetentionK, "Checkpoints kept on disk (0 keeps all)")
	fs.StringVar(&c.RunName, "run_name", c.RunName, "Tracking run name")
	fs.StringVar(&c.CheckpointFormat, "checkpoint_format", c.CheckpointFormat, "Checkpoint format (proto or json)")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "Optimizer (adamw or sgd)")
	fs.StringVar(&c.Scheduler, "scheduler", c.Scheduler, "LR scheduler (cosine, step, exponential, plateau, none)")
	fs.Float64Var(&c.EtaMin, "eta_min", c.EtaMin, "Minimum learning rate for cosine annealing")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "Weight decay")
	fs.StringVar(&c.TrackingURL, "tracking_url", c.TrackingURL, "Tracking server base URL")
	fs.StringVar(&c.TrackingDB, "tracking_db", c.TrackingDB, "SQLite file for local run tracking")
	fs.BoolVar(&c.Resume, "resume", c.Resume, "Resume from the latest checkpoint in model_dir")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed for shuffling")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "Shuffle the dataset every epoch")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "Show the per-batch progress bar")
}

// Validate checks every option and returns the first problem as a *ConfigError
func (c Config) Validate() error {
	switch {
	case c.InputSize <= 0 || c.InputSize%32 != 0:
		return &ConfigError{Field: "input_size", Reason: "must be a multiple of 32"}
	case c.ImageSize <= 0:
		return &ConfigError{Field: "image_size", Reason: "must be positive"}
	case c.BatchSize <= 0:
		return &ConfigError{Field: "batch_size", Reason: "must be positive"}
	case c.MaxEpoch <= 0:
		return &ConfigError{Field: "max_epoch", Reason: "must be positive"}
	case c.SaveInterval <= 0:
		return &ConfigError{Field: "save_interval", Reason: "must be positive"}
	case c.RetentionK < 0:
		return &ConfigError{Field: "retention_k", Reason: "must not be negative"}
	case !(c.LearningRate > 0):
		return &ConfigError{Field: "learning_rate", Reason: "must be positive"}
	case c.EtaMin < 0:
		return &ConfigError{Field: "eta_min", Reason: "must not be negative"}
	case c.WeightDecay < 0:
		return &ConfigError{Field: "weight_decay", Reason: "must not be negative"}
	case c.ModelDir == "":
		return &ConfigError{Field: "model_dir", Reason: "is required"}
	}

	if c.Device != "auto" && c.Device != "cpu" {
		return &ConfigError{Field: "device", Reason: fmt.Sprintf("unsupported device %q", c.Device)}
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return &ConfigError{Field: "checkpoint_format", Reason: err.Error()}
	}
	switch c.Optimizer {
	case "adamw", "sgd":
	default:
		return &ConfigError{Field: "optimizer", Reason: fmt.Sprintf("unknown optimizer %q", c.Optimizer)}
	}
	switch c.Scheduler {
	case "cosine", "step", "exponential", "plateau", "none":
	default:
		return &ConfigError{Field: "scheduler", Reason: fmt.Sprintf("unknown scheduler %q", c.Scheduler)}
	}
	return nil
}

// Format returns the parsed checkpoint format
func (c Config) Format() checkpoints.CheckpointFormat {
	format, _ := checkpoints.ParseFormat(c.CheckpointFormat)
	return format
}

// Workers returns the data loader worker count, resolving <=0 to the number
// of logical cores
func (c Config) Workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// DeviceInfo describes the resolved compute device
type DeviceInfo struct {
	Name          string
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Vectorized    bool // AVX2 and FMA3 available
}

func (d DeviceInfo) String() string {
	if d.Brand == "" {
		return d.Name
	}
	return fmt.Sprintf("%s (%s, %d cores / %d threads)", d.Name, d.Brand, d.PhysicalCores, d.LogicalCores)
}

// ResolveDevice maps "auto" onto the host CPU. Only CPU execution is
// available, so both accepted values resolve to the same device.
func (c Config) ResolveDevice() DeviceInfo {
	return DeviceInfo{
		Name:          "cpu",
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Vectorized:    cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3),
	}
}

// TrackingConfig is the run configuration sent to the logging collaborator
func (c Config) TrackingConfig() map[string]any {
	return map[string]any{
		"learning_rate": c.LearningRate,
		"max_epoch":     c.MaxEpoch,
		"batch_size":    c.BatchSize,
		"image_size":    c.ImageSize,
		"input_size":    c.InputSize,
		"optimizer":     optimizerName(c.Optimizer),
		"scheduler":     schedulerName(c.Scheduler),
		"device":        c.ResolveDevice().Name,
		"weight_decay":  c.WeightDecay,
		"save_interval": c.SaveInterval,
		"retention_k":   c.RetentionK,
	}
}

func optimizerName(name string) string {
	if name == "sgd" {
		return "SGD"
	}
	return "AdamW"
}

func schedulerName(name string) string {
	switch name {
	case "step":
		return "StepLR"
	case "exponential":
		return "ExponentialLR"
	case "plateau":
		return "ReduceLROnPlateau"
	case "none":
		return "ConstantLR"
	default:
		return "CosineAnnealingLR"
	}
}

// IsConfigError reports whether err is, or wraps, a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
