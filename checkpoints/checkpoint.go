package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension (including the dot) used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	default:
		return ".ckpt"
	}
}

// ParseFormat maps a configuration string onto a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "proto", "protobuf", "ckpt":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatProto, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// StateDict holds named parameter vectors. Scalars are stored as single
// element slices. The retention store never looks inside it.
type StateDict map[string][]float64

// Clone returns a deep copy so a written checkpoint cannot alias live training state
func (sd StateDict) Clone() StateDict {
	if sd == nil {
		return nil
	}
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Checkpoint is a durable snapshot of training state tagged with the loss
// observed when it was created
type Checkpoint struct {
	Epoch          *int               `json:"epoch"`
	ModelState     StateDict          `json:"model_state"`
	OptimizerState StateDict          `json:"optimizer_state"`
	SchedulerState StateDict          `json:"scheduler_state"`
	Loss           float64            `json:"loss"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
}

const (
	frameworkName    = "go-trainloop"
	frameworkVersion = "1.0.0"
)

// jsonCheckpoint mirrors Checkpoint but keeps the epoch and loss optional so
// a missing field can be told apart from a zero value
type jsonCheckpoint struct {
	Epoch          int                `json:"epoch"`
	ModelState     StateDict          `json:"model_state"`
	OptimizerState StateDict          `json:"optimizer_state"`
	SchedulerState StateDict          `json:"scheduler_state"`
	Loss           *float64           `json:"loss"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// Codec converts checkpoints to and from their on-disk bytes
type Codec interface {
	Encode(w io.Writer, checkpoint *Checkpoint) error
	Decode(data []byte) (*Checkpoint, error)
	Format() CheckpointFormat
}

// NewCodec returns the codec for the given format
func NewCodec(format CheckpointFormat) Codec {
	switch format {
	case FormatJSON:
		return jsonCodec{}
	default:
		return protoCodec{}
	}
}

type jsonCodec struct{}

func (jsonCodec) Format() CheckpointFormat { return FormatJSON }

func (jsonCodec) Encode(w io.Writer, checkpoint *Checkpoint) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (jsonCodec) Decode(data []byte) (*Checkpoint, error) {
	var raw jsonCheckpoint
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if raw.Loss == nil {
		return nil, errMissingLoss
	}
	if raw.Epoch == nil {
		return nil, errMissingEpoch
	}
	return &Checkpoint{
		Epoch:          *raw.Epoch,
		ModelState:     raw.ModelState,
		OptimizerState: raw.OptimizerState,
		SchedulerState: raw.SchedulerState,
		Loss:           *raw.Loss,
		Metadata:       raw.Metadata,
	}, nil
}

// stampMetadata fills in framework metadata the caller left empty
func stampMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
}

// ReadCheckpoint loads and decodes a single checkpoint file. Any failure is
// reported as a *CheckpointParseError.
func ReadCheckpoint(path string, codec Codec) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CheckpointParseError{Path: path, Err: err}
	}
	checkpoint, err := codec.Decode(data)
	if err != nil {
		return nil, &CheckpointParseError{Path: path, Err: err}
	}
	return checkpoint, nil
}
