package checkpoints

import (
	"errors"
	"fmt"
)

var (
	errMissingLoss  = errors.New("checkpoint has no loss tag")
	errMissingEpoch = errors.New("checkpoint has no epoch")
)

// StorageError reports that the checkpoint directory could not be created or a
// checkpoint could not be written or read back from disk.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CheckpointParseError reports a file in the checkpoint directory that cannot
// be read as a checkpoint with a recoverable loss tag.
type CheckpointParseError struct {
	Path string
	Err  error
}

func (e *CheckpointParseError) Error() string {
	return fmt.Sprintf("parse checkpoint %s: %v", e.Path, e.Err)
}

func (e *CheckpointParseError) Unwrap() error { return e.Err }
