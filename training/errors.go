package training

import "fmt"

// StepError reports a failure of the step function or the gradient update.
// Training cannot make progress past it, so the loop halts.
type StepError struct {
	Epoch int // 0-based epoch index
	Batch int // 0-based batch index within the epoch
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("training step failed at epoch %d, batch %d: %v", e.Epoch+1, e.Batch+1, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
