// Package tracking implements the experiment-tracking collaborator that receives
// run configuration, per-epoch metrics and checkpoint artifacts.
package tracking

import (
	"context"
	"errors"
	"fmt"
)

// Logger is the sink for run configuration, epoch metrics and model artifacts.
// Training treats every call as fire-and-forget.
type Logger interface {
	Initialize(ctx context.Context, config map[string]any) error
	LogEpochMetrics(ctx context.Context, metrics map[string]float64) error
	LogModel(ctx context.Context, path, name string) error
	Finish(ctx context.Context) error
}

// LoggingError reports that the tracking backend was unreachable or rejected a call
type LoggingError struct {
	Op  string
	Err error
}

func (e *LoggingError) Error() string {
	return fmt.Sprintf("tracking %s: %v", e.Op, e.Err)
}

func (e *LoggingError) Unwrap() error { return e.Err }

// Safe wraps a Logger so that every failure, including a panic inside the
// backend, comes back as a *LoggingError
type Safe struct {
	inner Logger
}

// NewSafe wraps inner; a nil inner behaves like Nop
func NewSafe(inner Logger) *Safe {
	if inner == nil {
		inner = Nop{}
	}
	return &Safe{inner: inner}
}

func (s *Safe) call(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &LoggingError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		var le *LoggingError
		if errors.As(err, &le) {
			return err
		}
		return &LoggingError{Op: op, Err: err}
	}
	return nil
}

func (s *Safe) Initialize(ctx context.Context, config map[string]any) error {
	return s.call("initialize", func() error { return s.inner.Initialize(ctx, config) })
}

func (s *Safe) LogEpochMetrics(ctx context.Context, metrics map[string]float64) error {
	return s.call("log_epoch_metrics", func() error { return s.inner.LogEpochMetrics(ctx, metrics) })
}

func (s *Safe) LogModel(ctx context.Context, path, name string) error {
	return s.call("log_model", func() error { return s.inner.LogModel(ctx, path, name) })
}

func (s *Safe) Finish(ctx context.Context) error {
	return s.call("finish", func() error { return s.inner.Finish(ctx) })
}

// Multi fans every call out to all loggers and joins their errors
type Multi []Logger

func (m Multi) each(fn func(Logger) error) error {
	var errs []error
	for _, l := range m {
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Initialize(ctx context.Context, config map[string]any) error {
	return m.each(func(l Logger) error { return l.Initialize(ctx, config) })
}

func (m Multi) LogEpochMetrics(ctx context.Context, metrics map[string]float64) error {
	return m.each(func(l Logger) error { return l.LogEpochMetrics(ctx, metrics) })
}

func (m Multi) LogModel(ctx context.Context, path, name string) error {
	return m.each(func(l Logger) error { return l.LogModel(ctx, path, name) })
}

func (m Multi) Finish(ctx context.Context) error {
	return m.each(func(l Logger) error { return l.Finish(ctx) })
}

// Nop discards everything
type Nop struct{}

func (Nop) Initialize(context.Context, map[string]any) error          { return nil }
func (Nop) LogEpochMetrics(context.Context, map[string]float64) error { return nil }
func (Nop) LogModel(context.Context, string, string) error            { return nil }
func (Nop) Finish(context.Context) error                              { return nil }
