package processor

import (
	"context"
	"fmt"
)

// BackoffInfo is the current idle-backoff state of a processor on this
// instance.
type BackoffInfo struct {
	EmptyPolls int
	SkipTicks  int
}

// Pause stops a processor from being polled until Resume.
func (r *Runtime) Pause(ctx context.Context, processorID string) error {
	return r.progress.SetStatus(ctx, processorID, StatusPaused)
}

// Resume returns a paused processor to ACTIVE.
func (r *Runtime) Resume(ctx context.Context, processorID string) error {
	return r.progress.SetStatus(ctx, processorID, StatusActive)
}

// Reset clears the error counter of a FAILED processor and returns it to
// ACTIVE. Progress is untouched: the processor resumes from where it failed.
func (r *Runtime) Reset(ctx context.Context, processorID string) error {
	if err := r.progress.ResetErrorCount(ctx, processorID); err != nil {
		return err
	}
	return r.progress.SetStatus(ctx, processorID, StatusActive)
}

// Status returns the progress record of one processor.
func (r *Runtime) Status(ctx context.Context, processorID string) (ProgressRecord, error) {
	return r.progress.Get(ctx, processorID)
}

// AllStatuses returns the progress records of every registered processor.
func (r *Runtime) AllStatuses(ctx context.Context) ([]ProgressRecord, error) {
	return r.progress.All(ctx)
}

// Lag returns how many positions the processor is behind the log head.
func (r *Runtime) Lag(ctx context.Context, processorID string) (int64, error) {
	head, err := r.fetcher.HeadPosition(ctx)
	if err != nil {
		return 0, err
	}
	last, err := r.progress.GetLastPosition(ctx, processorID)
	if err != nil {
		return 0, err
	}
	lag := head - last
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// Backoff returns the processor's current backoff state on this instance.
func (r *Runtime) Backoff(processorID string) (BackoffInfo, error) {
	r.mu.Lock()
	st, ok := r.states[processorID]
	r.mu.Unlock()
	if !ok {
		return BackoffInfo{}, fmt.Errorf("unknown processor %s", processorID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return BackoffInfo{EmptyPolls: st.emptyPolls, SkipTicks: st.skip}, nil
}
