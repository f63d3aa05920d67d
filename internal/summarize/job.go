// Package summarize produces one short summary per course through an
// asynchronous batch completion API.
//
// A batch job moves through submitted -> running -> completed or failed.
// Polling is driven by the caller through Wait; a failed job is fatal for the
// whole run.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the lifecycle state of a batch job.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrJobFailed is returned when the provider reports a failed batch.
	ErrJobFailed = errors.New("batch job failed")

	// ErrMissingResult is returned when a completed batch lacks output for a request.
	ErrMissingResult = errors.New("batch output is missing a request")
)

// Request is one completion request inside a batch.
type Request struct {
	CustomID string
	Prompt   string
}

// Job is a snapshot of a batch job.
type Job struct {
	ID           string
	State        State
	OutputFileID string
	// Error carries the provider's failure reason, if any.
	Error string
}

// BatchClient submits and inspects batch jobs.
type BatchClient interface {
	// Submit uploads reqs and starts a job using model.
	Submit(ctx context.Context, model string, reqs []Request) (Job, error)

	// Poll fetches the current state of a job.
	Poll(ctx context.Context, id string) (Job, error)

	// Results returns the completion text of a completed job keyed by custom id.
	Results(ctx context.Context, job Job) (map[string]string, error)
}

// WaitConfig controls polling.
type WaitConfig struct {
	// Interval is the first delay between polls.
	Interval time.Duration
	// MaxInterval caps the doubling backoff.
	MaxInterval time.Duration
}

func (c WaitConfig) withDefaults() WaitConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval * 6
	}
	return c
}

// Wait polls job until it completes, fails or ctx is done. The delay starts
// at cfg.Interval and doubles up to cfg.MaxInterval.
func Wait(ctx context.Context, client BatchClient, job Job, cfg WaitConfig) (Job, error) {
	cfg = cfg.withDefaults()
	delay := cfg.Interval

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for !job.State.Terminal() {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-timer.C:
		}

		next, err := client.Poll(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("failed to poll batch %s: %w", job.ID, err)
		}
		if next.State != job.State {
			slog.Info("batch state changed", "batch_id", job.ID, "from", job.State, "to", next.State)
		}
		job = next

		delay = min(delay*2, cfg.MaxInterval)
		timer.Reset(delay)
	}

	if job.State == StateFailed {
		if job.Error != "" {
			return job, fmt.Errorf("%w: %s: %s", ErrJobFailed, job.ID, job.Error)
		}
		return job, fmt.Errorf("%w: %s", ErrJobFailed, job.ID)
	}
	return job, nil
}
