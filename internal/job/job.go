// Package job presents one submit/poll/cancel/list contract over the batch
// schedulers found on HPC hosts, with one adapter per scheduler family.
package job

import (
	"context"
	"fmt"
	"time"
)

// Status is the canonical job state. Backend-native state strings are mapped
// onto it by each adapter; anything unrecognized maps to StatusUnknown.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LaunchSpec is the backend-agnostic description of one job.
type LaunchSpec struct {
	Name       string
	Executable string
	Args       []string
	WorkingDir string

	// TotalCPUCount of zero means one.
	TotalCPUCount    int
	ProcessesPerHost int
	WallTimeMinutes  int
	Queue            string
}

// Cores returns the effective CPU count.
func (s LaunchSpec) Cores() int {
	if s.TotalCPUCount <= 0 {
		return 1
	}
	return s.TotalCPUCount
}

// Handle identifies a submitted job to its backend.
type Handle struct {
	ID      string
	Backend string
}

func (h Handle) String() string { return h.Backend + ":" + h.ID }

// Backend is the capability interface each scheduler adapter implements.
type Backend interface {
	// Name returns the backend family identifier ("sge", "slurm", "shell").
	Name() string
	// Submit enqueues a job. Local validation failures surface as
	// InvalidLaunchSpecError; backend refusals as SubmissionRejectedError.
	Submit(ctx context.Context, spec LaunchSpec) (Handle, error)
	// Poll maps the backend's view of the job onto the canonical status.
	Poll(ctx context.Context, handle Handle) (Status, error)
	// Cancel is idempotent: cancelling a terminal job is a no-op success.
	Cancel(ctx context.Context, handle Handle) error
	// List enumerates the current user's jobs known to the backend.
	List(ctx context.Context) ([]Handle, error)
}

// InvalidLaunchSpecError reports a spec that violates the host's launch
// constraints; it is raised locally, before anything reaches the backend.
type InvalidLaunchSpecError struct {
	Reason string
}

func (e *InvalidLaunchSpecError) Error() string {
	return "invalid launch specification: " + e.Reason
}

// SubmissionRejectedError carries the backend's diagnostic for a declined
// submission.
type SubmissionRejectedError struct {
	Backend    string
	Diagnostic string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("%s rejected submission: %s", e.Backend, e.Diagnostic)
}

// BackendUnavailableError reports a backend that failed several consecutive
// polls. A single failed poll is reported as StatusUnknown instead.
type BackendUnavailableError struct {
	Backend  string
	Failures int
	Last     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d consecutive failed polls: %v", e.Backend, e.Failures, e.Last)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Last }

// unavailableAfter is the consecutive-poll-failure threshold for declaring a
// backend unavailable.
const unavailableAfter = 3

// Watch polls handle until it reaches a terminal status. onStatus, if
// non-nil, is invoked for every observed status change. Cancelling ctx stops
// watching at the next poll boundary without touching the job itself.
func Watch(ctx context.Context, backend Backend, handle Handle, interval time.Duration, onStatus func(Status)) (Status, error) {
	last := Status("")
	failures := 0
	var lastErr error

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := backend.Poll(ctx, handle)
		if err != nil {
			failures++
			lastErr = err
			status = StatusUnknown
			if failures >= unavailableAfter {
				return StatusUnknown, &BackendUnavailableError{
					Backend:  backend.Name(),
					Failures: failures,
					Last:     lastErr,
				}
			}
		} else {
			failures = 0
		}

		if status != last {
			last = status
			if onStatus != nil {
				onStatus(status)
			}
		}
		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// validateConstraints applies the host's launch constraints to a spec before
// it reaches a backend.
func validateConstraints(spec LaunchSpec, multipleOf int) error {
	if multipleOf > 0 && spec.Cores()%multipleOf != 0 {
		return &InvalidLaunchSpecError{
			Reason: fmt.Sprintf("total CPU count %d is not a multiple of %d", spec.Cores(), multipleOf),
		}
	}
	return nil
}
