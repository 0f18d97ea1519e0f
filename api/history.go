//go:build server

package api

import (
	"context"
	"time"

	"cdr.dev/slog"

	"playground/queue"
	"playground/store"
)

// JobRecorder persists finished build attempts.
type JobRecorder interface {
	RecordJob(ctx context.Context, job store.Job) error
}

// RecordAttempts
//
//	Returns a queue completion hook that writes every finished attempt to
//	the job history. Failures are logged and never reach the client.
func RecordAttempts(recorder JobRecorder, logger slog.Logger) func(ctx context.Context, attempt *queue.Attempt) {
	return func(ctx context.Context, attempt *queue.Attempt) {
		job := JobFromAttempt(attempt)

		// the request context is usually gone by the time the build finishes
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		err := recorder.RecordJob(ctx, job)
		if err != nil {
			logger.Error(ctx, "failed to record build attempt",
				slog.F("attempt_id", attempt.ID), slog.Error(err))
		}
	}
}

// JobFromAttempt flattens a finished attempt into a history row.
func JobFromAttempt(attempt *queue.Attempt) store.Job {
	job := store.Job{
		AttemptID: attempt.ID,
		ClientKey: attempt.ClientKey,
		QueuedAt:  attempt.QueuedAt,
		StartedAt: attempt.StartedAt,
	}

	r := attempt.Report
	if r == nil {
		job.Reason = "internal error"
		job.FinishedAt = time.Now()
		return job
	}

	job.Ok = r.Result.Ok
	job.Reason = r.Result.Reason
	if r.Result.Ok {
		job.JobID = r.Result.JobID
	}
	job.SourceHash = r.SourceHash
	job.Errors = r.Errors
	job.Warnings = r.Warnings
	job.Cached = r.Cached
	job.FinishedAt = r.End
	if job.FinishedAt.IsZero() {
		job.FinishedAt = time.Now()
	}
	return job
}
