// Package services contains the build queue service and the worker loop.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/appforge/internal/db/models"
	"github.com/appforge/appforge/internal/db/repos"
	"github.com/appforge/appforge/internal/logger"
)

// Queue exposes the enqueue / claim / complete / requeue operations over the
// build job store. All atomicity lives in the repository's conditional
// update; the service adds the idempotent-enqueue and lock-token policy.
type Queue struct {
	jobs        *repos.BuildJobRepository
	leaseTTL    time.Duration
	maxAttempts int
}

// NewQueue creates a new queue service over the given repository.
func NewQueue(jobs *repos.BuildJobRepository, leaseTTL time.Duration, maxAttempts int) *Queue {
	return &Queue{
		jobs:        jobs,
		leaseTTL:    leaseTTL,
		maxAttempts: maxAttempts,
	}
}

// Enqueue creates a queued build job for an app, or returns the existing
// queued/running job unchanged so the same app is never built twice
// concurrently. The duplicate check is a point-in-time read before insert,
// not a uniqueness constraint.
func (q *Queue) Enqueue(ctx context.Context, ownerID, appID uint) (*models.BuildJob, error) {
	existing, err := q.jobs.GetActiveForApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Debugf("Enqueue for app %d returned existing job %d (%s)", appID, existing.ID, existing.Status)
		return existing, nil
	}

	job := &models.BuildJob{
		AppID:   appID,
		OwnerID: ownerID,
		Status:  models.BuildJobStatusQueued,
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue build job for app %d: %w", appID, err)
	}
	return job, nil
}

// ClaimNext attempts to claim the oldest claimable job for the given worker.
// The lock token embeds the worker identity for forensic traceability. A nil
// job with nil error means nothing was claimable, or the claim race was lost.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.BuildJob, error) {
	token := workerID + ":" + uuid.NewString()
	return q.jobs.ClaimNext(ctx, token, q.leaseTTL, q.maxAttempts)
}

// Complete terminally marks a job succeeded or failed.
func (q *Queue) Complete(ctx context.Context, jobID uint, status models.BuildJobStatus, errMsg string) error {
	return q.jobs.Complete(ctx, jobID, status, errMsg)
}

// Requeue administratively resets a job to queued for manual recovery.
func (q *Queue) Requeue(ctx context.Context, jobID uint) error {
	return q.jobs.Requeue(ctx, jobID)
}
