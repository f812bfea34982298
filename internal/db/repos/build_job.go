// Package repos provides database repositories for the build pipeline.
package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/appforge/appforge/internal/db/models"
)

// BuildJobRepository handles database operations for build jobs. All
// cross-worker coordination goes through this table; there is no external
// lock manager.
type BuildJobRepository struct {
	db *gorm.DB
}

// NewBuildJobRepository creates a new instance of BuildJobRepository
func NewBuildJobRepository(db *gorm.DB) *BuildJobRepository {
	return &BuildJobRepository{db: db}
}

// Create creates a new build job in the database
func (r *BuildJobRepository) Create(ctx context.Context, job *models.BuildJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a build job by ID from the database
func (r *BuildJobRepository) GetByID(ctx context.Context, id uint) (*models.BuildJob, error) {
	var job models.BuildJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("build job not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build job: %w", err)
	}
	return &job, nil
}

// GetActiveForApp retrieves the queued or running job for an app, if one
// exists. Returns nil without error when there is none.
func (r *BuildJobRepository) GetActiveForApp(ctx context.Context, appID uint) (*models.BuildJob, error) {
	var job models.BuildJob
	err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Where("status IN ?", []models.BuildJobStatus{models.BuildJobStatusQueued, models.BuildJobStatusRunning}).
		Order(models.BuildJobCreatedAtField + " ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active job for app %d: %w", appID, err)
	}
	return &job, nil
}

// claimable builds the predicate shared by the candidate select and the
// conditional claim update: queued, or running with an expired lease, and
// with attempts still under the configured bound.
func (r *BuildJobRepository) claimable(tx *gorm.DB, staleBefore time.Time, maxAttempts int) *gorm.DB {
	return tx.
		Where(models.BuildJobAttemptsField+" < ?", maxAttempts).
		Where(
			r.db.Where(models.BuildJobStatusField+" = ?", models.BuildJobStatusQueued).
				Or(models.BuildJobStatusField+" = ? AND "+models.BuildJobLockedAtField+" < ?",
					models.BuildJobStatusRunning, staleBefore),
		)
}

// ClaimNext atomically claims the oldest claimable job for the given lock
// token. It first selects a candidate, then re-states the full claimable
// predicate plus an exact id match in a single conditional update. The number
// of rows mutated by that update is the only source of truth: anything other
// than exactly one means another worker won the race, and the caller gets
// nil, not an error.
func (r *BuildJobRepository) ClaimNext(ctx context.Context, lockToken string, leaseTTL time.Duration, maxAttempts int) (*models.BuildJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-leaseTTL)

	var candidate models.BuildJob
	err := r.claimable(r.db.WithContext(ctx), staleBefore, maxAttempts).
		Order(models.BuildJobCreatedAtField + " ASC").
		First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	res := r.claimable(r.db.WithContext(ctx).Model(&models.BuildJob{}), staleBefore, maxAttempts).
		Where("id = ?", candidate.ID).
		Updates(map[string]interface{}{
			models.BuildJobStatusField:    models.BuildJobStatusRunning,
			models.BuildJobAttemptsField:  gorm.Expr(models.BuildJobAttemptsField + " + 1"),
			models.BuildJobLockTokenField: lockToken,
			models.BuildJobLockedAtField:  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", candidate.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		// Lost the race: the row changed between select and update.
		return nil, nil
	}

	return r.GetByID(ctx, candidate.ID)
}

// Complete writes the terminal status and error message for a job and clears
// its lock fields. Repeat calls re-write the same terminal values, so the
// operation is idempotent by effect.
func (r *BuildJobRepository) Complete(ctx context.Context, id uint, status models.BuildJobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete requires a terminal status, got %q", status)
	}
	return r.db.WithContext(ctx).Model(&models.BuildJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			models.BuildJobStatusField:    status,
			"error":                       errMsg,
			models.BuildJobLockTokenField: nil,
			models.BuildJobLockedAtField:  nil,
		}).Error
}

// Requeue administratively resets a job to queued, clearing its lock fields,
// error, and attempts counter so it becomes claimable again. It is a manual
// recovery tool; the worker never calls it.
func (r *BuildJobRepository) Requeue(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.BuildJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			models.BuildJobStatusField:    models.BuildJobStatusQueued,
			models.BuildJobAttemptsField:  0,
			models.BuildJobLockTokenField: nil,
			models.BuildJobLockedAtField:  nil,
			"error":                       "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to requeue job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("build job %d not found", id)
	}
	return nil
}

// List returns build jobs ordered newest first, optionally filtered by status
func (r *BuildJobRepository) List(ctx context.Context, status models.BuildJobStatus, opts *models.ListOptions) ([]models.BuildJob, error) {
	var jobs []models.BuildJob
	query := r.db.WithContext(ctx).Model(&models.BuildJob{})
	if status != models.BuildJobStatusUnknown && status != "" {
		query = query.Where(models.BuildJobStatusField+" = ?", status)
	}
	if opts != nil {
		limit := opts.Limit
		if limit == 0 {
			limit = models.DefaultLimit
		}
		query = query.Limit(limit).Offset(opts.Offset)
	}
	err := query.Order(models.BuildJobCreatedAtField + " DESC").Find(&jobs).Error
	return jobs, err
}
