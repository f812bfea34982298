package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/appforge/appforge/internal/db/models"
)

// AppRepository handles the app-record reads and writes the build pipeline is
// allowed to make. Everything else on the app row belongs to the surrounding
// product.
type AppRepository struct {
	db *gorm.DB
}

// NewAppRepository creates a new instance of AppRepository
func NewAppRepository(db *gorm.DB) *AppRepository {
	return &AppRepository{db: db}
}

// Create creates a new app in the database
func (r *AppRepository) Create(ctx context.Context, app *models.App) error {
	return r.db.WithContext(ctx).Create(app).Error
}

// GetByID retrieves an app by ID from the database
func (r *AppRepository) GetByID(ctx context.Context, id uint) (*models.App, error) {
	var app models.App
	err := r.db.WithContext(ctx).First(&app, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("app not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	return &app, nil
}

// MarkProcessing flips the app to processing before any slow work starts,
// assigning the package name and new version code and clearing the previous
// build error and logs.
func (r *AppRepository) MarkProcessing(ctx context.Context, id uint, packageName string, versionCode int) error {
	return r.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			models.AppStatusField: models.AppStatusProcessing,
			"package_name":        packageName,
			"version_code":        versionCode,
			"build_error":         "",
			"build_logs":          "",
		}).Error
}

// CommittedArtifact describes a durably stored build output.
type CommittedArtifact struct {
	Path string
	Mime string
	Size int64
}

// MarkLive records a successful build: artifact pointer, build log tail, and
// the live status, all in one update so a reader never observes the status
// without the artifact fields.
func (r *AppRepository) MarkLive(ctx context.Context, id uint, artifact CommittedArtifact, logs string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			models.AppStatusField: models.AppStatusLive,
			"artifact_path":       artifact.Path,
			"artifact_mime":       artifact.Mime,
			"artifact_size":       artifact.Size,
			"build_logs":          logs,
			"build_error":         "",
			"last_build_at":       now,
		}).Error
}

// MarkFailed records a failed build with a short error summary and the
// captured log tail. The artifact fields are left untouched, so a previously
// live artifact stays valid.
func (r *AppRepository) MarkFailed(ctx context.Context, id uint, buildErr, logs string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			models.AppStatusField: models.AppStatusFailed,
			"build_error":         buildErr,
			"build_logs":          logs,
			"last_build_at":       now,
		}).Error
}
