package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Field names for the app model
const (
	// AppStatusField is the database field name for the app status
	AppStatusField = "status"
)

// AppStatus represents the current state of an app
type AppStatus string

// App status constants
const (
	// AppStatusUnknown represents an unknown or invalid app status
	AppStatusUnknown AppStatus = "unknown"
	// AppStatusDraft indicates the app has never been built
	AppStatusDraft AppStatus = "draft"
	// AppStatusProcessing indicates a worker is currently building the app
	AppStatusProcessing AppStatus = "processing"
	// AppStatusLive indicates the app has a committed, downloadable artifact
	AppStatusLive AppStatus = "live"
	// AppStatusFailed indicates the most recent build attempt failed
	AppStatusFailed AppStatus = "failed"
)

// App is the logical app record the pipeline builds packages for. Only the
// fields the worker reads and writes live here; the surrounding product owns
// the rest of the record.
//
// ArtifactPath only ever points at a fully copied file; it is updated in the
// same logical step that flips the status to live, never before.
type App struct {
	gorm.Model
	OwnerID      uint       `json:"owner_id" gorm:"not null;index"`
	Name         string     `json:"name" gorm:"not null"`
	StartURL     string     `json:"start_url" gorm:"not null"`
	PrimaryColor string     `json:"primary_color"`
	IconColor    string     `json:"icon_color"`
	IconURL      string     `json:"icon_url,omitempty" gorm:"type:text"`
	Status       AppStatus  `json:"status" gorm:"not null;index"`
	PackageName  string     `json:"package_name"`
	VersionCode  int        `json:"version_code" gorm:"not null;default:0"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	ArtifactMime string     `json:"artifact_mime,omitempty"`
	ArtifactSize int64      `json:"artifact_size,omitempty"`
	BuildLogs    string     `json:"build_logs,omitempty" gorm:"type:text"`
	BuildError   string     `json:"build_error,omitempty" gorm:"type:text"`
	LastBuildAt  *time.Time `json:"last_build_at,omitempty"`
}

// String returns the string representation of the app status
func (s AppStatus) String() string {
	return string(s)
}

// ParseAppStatus converts a string to an AppStatus type
func ParseAppStatus(str string) (AppStatus, error) {
	switch str {
	case string(AppStatusDraft):
		return AppStatusDraft, nil
	case string(AppStatusProcessing):
		return AppStatusProcessing, nil
	case string(AppStatusLive):
		return AppStatusLive, nil
	case string(AppStatusFailed):
		return AppStatusFailed, nil
	default:
		return AppStatusUnknown, fmt.Errorf("invalid app status: %s", str)
	}
}

// MarshalJSON implements json.Marshaler for AppStatus
func (s AppStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler for AppStatus
func (s *AppStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseAppStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// Validate ensures that the app data is valid
func (a *App) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if a.StartURL == "" {
		return fmt.Errorf("app start url cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new app
func (a *App) BeforeCreate(_ *gorm.DB) error {
	if a.Status == "" {
		a.Status = AppStatusDraft
	}
	return a.Validate()
}
