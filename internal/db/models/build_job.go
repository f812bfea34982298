package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Field names for the build job model
const (
	// BuildJobStatusField is the database field name for the job status
	BuildJobStatusField = "status"
	// BuildJobAttemptsField is the database field name for the attempts counter
	BuildJobAttemptsField = "attempts"
	// BuildJobCreatedAtField is the database field name for the job creation timestamp
	BuildJobCreatedAtField = "created_at"
	// BuildJobLockTokenField is the database field name for the lock token
	BuildJobLockTokenField = "lock_token"
	// BuildJobLockedAtField is the database field name for the lock timestamp
	BuildJobLockedAtField = "locked_at"
)

// BuildJobStatus represents the current state of a build job
type BuildJobStatus string

// Build job status constants
const (
	// BuildJobStatusUnknown represents an unknown or invalid job status
	BuildJobStatusUnknown BuildJobStatus = "unknown"
	// BuildJobStatusQueued indicates the job is waiting to be claimed
	BuildJobStatusQueued BuildJobStatus = "queued"
	// BuildJobStatusRunning indicates the job is held by a worker under a live lease
	BuildJobStatusRunning BuildJobStatus = "running"
	// BuildJobStatusSucceeded indicates the job produced a committed artifact
	BuildJobStatusSucceeded BuildJobStatus = "succeeded"
	// BuildJobStatusFailed indicates the job failed and will not be retried automatically
	BuildJobStatusFailed BuildJobStatus = "failed"
)

// BuildJob tracks one build request for one app. Jobs are created by enqueue,
// move forward through the queued/running/terminal state machine, and are
// retained afterwards for audit history; the pipeline never deletes them.
//
// LockToken and LockedAt are either both set (while running) or both null.
// Attempts never decreases and is bounded by the configured maximum.
type BuildJob struct {
	gorm.Model
	AppID     uint           `json:"app_id" gorm:"not null;index"`
	OwnerID   uint           `json:"owner_id" gorm:"not null;index"`
	Status    BuildJobStatus `json:"status" gorm:"not null;index"`
	Attempts  int            `json:"attempts" gorm:"not null;default:0"`
	LockToken string         `json:"lock_token,omitempty"`
	LockedAt  *time.Time     `json:"locked_at,omitempty"`
	Error     string         `json:"error,omitempty" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
}

// String returns the string representation of the build job status
func (s BuildJobStatus) String() string {
	return string(s)
}

// Terminal reports whether the status is a terminal state. Terminal jobs are
// never mutated again.
func (s BuildJobStatus) Terminal() bool {
	return s == BuildJobStatusSucceeded || s == BuildJobStatusFailed
}

// ParseBuildJobStatus converts a string to a BuildJobStatus type
func ParseBuildJobStatus(str string) (BuildJobStatus, error) {
	switch str {
	case string(BuildJobStatusQueued):
		return BuildJobStatusQueued, nil
	case string(BuildJobStatusRunning):
		return BuildJobStatusRunning, nil
	case string(BuildJobStatusSucceeded):
		return BuildJobStatusSucceeded, nil
	case string(BuildJobStatusFailed):
		return BuildJobStatusFailed, nil
	default:
		return BuildJobStatusUnknown, fmt.Errorf("invalid build job status: %s", str)
	}
}

// UnmarshalJSON implements json.Unmarshaler for BuildJobStatus
func (s *BuildJobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseBuildJobStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// MarshalJSON implements json.Marshaler for BuildJobStatus
func (s BuildJobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Validate ensures that the build job data is valid
func (j *BuildJob) Validate() error {
	if j.AppID == 0 {
		return fmt.Errorf("build job app id cannot be zero")
	}
	if j.OwnerID == 0 {
		return fmt.Errorf("build job owner id cannot be zero")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new build job
func (j *BuildJob) BeforeCreate(_ *gorm.DB) error {
	if j.Status == "" {
		j.Status = BuildJobStatusQueued
	}
	return j.Validate()
}
