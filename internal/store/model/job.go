package model

import (
	"encoding/json"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusRunning    JobStatus = "running"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusNeedsInput JobStatus = "needs_input"
	JobStatusFinished   JobStatus = "finished"
	JobStatusFailed     JobStatus = "failed"
)

// ReasonEmptyJob is recorded on jobs that failed before any task was created.
const ReasonEmptyJob = "empty job: no task was created"

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCancelled, JobStatusFinished, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string {
	return string(s)
}

var AllJobStatuses = []JobStatus{
	JobStatusSubmitted,
	JobStatusRunning,
	JobStatusPaused,
	JobStatusCancelled,
	JobStatusNeedsInput,
	JobStatusFinished,
	JobStatusFailed,
}

type JobStartType string

const (
	JobStartRequested JobStartType = "requested"
	JobStartTriggered JobStartType = "triggered"
	JobStartScheduled JobStartType = "scheduled"
)

// Job is one run of a processor for a site. A triggered job name is unique per processor and site.
type Job struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	Name            string              `gorm:"index:jobs_triggered_name,unique,priority:3,where:start_type = 'triggered'" json:"name"`
	Description     string              `json:"description"`
	ProcessorID     uint                `gorm:"index;index:jobs_triggered_name,unique,priority:1,where:start_type = 'triggered';not null" json:"processorId"`
	SiteID          uint                `gorm:"index;index:jobs_triggered_name,unique,priority:2,where:start_type = 'triggered';not null" json:"siteId"`
	Status          JobStatus           `gorm:"type:VARCHAR(20);index;not null" json:"status"`
	StatusReason    string              `json:"statusReason,omitempty"`
	StartType       JobStartType        `gorm:"type:VARCHAR(20);not null" json:"startType"`
	Parameters      string              `gorm:"type:text" json:"-"`
	ConfigOverrides []JobConfigOverride `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE;" json:"configOverrides,omitempty"`
	SubmittedAt     time.Time           `json:"submittedAt"`
	StatusChangedAt time.Time           `json:"statusChangedAt"`
}

// JobConfigOverride is one configuration-override action attached to a job.
// It takes precedence over the stored site and global values.
type JobConfigOverride struct {
	ID    uint   `gorm:"primaryKey" json:"-"`
	JobID uint   `gorm:"index;not null" json:"-"`
	Key   string `gorm:"not null" json:"key"`
	Value string `json:"value"`
}

type JobList []Job

func (j Job) String() string {
	v, _ := json.Marshal(j)
	return string(v)
}

func (j Job) IsEmptyFailure() bool {
	return j.Status == JobStatusFailed && strings.HasPrefix(j.StatusReason, ReasonEmptyJob)
}

// Overrides returns the job configuration overrides as a map.
func (j Job) Overrides() map[string]string {
	m := make(map[string]string, len(j.ConfigOverrides))
	for _, o := range j.ConfigOverrides {
		m[o.Key] = o.Value
	}
	return m
}
