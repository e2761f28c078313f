package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTypeJobSubmitted     EventType = "job_submitted"
	EventTypeTaskFinished     EventType = "task_finished"
	EventTypeProductAvailable EventType = "product_available"
	EventTypeJobCancelled     EventType = "job_cancelled"
	EventTypeJobPaused        EventType = "job_paused"
	EventTypeJobResumed       EventType = "job_resumed"
)

// Event is a row of the persistent event queue. It is claimed by setting
// ProcessingStartedAt and ClaimedBy and completed by setting ProcessingCompletedAt.
type Event struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	Type                  EventType  `gorm:"type:VARCHAR(32);index;not null" json:"type"`
	Data                  string     `gorm:"type:text" json:"data"`
	SubmittedAt           time.Time  `gorm:"not null" json:"submittedAt"`
	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `gorm:"index" json:"processingCompletedAt,omitempty"`
	ClaimedBy             string     `json:"claimedBy,omitempty"`
	Attempts              int        `gorm:"not null;default:0" json:"attempts"`
	LastError             string     `json:"lastError,omitempty"`
}

func (e Event) IsCompleted() bool {
	return e.ProcessingCompletedAt != nil
}

func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// NewEvent serializes payload into a new unprocessed event.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Data: string(data), SubmittedAt: time.Now().UTC()}, nil
}

type JobSubmittedEvent struct {
	JobID          uint   `json:"jobId"`
	SiteID         uint   `json:"siteId"`
	ProcessorID    uint   `json:"processorId"`
	ParametersJSON string `json:"parametersJson"`
}

type TaskFinishedEvent struct {
	JobID       uint   `json:"jobId"`
	TaskID      uint   `json:"taskId"`
	SiteID      uint   `json:"siteId"`
	ProcessorID uint   `json:"processorId"`
	Module      string `json:"module"`
}

type ProductAvailableEvent struct {
	ProductID uint `json:"productId"`
}

// JobControlEvent records an external pause, resume or cancel request.
type JobControlEvent struct {
	JobID uint `json:"jobId"`
}
