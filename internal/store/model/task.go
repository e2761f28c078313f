package model

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusSubmitted  TaskStatus = "submitted"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusNeedsInput TaskStatus = "needs_input"
	TaskStatusFinished   TaskStatus = "finished"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCancelled || s == TaskStatusFinished || s == TaskStatusFailed
}

type Task struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	JobID           uint         `gorm:"index;not null" json:"jobId"`
	Module          string       `gorm:"not null" json:"module"`
	Position        int          `gorm:"not null" json:"position"`
	Barrier         bool         `json:"barrier"`
	Status          TaskStatus   `gorm:"type:VARCHAR(20);not null" json:"status"`
	Parents         []TaskParent `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE;" json:"parents,omitempty"`
	StatusChangedAt time.Time    `json:"statusChangedAt"`
}

// TaskParent is a DAG edge: TaskID may only run after ParentTaskID completed.
type TaskParent struct {
	TaskID       uint `gorm:"primaryKey" json:"-"`
	ParentTaskID uint `gorm:"primaryKey" json:"parentTaskId"`
}

func (t Task) ParentIDs() []uint {
	ids := make([]uint, 0, len(t.Parents))
	for _, p := range t.Parents {
		ids = append(ids, p.ParentTaskID)
	}
	return ids
}

type Step struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	TaskID    uint       `gorm:"index;not null" json:"taskId"`
	Name      string     `gorm:"not null" json:"name"`
	Arguments string     `gorm:"type:text" json:"-"`
	Status    TaskStatus `gorm:"type:VARCHAR(20);not null" json:"status"`
}

// NewStep builds a step carrying the ordered argument list handed to the executor.
func NewStep(taskID uint, name string, args []string) (Step, error) {
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Step{}, err
	}
	return Step{TaskID: taskID, Name: name, Arguments: string(data), Status: TaskStatusSubmitted}, nil
}

func (s Step) Args() ([]string, error) {
	args := []string{}
	if len(s.Arguments) == 0 {
		return args, nil
	}
	if err := json.Unmarshal([]byte(s.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}
