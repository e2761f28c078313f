package processor

import (
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/thoas/go-funk"
)

// transitions lists the legal target statuses of every job status.
var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusSubmitted: {
		model.JobStatusRunning,
		model.JobStatusCancelled,
		model.JobStatusFailed,
		model.JobStatusFinished,
	},
	model.JobStatusRunning: {
		model.JobStatusPaused,
		model.JobStatusNeedsInput,
		model.JobStatusCancelled,
		model.JobStatusFinished,
		model.JobStatusFailed,
	},
	model.JobStatusPaused: {
		model.JobStatusRunning,
		model.JobStatusCancelled,
	},
	model.JobStatusNeedsInput: {
		model.JobStatusRunning,
		model.JobStatusCancelled,
		model.JobStatusFailed,
	},
	model.JobStatusCancelled: {},
	model.JobStatusFinished:  {},
	model.JobStatusFailed:    {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	return funk.Contains(transitions[from], to)
}

// LegalSources returns the statuses a job may be in to move to `to`.
func LegalSources(to model.JobStatus) []model.JobStatus {
	sources := make([]model.JobStatus, 0, len(transitions))
	for _, from := range model.AllJobStatuses {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}
