package apiserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/service"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/requestid"
	"go.uber.org/zap"
)

// JobAPI is the part of the job service exposed over HTTP.
type JobAPI interface {
	GetJobDefinition(ctx context.Context, req service.JobRequest) (*service.JobDefinition, error)
	GetProcessingDefinition(ctx context.Context, processorID, siteID uint, instant time.Time) (processor.ProcessingDefinition, error)
	SubmitJob(ctx context.Context, def *service.JobDefinition) (*model.Job, error)
	PauseJob(ctx context.Context, id uint) (*model.Job, error)
	ResumeJob(ctx context.Context, id uint) (*model.Job, error)
	CancelJob(ctx context.Context, id uint) (*model.Job, error)
	GetJob(ctx context.Context, id uint) (*model.Job, error)
	ListJobs(ctx context.Context, filter service.JobFilter) (model.JobList, error)
	ListTasks(ctx context.Context, jobID uint) ([]model.Task, error)
}

func RegisterApi(router chi.Router, jobs JobAPI) {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = render.Render(w, r, HealthReply{Status: "ok"})
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs/definition", func(w http.ResponseWriter, r *http.Request) {
			var req service.JobRequest
			if err := render.DecodeJSON(r.Body, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err)
				return
			}
			def, err := jobs.GetJobDefinition(r.Context(), req)
			if err != nil {
				renderServiceError(w, r, err)
				return
			}
			_ = render.Render(w, r, DefinitionReply{JobDefinition: def})
		})

		r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
			var req service.JobRequest
			if err := render.DecodeJSON(r.Body, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err)
				return
			}
			def, err := jobs.GetJobDefinition(r.Context(), req)
			if err != nil {
				renderServiceError(w, r, err)
				return
			}
			job, err := jobs.SubmitJob(r.Context(), def)
			if err != nil {
				renderServiceError(w, r, err)
				return
			}
			render.Status(r, http.StatusCreated)
			_ = render.Render(w, r, JobReply{Job: job})
		})

		r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			filter, err := jobFilter(r)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, err)
				return
			}
			list, err := jobs.ListJobs(r.Context(), filter)
			if err != nil {
				renderServiceError(w, r, err)
				return
			}
			if list == nil {
				list = model.JobList{}
			}
			_ = render.Render(w, r, JobListReply{Jobs: list})
		})

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", withJobID(func(w http.ResponseWriter, r *http.Request, id uint) {
				job, err := jobs.GetJob(r.Context(), id)
				if err != nil {
					renderServiceError(w, r, err)
					return
				}
				_ = render.Render(w, r, JobReply{Job: job})
			}))
			r.Get("/tasks", withJobID(func(w http.ResponseWriter, r *http.Request, id uint) {
				tasks, err := jobs.ListTasks(r.Context(), id)
				if err != nil {
					renderServiceError(w, r, err)
					return
				}
				_ = render.Render(w, r, TaskListReply{Tasks: tasks})
			}))
			r.Post("/pause", withJobID(control(jobs.PauseJob)))
			r.Post("/resume", withJobID(control(jobs.ResumeJob)))
			r.Post("/cancel", withJobID(control(jobs.CancelJob)))
		})

		r.Get("/processors/{id}/definition", func(w http.ResponseWriter, r *http.Request) {
			processorID, err := parseID(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, err)
				return
			}
			siteID, err := parseID(r.URL.Query().Get("site_id"))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, errors.New("site_id is required"))
				return
			}
			var instant time.Time
			if v := r.URL.Query().Get("instant"); v != "" {
				if instant, err = parseInstant(v); err != nil {
					writeError(w, r, http.StatusBadRequest, err)
					return
				}
			}
			def, err := jobs.GetProcessingDefinition(r.Context(), processorID, siteID, instant)
			if err != nil {
				renderServiceError(w, r, err)
				return
			}
			_ = render.Render(w, r, ProcessingReply{ProcessingDefinition: def})
		})
	})
}

type HealthReply struct {
	Status string `json:"status"`
}

type DefinitionReply struct {
	*service.JobDefinition
}

type ProcessingReply struct {
	processor.ProcessingDefinition
}

type JobReply struct {
	*model.Job
}

type JobListReply struct {
	Jobs model.JobList `json:"jobs"`
}

type TaskListReply struct {
	Tasks []model.Task `json:"tasks"`
}

type ErrorReply struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func (h HealthReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (d DefinitionReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (p ProcessingReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (j JobReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (j JobListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (t TaskListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func (e ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func control(fn func(ctx context.Context, id uint) (*model.Job, error)) func(w http.ResponseWriter, r *http.Request, id uint) {
	return func(w http.ResponseWriter, r *http.Request, id uint) {
		job, err := fn(r.Context(), id)
		if err != nil {
			renderServiceError(w, r, err)
			return
		}
		_ = render.Render(w, r, JobReply{Job: job})
	}
}

func withJobID(fn func(w http.ResponseWriter, r *http.Request, id uint)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		fn(w, r, id)
	}
}

func renderServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound   *service.ErrResourceNotFound
		invalid    *service.ErrInvalidJobRequest
		transition *service.ErrInvalidTransition
		notValid   *service.ErrProcessingNotValid
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, err)
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, err)
	case errors.As(err, &transition), errors.As(err, &notValid):
		writeError(w, r, http.StatusConflict, err)
	default:
		zap.S().Named("api_server").Errorw("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	_ = render.Render(w, r, ErrorReply{Error: err.Error(), RequestID: requestid.FromContext(r.Context())})
}

func jobFilter(r *http.Request) (service.JobFilter, error) {
	var (
		filter service.JobFilter
		err    error
	)
	q := r.URL.Query()
	if v := q.Get("processor_id"); v != "" {
		if filter.ProcessorID, err = parseID(v); err != nil {
			return filter, err
		}
	}
	if v := q.Get("site_id"); v != "" {
		if filter.SiteID, err = parseID(v); err != nil {
			return filter, err
		}
	}
	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			status := model.JobStatus(strings.TrimSpace(s))
			if !validStatus(status) {
				return filter, errors.New("unknown job status " + string(status))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return filter, errors.New("invalid limit")
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			return filter, errors.New("invalid offset")
		}
	}
	return filter, nil
}

func validStatus(status model.JobStatus) bool {
	for _, s := range model.AllJobStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func parseID(v string) (uint, error) {
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id " + strconv.Quote(v))
	}
	return uint(id), nil
}

// parseInstant accepts RFC 3339 timestamps and plain dates.
func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(processor.DateLayout, v)
	if err != nil {
		return time.Time{}, errors.New("invalid instant " + strconv.Quote(v))
	}
	return t, nil
}
