package processor

import (
	"context"
	"time"

	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
)

// ProductQuery selects products. Zero values do not filter.
type ProductQuery struct {
	SiteID   uint
	Types    []model.ProductType
	From     time.Time
	To       time.Time
	Tiles    []string
	IDs      []uint
	Paths    []string
	ParentID *uint
	JobID    *uint
}

// SchedulingContext is the read-only view handlers use to compute processing definitions.
type SchedulingContext interface {
	Processor(ctx context.Context, id uint) (*model.Processor, error)
	Site(ctx context.Context, id uint) (*model.Site, error)
	Seasons(ctx context.Context, siteID uint) (model.SeasonList, error)
	// Parameters returns the stored values of keys starting with prefix for the site,
	// overlaid with the matching overrides.
	Parameters(ctx context.Context, siteID uint, prefix string, overrides map[string]string) (map[string]string, error)
	Products(ctx context.Context, q ProductQuery) (model.ProductList, error)
}

// EventProcessingContext is the read/write view handlers use while reacting to events.
type EventProcessingContext interface {
	SchedulingContext

	Job(ctx context.Context, id uint) (*model.Job, error)
	FindJobs(ctx context.Context, processorID, siteID uint, name string) (model.JobList, error)
	// JobParameters merges site values, the job config overrides and the request config params, in that order.
	JobParameters(ctx context.Context, job *model.Job, prefix string) (map[string]string, error)
	// SubmitJob stores a new job and the event announcing it.
	SubmitJob(ctx context.Context, job model.Job) (*model.Job, error)

	SubmitTasks(ctx context.Context, jobID uint, tasks []store.NewTask) ([]uint, error)
	SubmitSteps(ctx context.Context, steps []model.Step) error
	Tasks(ctx context.Context, jobID uint) ([]model.Task, error)
	Steps(ctx context.Context, taskID uint) ([]model.Step, error)
	MarkTaskFinished(ctx context.Context, taskID uint) error

	MarkJobRunning(ctx context.Context, jobID uint) error
	MarkJobPaused(ctx context.Context, jobID uint) error
	MarkJobResumed(ctx context.Context, jobID uint) error
	MarkJobCancelled(ctx context.Context, jobID uint) error
	MarkJobFinished(ctx context.Context, jobID uint) error
	MarkJobFailed(ctx context.Context, jobID uint, reason string) error
	MarkJobNeedsInput(ctx context.Context, jobID uint, reason string) error
	// MarkEmptyJobFailed fails a job for which no task was ever created.
	MarkEmptyJobFailed(ctx context.Context, jobID uint, reason string) error

	// InsertProduct stores the product unless the same (job, module, path) exists.
	// The boolean reports whether a new row was written.
	InsertProduct(ctx context.Context, product model.Product) (*model.Product, bool, error)
	ProductByPath(ctx context.Context, jobID *uint, module, path string) (*model.Product, error)
	Product(ctx context.Context, id uint) (*model.Product, error)
	Artifacts() artifact.Inspector

	ScratchDir(job *model.Job) (string, error)
	ReleaseScratch(job *model.Job) error
}

// Transactional is implemented by contexts able to run several writes atomically.
type Transactional interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
