package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
	"go.uber.org/zap"
)

// Handler implements one processing pipeline.
type Handler interface {
	HandleJobSubmitted(ctx context.Context, gw EventProcessingContext, ev model.JobSubmittedEvent) error
	HandleTaskFinished(ctx context.Context, gw EventProcessingContext, ev model.TaskFinishedEvent) error
	HandleProductAvailable(ctx context.Context, gw EventProcessingContext, ev model.ProductAvailableEvent) error
	GetProcessingDefinition(ctx context.Context, sctx SchedulingContext, req ScheduleRequest) (ProcessingDefinition, error)
}

// ProductSubscriber is implemented by handlers interested in new products of some types.
type ProductSubscriber interface {
	SubscribedProductTypes() []model.ProductType
}

// Factory builds the handler of a catalog processor.
type Factory func(processor model.Processor) Handler

// BaseHandler holds the behavior shared by every handler.
type BaseHandler struct {
	Processor model.Processor
	Logger    *zap.SugaredLogger
}

func NewBaseHandler(processor model.Processor) BaseHandler {
	return BaseHandler{
		Processor: processor,
		Logger:    zap.S().Named(processor.ShortName),
	}
}

func (b BaseHandler) HandleProductAvailable(_ context.Context, _ EventProcessingContext, _ model.ProductAvailableEvent) error {
	return nil
}

// ParamPrefix is the prefix of the processor configuration keys.
func (b BaseHandler) ParamPrefix() string {
	return fmt.Sprintf("processor.%s.", b.Processor.ShortName)
}

// ParamKey returns the full configuration key of name.
func (b BaseHandler) ParamKey(name string) string {
	return b.ParamPrefix() + name
}

// HandleSubmission runs build for a job still in the submitted status, then settles
// the job status: running when tasks were created, failed otherwise. When the context
// is Transactional the task graph and the status change are committed together.
func (b BaseHandler) HandleSubmission(ctx context.Context, gw EventProcessingContext, jobID uint, build func(ctx context.Context, gw EventProcessingContext, job *model.Job) error) (err error) {
	job, err := b.SubmittedJob(ctx, gw, jobID)
	if err != nil || job == nil {
		return err
	}

	// a previous delivery stored the graph but did not get to move the job on
	tasks, err := gw.Tasks(ctx, jobID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		b.Logger.Infow("task graph already stored", "job_id", jobID, "tasks", len(tasks))
		if err := gw.MarkJobRunning(ctx, jobID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return nil
	}

	tx, ok := gw.(Transactional)
	if !ok {
		guard := NewSubmissionGuard(gw, jobID)
		defer guard.Done(ctx, &err)
		return build(ctx, guard, job)
	}

	var handlerErr error
	err = tx.InTransaction(ctx, func(ctx context.Context) error {
		guard := NewSubmissionGuard(gw, jobID)
		var settleErr error
		handlerErr, settleErr = guard.settle(ctx, guard.run(ctx, job, build))
		return settleErr
	})
	if err != nil {
		if handlerErr != nil {
			b.Logger.Warnw("job submission rolled back", "job_id", jobID, "handler_error", handlerErr)
		}
		return err
	}
	return handlerErr
}

// SubmittedJob returns the job of a JobSubmitted event, or nil when it already left
// the submitted status because the event was handled before.
func (b BaseHandler) SubmittedJob(ctx context.Context, gw EventProcessingContext, jobID uint) (*model.Job, error) {
	job, err := gw.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusSubmitted {
		b.Logger.Infow("job already handled", "job_id", job.ID, "status", job.Status)
		return nil, nil
	}
	return job, nil
}

// ActiveJob returns the job of a TaskFinished event, or nil when the job reached a final
// status and the event must not change it.
func (b BaseHandler) ActiveJob(ctx context.Context, gw EventProcessingContext, ev model.TaskFinishedEvent) (*model.Job, error) {
	job, err := gw.Job(ctx, ev.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		b.Logger.Infow("ignoring task of a finished job", "job_id", job.ID, "task_id", ev.TaskID, "module", ev.Module, "status", job.Status)
		return nil, nil
	}
	return job, nil
}

// FinishOnBarrier marks the job finished and releases its scratch directory.
// A paused job, or one waiting for input, is finished when it is resumed.
func (b BaseHandler) FinishOnBarrier(ctx context.Context, gw EventProcessingContext, job *model.Job) error {
	if err := gw.MarkJobFinished(ctx, job.ID); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			b.Logger.Infow("job not finished on barrier", "job_id", job.ID, "error", err)
			return nil
		}
		return err
	}
	if err := gw.ReleaseScratch(job); err != nil {
		b.Logger.Warnw("failed to release scratch directory", "job_id", job.ID, "error", err)
	}
	return nil
}

// FailJob marks the job failed. A job already in a final status is left as is.
func (b BaseHandler) FailJob(ctx context.Context, gw EventProcessingContext, jobID uint, reason string) error {
	b.Logger.Warnw("failing job", "job_id", jobID, "reason", reason)
	err := gw.MarkJobFailed(ctx, jobID, reason)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// OutputSpec describes a product produced by a task.
type OutputSpec struct {
	ProductType model.ProductType
	Path        string
	Name        string
	Layout      artifact.Layout
	Tiles       []string
	Parents     []uint
	CreatedAt   time.Time
}

// RegisterOutput validates the artifact of a finished task and inserts its product once.
// When the artifact is missing or malformed the job is failed and no product is returned.
func (b BaseHandler) RegisterOutput(ctx context.Context, gw EventProcessingContext, ev model.TaskFinishedEvent, out OutputSpec) (*model.Product, error) {
	jobID := ev.JobID
	if existing, err := gw.ProductByPath(ctx, &jobID, ev.Module, out.Path); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}

	if err := gw.Artifacts().Validate(ctx, out.Path, out.Layout); err != nil {
		if errors.Is(err, artifact.ErrMissing) || errors.Is(err, artifact.ErrInvalidLayout) {
			reason := fmt.Sprintf("%s: task %d (%s): %v", ErrMissingArtifact, ev.TaskID, ev.Module, err)
			return nil, b.FailJob(ctx, gw, ev.JobID, reason)
		}
		return nil, err
	}

	createdAt := out.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	taskID := ev.TaskID
	p := model.Product{
		ProductType: out.ProductType,
		ProcessorID: ev.ProcessorID,
		SiteID:      ev.SiteID,
		JobID:       &jobID,
		TaskID:      &taskID,
		Module:      ev.Module,
		FullPath:    out.Path,
		CreatedAt:   createdAt,
		Name:        out.Name,
	}
	p.SetTiles(out.Tiles)
	for _, parent := range out.Parents {
		p.Parents = append(p.Parents, model.ProductProvenance{ParentProductID: parent})
	}

	product, _, err := gw.InsertProduct(ctx, p)
	return product, err
}

// SubmissionGuard wraps the context of a JobSubmitted handler and settles the job status
// when the handler returns: failed on error, running once tasks exist.
//
//	guard := processor.NewSubmissionGuard(gw, ev.JobID)
//	defer guard.Done(ctx, &err)
type SubmissionGuard struct {
	EventProcessingContext
	jobID uint
	log   *zap.SugaredLogger

	mu        sync.Mutex
	submitted bool
}

func NewSubmissionGuard(gw EventProcessingContext, jobID uint) *SubmissionGuard {
	return &SubmissionGuard{
		EventProcessingContext: gw,
		jobID:                  jobID,
		log:                    zap.S().Named("submission"),
	}
}

func (g *SubmissionGuard) SubmitTasks(ctx context.Context, jobID uint, tasks []store.NewTask) ([]uint, error) {
	ids, err := g.EventProcessingContext.SubmitTasks(ctx, jobID, tasks)
	if err == nil && len(ids) > 0 {
		g.mu.Lock()
		g.submitted = true
		g.mu.Unlock()
	}
	return ids, err
}

func (g *SubmissionGuard) TasksSubmitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitted
}

// Done must be deferred with the address of the handler's named error. A panic is turned into an error.
func (g *SubmissionGuard) Done(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		*errp = g.panicked(r)
	}

	handlerErr, err := g.settle(ctx, *errp)
	*errp = handlerErr
	if err != nil && *errp == nil {
		*errp = err
	}
}

func (g *SubmissionGuard) run(ctx context.Context, job *model.Job, build func(ctx context.Context, gw EventProcessingContext, job *model.Job) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = g.panicked(r)
		}
	}()
	return build(ctx, g, job)
}

func (g *SubmissionGuard) panicked(r any) error {
	g.log.Errorw("job submission panicked", "job_id", g.jobID, "panic", r, "stack", string(debug.Stack()))
	return fmt.Errorf("job %d submission panicked: %v", g.jobID, r)
}

// settle records the job status matching the handler outcome. It returns the error the
// handler reports and, separately, the error of the status update.
func (g *SubmissionGuard) settle(ctx context.Context, handlerErr error) (error, error) {
	var err error
	switch {
	case handlerErr != nil && g.TasksSubmitted():
		err = g.MarkJobFailed(ctx, g.jobID, handlerErr.Error())
	case handlerErr != nil:
		err = g.MarkEmptyJobFailed(ctx, g.jobID, handlerErr.Error())
	case g.TasksSubmitted():
		err = g.MarkJobRunning(ctx, g.jobID)
	default:
		err = g.MarkEmptyJobFailed(ctx, g.jobID, "")
		handlerErr = fmt.Errorf("%w: job %d has no tasks", ErrValidation, g.jobID)
	}
	if err == nil || errors.Is(err, ErrInvalidTransition) {
		return handlerErr, nil
	}
	g.log.Errorw("failed to settle job status", "job_id", g.jobID, "error", err)
	return handlerErr, err
}
