package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sen2agri/orchestrator/internal/events"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
	"github.com/sen2agri/orchestrator/pkg/metrics"
	"go.uber.org/zap"
)

// Publisher receives job and product notifications.
type Publisher interface {
	Publish(ctx context.Context, kind string, v any) error
}

type GatewayOption func(g *Gateway)

func WithPublisher(p Publisher) GatewayOption {
	return func(g *Gateway) {
		g.publisher = p
	}
}

func WithScratchRoot(root string) GatewayOption {
	return func(g *Gateway) {
		g.scratchRoot = root
	}
}

func WithInspector(i artifact.Inspector) GatewayOption {
	return func(g *Gateway) {
		g.inspector = i
	}
}

// Gateway implements SchedulingContext and EventProcessingContext over the store.
type Gateway struct {
	store       store.Store
	publisher   Publisher
	inspector   artifact.Inspector
	scratchRoot string
	log         *zap.SugaredLogger
}

var (
	_ SchedulingContext      = (*Gateway)(nil)
	_ EventProcessingContext = (*Gateway)(nil)
	_ Transactional          = (*Gateway)(nil)
)

func NewGateway(s store.Store, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:       s,
		inspector:   artifact.NewFilesystemInspector(),
		scratchRoot: filepath.Join(os.TempDir(), "orchestrator"),
		log:         zap.S().Named("gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Processor(ctx context.Context, id uint) (*model.Processor, error) {
	return g.store.Catalog().GetProcessor(ctx, id)
}

func (g *Gateway) Site(ctx context.Context, id uint) (*model.Site, error) {
	return g.store.Catalog().GetSite(ctx, id)
}

func (g *Gateway) Seasons(ctx context.Context, siteID uint) (model.SeasonList, error) {
	return g.store.Catalog().Seasons(ctx, siteID)
}

func (g *Gateway) Parameters(ctx context.Context, siteID uint, prefix string, overrides map[string]string) (map[string]string, error) {
	values, err := g.store.Catalog().Parameters(ctx, &siteID, prefix)
	if err != nil {
		return nil, err
	}
	overlay(values, prefix, overrides)
	return values, nil
}

func (g *Gateway) Products(ctx context.Context, q ProductQuery) (model.ProductList, error) {
	filter := store.NewProductQueryFilter()
	if q.SiteID != 0 {
		filter = filter.BySite(q.SiteID)
	}
	if len(q.Types) > 0 {
		filter = filter.ByTypes(q.Types...)
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		filter = filter.CreatedBetween(q.From, q.To)
	}
	if len(q.Tiles) > 0 {
		filter = filter.ByTiles(q.Tiles...)
	}
	if len(q.IDs) > 0 {
		filter = filter.ByIDs(q.IDs...)
	}
	if len(q.Paths) > 0 {
		filter = filter.ByPaths(q.Paths...)
	}
	if q.ParentID != nil {
		filter = filter.ByParent(*q.ParentID)
	}
	if q.JobID != nil {
		filter = filter.ByJob(*q.JobID)
	}
	return g.store.Product().List(ctx, filter, nil)
}

func (g *Gateway) Job(ctx context.Context, id uint) (*model.Job, error) {
	return g.store.Job().Get(ctx, id)
}

func (g *Gateway) FindJobs(ctx context.Context, processorID, siteID uint, name string) (model.JobList, error) {
	filter := store.NewJobQueryFilter().ByProcessor(processorID).BySite(siteID)
	if name != "" {
		filter = filter.ByName(name)
	}
	return g.store.Job().List(ctx, filter, nil)
}

func (g *Gateway) JobParameters(ctx context.Context, job *model.Job, prefix string) (map[string]string, error) {
	values, err := g.store.Catalog().Parameters(ctx, &job.SiteID, prefix)
	if err != nil {
		return nil, err
	}
	overlay(values, prefix, job.Overrides())

	env, err := ParseEnvelope(job.Parameters)
	if err != nil {
		return nil, err
	}
	overlay(values, prefix, env.ConfigParams)
	return values, nil
}

func (g *Gateway) SubmitJob(ctx context.Context, job model.Job) (*model.Job, error) {
	var created *model.Job
	err := g.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		job.Status = model.JobStatusSubmitted
		created, err = g.store.Job().Create(ctx, job)
		if err != nil {
			return err
		}
		ev, err := model.NewEvent(model.EventTypeJobSubmitted, model.JobSubmittedEvent{
			JobID:          created.ID,
			SiteID:         created.SiteID,
			ProcessorID:    created.ProcessorID,
			ParametersJSON: created.Parameters,
		})
		if err != nil {
			return err
		}
		_, err = g.store.Event().Create(ctx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.IncreaseJobTransitionsMetric(string(model.JobStatusSubmitted))
	g.publishJob(ctx, created)
	g.log.Infow("job submitted", "job_id", created.ID, "processor_id", created.ProcessorID, "site_id", created.SiteID, "start_type", created.StartType)
	return created, nil
}

func (g *Gateway) SubmitTasks(ctx context.Context, jobID uint, tasks []store.NewTask) ([]uint, error) {
	return g.store.Task().CreateBatch(ctx, jobID, tasks)
}

func (g *Gateway) SubmitSteps(ctx context.Context, steps []model.Step) error {
	_, err := g.store.Step().CreateBatch(ctx, steps)
	return err
}

func (g *Gateway) Tasks(ctx context.Context, jobID uint) ([]model.Task, error) {
	return g.store.Task().ListByJob(ctx, jobID)
}

func (g *Gateway) Steps(ctx context.Context, taskID uint) ([]model.Step, error) {
	return g.store.Step().ListByTask(ctx, taskID)
}

// MarkTaskFinished is idempotent: a task already finished is left as is.
func (g *Gateway) MarkTaskFinished(ctx context.Context, taskID uint) error {
	err := g.store.Task().UpdateStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskStatusSubmitted, model.TaskStatusRunning, model.TaskStatusPaused, model.TaskStatusNeedsInput},
		model.TaskStatusFinished)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (g *Gateway) MarkJobRunning(ctx context.Context, jobID uint) error {
	return g.transition(ctx, jobID, model.JobStatusRunning, "")
}

func (g *Gateway) MarkJobPaused(ctx context.Context, jobID uint) error {
	return g.transition(ctx, jobID, model.JobStatusPaused, "")
}

// MarkJobResumed moves the job back to running, or straight to finished when its
// closing barrier completed while the job was paused or waiting for input.
func (g *Gateway) MarkJobResumed(ctx context.Context, jobID uint) error {
	finished := false
	err := g.InTransaction(ctx, func(ctx context.Context) error {
		if err := g.transition(ctx, jobID, model.JobStatusRunning, ""); err != nil {
			return err
		}
		done, err := g.barrierFinished(ctx, jobID)
		if err != nil || !done {
			return err
		}
		finished = true
		return g.transition(ctx, jobID, model.JobStatusFinished, "")
	})
	if err != nil || !finished {
		return err
	}

	g.log.Infow("job finished on resume", "job_id", jobID)
	if rerr := g.ReleaseScratch(&model.Job{ID: jobID}); rerr != nil {
		g.log.Warnw("failed to release scratch directory", "job_id", jobID, "error", rerr)
	}
	return nil
}

func (g *Gateway) barrierFinished(ctx context.Context, jobID uint) (bool, error) {
	tasks, err := g.store.Task().ListByJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Module == EndOfJobModule && t.Status == model.TaskStatusFinished {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) MarkJobCancelled(ctx context.Context, jobID uint) error {
	return g.transition(ctx, jobID, model.JobStatusCancelled, "")
}

func (g *Gateway) MarkJobFinished(ctx context.Context, jobID uint) error {
	return g.transition(ctx, jobID, model.JobStatusFinished, "")
}

func (g *Gateway) MarkJobFailed(ctx context.Context, jobID uint, reason string) error {
	return g.transition(ctx, jobID, model.JobStatusFailed, reason)
}

func (g *Gateway) MarkJobNeedsInput(ctx context.Context, jobID uint, reason string) error {
	return g.transition(ctx, jobID, model.JobStatusNeedsInput, reason)
}

func (g *Gateway) MarkEmptyJobFailed(ctx context.Context, jobID uint, reason string) error {
	if reason == "" {
		reason = model.ReasonEmptyJob
	} else if !strings.HasPrefix(reason, model.ReasonEmptyJob) {
		reason = model.ReasonEmptyJob + ": " + reason
	}
	return g.transition(ctx, jobID, model.JobStatusFailed, reason)
}

func (g *Gateway) InsertProduct(ctx context.Context, product model.Product) (*model.Product, bool, error) {
	if existing, err := g.store.Product().FindByPath(ctx, product.JobID, product.Module, product.FullPath); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, false, err
	}

	var created *model.Product
	err := g.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		created, err = g.store.Product().Create(ctx, product)
		if err != nil {
			return err
		}
		ev, err := model.NewEvent(model.EventTypeProductAvailable, model.ProductAvailableEvent{ProductID: created.ID})
		if err != nil {
			return err
		}
		_, err = g.store.Event().Create(ctx, ev)
		return err
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// inserted concurrently
		existing, ferr := g.store.Product().FindByPath(ctx, product.JobID, product.Module, product.FullPath)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	metrics.IncreaseProductsInsertedMetric(string(created.ProductType))
	g.publish(ctx, events.ProductMessageKind, events.ProductEvent{
		ProductID:   created.ID,
		ProductType: string(created.ProductType),
		JobID:       created.JobID,
		SiteID:      created.SiteID,
		Path:        created.FullPath,
	})
	g.log.Infow("product inserted", "product_id", created.ID, "type", created.ProductType, "path", created.FullPath)
	return created, true, nil
}

func (g *Gateway) ProductByPath(ctx context.Context, jobID *uint, module, path string) (*model.Product, error) {
	return g.store.Product().FindByPath(ctx, jobID, module, path)
}

func (g *Gateway) Product(ctx context.Context, id uint) (*model.Product, error) {
	return g.store.Product().Get(ctx, id)
}

func (g *Gateway) Artifacts() artifact.Inspector {
	return g.inspector
}

func (g *Gateway) ScratchDir(job *model.Job) (string, error) {
	dir := filepath.Join(g.scratchRoot, fmt.Sprintf("job-%d", job.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory for job %d: %w", job.ID, err)
	}
	return dir, nil
}

func (g *Gateway) ReleaseScratch(job *model.Job) error {
	return os.RemoveAll(filepath.Join(g.scratchRoot, fmt.Sprintf("job-%d", job.ID)))
}

// transition moves the job to `to` and updates its open tasks accordingly.
func (g *Gateway) transition(ctx context.Context, jobID uint, to model.JobStatus, reason string) error {
	var job *model.Job
	err := g.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		job, err = g.store.Job().UpdateStatus(ctx, jobID, LegalSources(to), to, reason)
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) && job != nil {
				return fmt.Errorf("%w: job %d from %s to %s", ErrInvalidTransition, jobID, job.Status, to)
			}
			return err
		}

		from, target := taskCascade(to)
		if len(from) == 0 {
			return nil
		}
		_, err = g.store.Task().UpdateStatusByJob(ctx, jobID, from, target)
		return err
	})
	if err != nil {
		return err
	}

	metrics.IncreaseJobTransitionsMetric(string(to))
	g.publishJob(ctx, job)
	g.log.Infow("job status changed", "job_id", jobID, "status", to, "reason", reason)
	return nil
}

// taskCascade returns which open task statuses follow a job moving to status.
func taskCascade(status model.JobStatus) ([]model.TaskStatus, model.TaskStatus) {
	switch status {
	case model.JobStatusCancelled, model.JobStatusFailed:
		return []model.TaskStatus{
			model.TaskStatusSubmitted,
			model.TaskStatusRunning,
			model.TaskStatusPaused,
			model.TaskStatusNeedsInput,
		}, model.TaskStatusCancelled
	case model.JobStatusPaused:
		return []model.TaskStatus{model.TaskStatusSubmitted}, model.TaskStatusPaused
	case model.JobStatusRunning:
		return []model.TaskStatus{model.TaskStatusPaused}, model.TaskStatusSubmitted
	default:
		return nil, ""
	}
}

// InTransaction runs fn in the transaction of ctx, or in a new one committed when fn succeeds.
func (g *Gateway) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return store.WithTransaction(ctx, g.store, fn)
}

func (g *Gateway) publishJob(ctx context.Context, job *model.Job) {
	if job == nil {
		return
	}
	g.publish(ctx, events.JobMessageKind, events.JobEvent{
		JobID:       job.ID,
		ProcessorID: job.ProcessorID,
		SiteID:      job.SiteID,
		Status:      string(job.Status),
		Reason:      job.StatusReason,
	})
}

func (g *Gateway) publish(ctx context.Context, kind string, v any) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, kind, v); err != nil {
		g.log.Warnw("failed to publish notification", "kind", kind, "error", err)
	}
}

func overlay(values map[string]string, prefix string, overrides map[string]string) {
	for k, v := range overrides {
		if strings.HasPrefix(k, prefix) {
			values[k] = v
		}
	}
}
