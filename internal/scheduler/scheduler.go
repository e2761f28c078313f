package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/service"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultInterval             = time.Minute
	defaultSubmissionsPerSecond = 2
)

// JobSubmitter is the front-end path used to turn scheduled tasks into jobs.
type JobSubmitter interface {
	GetJobDefinition(ctx context.Context, req service.JobRequest) (*service.JobDefinition, error)
	SubmitJob(ctx context.Context, def *service.JobDefinition) (*model.Job, error)
}

type Option func(s *Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSubmissionRate limits how many jobs one sweep submits per second.
func WithSubmissionRate(perSecond float64) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// SweepResult counts what a sweep did with the due tasks.
type SweepResult struct {
	Submitted int
	Retried   int
	Skipped   int
	Failed    int
}

func (r SweepResult) Total() int {
	return r.Submitted + r.Retried + r.Skipped + r.Failed
}

// Scheduler evaluates the scheduled tasks that are due and submits the jobs they define.
type Scheduler struct {
	store    store.Store
	jobs     JobSubmitter
	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
	log      *zap.SugaredLogger
}

func New(s store.Store, jobs JobSubmitter, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:    s,
		jobs:     jobs,
		interval: defaultInterval,
		limiter:  rate.NewLimiter(rate.Limit(defaultSubmissionsPerSecond), 1),
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.S().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 20, Mean: 0})
	defer ticker.Stop()

	s.log.Infow("scheduler started", "interval", s.interval)
	for {
		result, err := s.Sweep(ctx, s.now())
		if err != nil {
			s.log.Errorw("sweep failed", "error", err)
		} else if result.Total() > 0 {
			s.log.Infow("sweep done", "submitted", result.Submitted, "retried", result.Retried, "skipped", result.Skipped, "failed", result.Failed)
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep handles every enabled task due at now. A task that cannot be evaluated does not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	tasks, err := s.store.Schedule().List(ctx, store.NewScheduledTaskQueryFilter().Enabled().DueAt(now))
	if err != nil {
		return result, err
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		log := s.log.With("scheduled_task_id", task.ID, "processor_id", task.ProcessorID, "site_id", task.SiteID)
		outcome, err := s.handle(ctx, task, now)
		if err != nil {
			log.Errorw("failed to handle scheduled task", "error", err)
			result.Failed++
			continue
		}
		switch outcome {
		case outcomeSubmitted:
			result.Submitted++
		case outcomeRetry:
			result.Retried++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRetry
	outcomeSubmitted
)

func (s *Scheduler) handle(ctx context.Context, task model.ScheduledTask, now time.Time) (outcome, error) {
	log := s.log.With("scheduled_task_id", task.ID)

	req, err := jobRequest(task)
	if err != nil {
		log.Warnw("invalid scheduled task parameters", "error", err)
		return outcomeSkipped, s.advance(ctx, task, now)
	}

	def, err := s.jobs.GetJobDefinition(ctx, req)
	if err != nil {
		if !definitive(err) {
			return outcomeSkipped, fmt.Errorf("job definition: %w", err)
		}
		// nothing will change until the task or the catalog is fixed
		log.Warnw("scheduled task has no job definition", "error", err)
		return outcomeSkipped, s.advance(ctx, task, now)
	}

	switch {
	case !def.Processing.IsValid:
		log.Debugw("processing not valid at the scheduled time", "scheduled_at", task.NextScheduleTime)
		return outcomeSkipped, s.advance(ctx, task, now)
	case def.Processing.ShouldRetry():
		retry := now
		task.LastRetryTime = &retry
		log.Debugw("inputs not ready, retrying on the next sweep", "scheduled_at", task.NextScheduleTime)
		return outcomeRetry, s.store.Schedule().Update(ctx, task)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return outcomeSkipped, err
	}
	// the job and the next run of the task are stored together
	var job *model.Job
	err = store.WithTransaction(ctx, s.store, func(ctx context.Context) error {
		var err error
		if job, err = s.jobs.SubmitJob(ctx, def); err != nil {
			return err
		}
		task.LastJobID = &job.ID
		return s.advance(ctx, task, now)
	})
	if err != nil {
		return outcomeSkipped, err
	}
	log.Infow("scheduled job submitted", "job_id", job.ID, "scheduled_at", task.NextScheduleTime)
	return outcomeSubmitted, nil
}

// definitive reports whether a definition error stays the same until the task or the catalog changes.
func definitive(err error) bool {
	var (
		notFound *service.ErrResourceNotFound
		invalid  *service.ErrInvalidJobRequest
	)
	return errors.As(err, &notFound) || errors.As(err, &invalid) || processor.IsPermanent(err)
}

// advance moves the task to its next run, or disables it when it does not repeat.
func (s *Scheduler) advance(ctx context.Context, task model.ScheduledTask, now time.Time) error {
	next, ok := task.NextRun(now)
	if ok {
		task.NextScheduleTime = next
	} else {
		task.Enabled = false
	}
	task.LastRetryTime = nil
	return s.store.Schedule().Update(ctx, task)
}

func jobRequest(task model.ScheduledTask) (service.JobRequest, error) {
	scheduledAt := task.NextScheduleTime.UTC()
	env := processor.JobEnvelope{
		GeneralParams: processor.GeneralParams{
			TaskName:        taskName(task),
			TaskDescription: task.Name,
			TaskType:        processor.TaskTypeScheduled,
			ScheduledTime:   &scheduledAt,
		},
	}
	if strings.TrimSpace(task.ProcessorParams) != "" {
		if err := json.Unmarshal([]byte(task.ProcessorParams), &env.ProcessorParams); err != nil {
			return service.JobRequest{}, fmt.Errorf("processor params: %w", err)
		}
	}
	return service.JobRequest{
		ProcessorID: task.ProcessorID,
		SiteID:      task.SiteID,
		Envelope:    env,
		ScheduledAt: scheduledAt,
	}, nil
}

func taskName(task model.ScheduledTask) string {
	return fmt.Sprintf("scheduled-%d-%s", task.ID, task.NextScheduleTime.UTC().Format("20060102T1504"))
}
