package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"go.uber.org/zap"
)

// Notifier wakes up the event loop.
type Notifier interface {
	Notify()
}

// JobRequest is an ad hoc or scheduled request to run a processor for a site.
type JobRequest struct {
	ProcessorID uint                  `json:"processorId" validate:"required"`
	SiteID      uint                  `json:"siteId" validate:"required"`
	Envelope    processor.JobEnvelope `json:"parameters"`
	// Overrides are stored with the job and take precedence over the catalog values.
	Overrides map[string]string `json:"configOverrides,omitempty" validate:"omitempty,param_keys"`
	// ScheduledAt is the instant a scheduled request is evaluated for. Zero means now.
	ScheduledAt time.Time `json:"scheduledAt,omitempty"`
}

// JobDefinition is a job ready to be submitted.
type JobDefinition struct {
	ProcessorID uint                           `json:"processorId"`
	SiteID      uint                           `json:"siteId"`
	Name        string                         `json:"name"`
	Description string                         `json:"description"`
	StartType   model.JobStartType             `json:"startType"`
	Envelope    processor.JobEnvelope          `json:"parameters"`
	Overrides   map[string]string              `json:"configOverrides,omitempty"`
	Processing  processor.ProcessingDefinition `json:"processing"`
}

// Submittable reports whether the definition can become a job now.
func (d JobDefinition) Submittable() bool {
	return d.Processing.IsValid && !d.Processing.ShouldRetry()
}

type JobFilter struct {
	ProcessorID uint
	SiteID      uint
	Statuses    []model.JobStatus
	Limit       int
	Offset      int
}

type JobService struct {
	store     store.Store
	gw        processor.EventProcessingContext
	registry  *processor.Registry
	notifier  Notifier
	validator *Validator
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewJobService(s store.Store, gw processor.EventProcessingContext, registry *processor.Registry, notifier Notifier) *JobService {
	return &JobService{
		store:     s,
		gw:        gw,
		registry:  registry,
		notifier:  notifier,
		validator: NewValidator(NewJobRequestValidationRules()...),
		now:       func() time.Time { return time.Now().UTC() },
		log:       zap.S().Named("job_service"),
	}
}

// GetJobDefinition turns a request into a job definition. Scheduled requests ask the processor
// handler for the inputs of the instant; the outcome is reported in Processing.
func (s *JobService) GetJobDefinition(ctx context.Context, req JobRequest) (*JobDefinition, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, NewErrInvalidJobRequest(err.Error())
	}

	p, h, err := s.handler(ctx, req.ProcessorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Catalog().GetSite(ctx, req.SiteID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrSiteNotFound(req.SiteID)
		}
		return nil, err
	}

	env := req.Envelope
	if env.GeneralParams.TaskType == "" {
		env.GeneralParams.TaskType = processor.TaskTypeScheduled
	}
	def := &JobDefinition{
		ProcessorID: p.ID,
		SiteID:      req.SiteID,
		Name:        strings.TrimSpace(env.GeneralParams.TaskName),
		Description: env.GeneralParams.TaskDescription,
		StartType:   env.StartType(),
		Overrides:   req.Overrides,
	}

	if def.StartType != model.JobStartScheduled {
		env.SetInputProducts(nil)
		def.Envelope = env
		def.Processing = processor.ProcessingDefinition{
			IsValid:     true,
			Flags:       processor.SchedulingFlagNone,
			ProductList: env.InputProducts(),
		}
		return def, nil
	}

	instant := req.ScheduledAt
	if env.GeneralParams.ScheduledTime != nil {
		instant = *env.GeneralParams.ScheduledTime
	}
	if instant.IsZero() {
		instant = s.now()
	}
	instant = instant.UTC()
	env.GeneralParams.ScheduledTime = &instant

	processing := processor.SafeProcessingDefinition(ctx, h, p, s.gw, processor.ScheduleRequest{
		SiteID:      req.SiteID,
		ScheduledAt: instant,
		Overrides:   mergeOverrides(env.ConfigParams, req.Overrides),
	})
	def.Processing = processing
	if !def.Submittable() {
		def.Envelope = env
		return def, nil
	}

	computed, err := processing.Parameters()
	if err != nil {
		return nil, fmt.Errorf("%w: processing parameters: %v", processor.ErrMalformedConfig, err)
	}
	env.ProcessorParams = mergeProcessorParams(computed, env.ProcessorParams)
	env.SetInputProducts(processing.ProductList)
	def.Envelope = env
	return def, nil
}

// GetProcessingDefinition evaluates a processor for a site at an instant.
func (s *JobService) GetProcessingDefinition(ctx context.Context, processorID, siteID uint, instant time.Time) (processor.ProcessingDefinition, error) {
	p, h, err := s.handler(ctx, processorID)
	if err != nil {
		return processor.Invalid(), err
	}
	if _, err := s.store.Catalog().GetSite(ctx, siteID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return processor.Invalid(), NewErrSiteNotFound(siteID)
		}
		return processor.Invalid(), err
	}
	if instant.IsZero() {
		instant = s.now()
	}
	return processor.SafeProcessingDefinition(ctx, h, p, s.gw, processor.ScheduleRequest{SiteID: siteID, ScheduledAt: instant.UTC()}), nil
}

// SubmitJob stores the job with its overrides and submission event, then wakes up the event loop.
func (s *JobService) SubmitJob(ctx context.Context, def *JobDefinition) (*model.Job, error) {
	if def == nil {
		return nil, NewErrInvalidJobRequest("empty job definition")
	}
	if !def.Submittable() {
		p, _ := s.registry.Processor(def.ProcessorID)
		return nil, NewErrProcessingNotValid(p.ShortName, def.SiteID, def.Processing.ShouldRetry())
	}

	job, err := s.gw.SubmitJob(ctx, model.Job{
		Name:            def.Name,
		Description:     def.Description,
		ProcessorID:     def.ProcessorID,
		SiteID:          def.SiteID,
		StartType:       def.StartType,
		Parameters:      def.Envelope.String(),
		ConfigOverrides: configOverrides(def.Overrides),
	})
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return job, nil
}

func (s *JobService) PauseJob(ctx context.Context, id uint) (*model.Job, error) {
	return s.control(ctx, id, "pause", model.EventTypeJobPaused, s.gw.MarkJobPaused)
}

// ResumeJob moves a paused job, or a job waiting for input, back to running.
func (s *JobService) ResumeJob(ctx context.Context, id uint) (*model.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusPaused && job.Status != model.JobStatusNeedsInput {
		return nil, NewErrInvalidTransition(id, "resume")
	}
	return s.control(ctx, id, "resume", model.EventTypeJobResumed, s.gw.MarkJobResumed)
}

// CancelJob cancels the job and its open tasks. Products already inserted are kept.
func (s *JobService) CancelJob(ctx context.Context, id uint) (*model.Job, error) {
	return s.control(ctx, id, "cancel", model.EventTypeJobCancelled, s.gw.MarkJobCancelled)
}

func (s *JobService) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context, filter JobFilter) (model.JobList, error) {
	storeFilter := store.NewJobQueryFilter()
	if filter.ProcessorID != 0 {
		storeFilter = storeFilter.ByProcessor(filter.ProcessorID)
	}
	if filter.SiteID != 0 {
		storeFilter = storeFilter.BySite(filter.SiteID)
	}
	if len(filter.Statuses) > 0 {
		storeFilter = storeFilter.ByStatus(filter.Statuses...)
	}

	opts := store.NewJobQueryOptions().WithSortOrder(store.SortByID)
	if filter.Limit > 0 {
		opts = opts.WithLimit(filter.Limit)
	}
	if filter.Offset > 0 {
		opts = opts.WithOffset(filter.Offset)
	}
	return s.store.Job().List(ctx, storeFilter, opts)
}

func (s *JobService) ListTasks(ctx context.Context, jobID uint) ([]model.Task, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.Task().ListByJob(ctx, jobID)
}

// control applies an external status change and records it in the event queue in one transaction.
func (s *JobService) control(ctx context.Context, id uint, action string, eventType model.EventType, transition func(ctx context.Context, jobID uint) error) (*model.Job, error) {
	err := store.WithTransaction(ctx, s.store, func(ctx context.Context) error {
		return s.applyControl(ctx, id, eventType, transition)
	})
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		return nil, NewErrJobNotFound(id)
	case errors.Is(err, processor.ErrInvalidTransition):
		return nil, NewErrInvalidTransition(id, action)
	case err != nil:
		return nil, err
	}

	s.log.Infow("job control applied", "job_id", id, "action", action)
	return s.GetJob(ctx, id)
}

func (s *JobService) applyControl(ctx context.Context, id uint, eventType model.EventType, transition func(ctx context.Context, jobID uint) error) error {
	if err := transition(ctx, id); err != nil {
		return err
	}
	ev, err := model.NewEvent(eventType, model.JobControlEvent{JobID: id})
	if err != nil {
		return err
	}
	_, err = s.store.Event().Create(ctx, ev)
	return err
}

func (s *JobService) handler(ctx context.Context, processorID uint) (*model.Processor, processor.Handler, error) {
	h, ok := s.registry.Get(processorID)
	if !ok {
		if _, err := s.store.Catalog().GetProcessor(ctx, processorID); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil, err
		}
		return nil, nil, NewErrProcessorNotFound(processorID)
	}
	p, _ := s.registry.Processor(processorID)
	return &p, h, nil
}

// mergeProcessorParams overlays the caller parameters on the computed ones. Input products are the union of both.
func mergeProcessorParams(computed, caller map[string]any) map[string]any {
	merged := make(map[string]any, len(computed)+len(caller))
	for k, v := range computed {
		merged[k] = v
	}
	for k, v := range caller {
		if k == processor.InputProductsKey {
			continue
		}
		merged[k] = v
	}

	env := processor.JobEnvelope{ProcessorParams: map[string]any{}}
	if v, ok := caller[processor.InputProductsKey]; ok {
		env.ProcessorParams[processor.InputProductsKey] = v
	}
	env.SetInputProducts(nil)
	merged[processor.InputProductsKey] = env.InputProducts()
	return merged
}

func mergeOverrides(maps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

func configOverrides(overrides map[string]string) []model.JobConfigOverride {
	if len(overrides) == 0 {
		return nil
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.JobConfigOverride, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.JobConfigOverride{Key: k, Value: overrides[k]})
	}
	return out
}
