package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/metrics"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 20
	defaultLease        = 30 * time.Minute
	defaultMaxAttempts  = 5
	defaultPollInterval = 10 * time.Second
)

// errIgnored marks events no handler will ever process.
var errIgnored = errors.New("event ignored")

type Option func(o *Orchestrator)

// WithConsumerID sets the identity used to claim events. A stable id lets a restarted
// process release the claims of its previous run.
func WithConsumerID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.consumerID = id
		}
	}
}

func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLease sets how long a claimed event stays invisible to other consumers.
func WithLease(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.lease = d
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Orchestrator consumes the persistent event queue and dispatches events to the handlers.
type Orchestrator struct {
	store        store.Store
	registry     *processor.Registry
	gw           processor.EventProcessingContext
	consumerID   string
	batchSize    int
	lease        time.Duration
	maxAttempts  int
	pollInterval time.Duration
	notifyCh     chan struct{}
	log          *zap.SugaredLogger
}

func New(s store.Store, registry *processor.Registry, gw processor.EventProcessingContext, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        s,
		registry:     registry,
		gw:           gw,
		consumerID:   uuid.NewString(),
		batchSize:    defaultBatchSize,
		lease:        defaultLease,
		maxAttempts:  defaultMaxAttempts,
		pollInterval: defaultPollInterval,
		notifyCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = zap.S().Named("orchestrator").With("consumer_id", o.consumerID)
	return o
}

func (o *Orchestrator) ConsumerID() string {
	return o.consumerID
}

// Notify wakes up the loop. It never blocks.
func (o *Orchestrator) Notify() {
	select {
	case o.notifyCh <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.store.Event().ReleaseClaims(ctx, o.consumerID); err != nil {
		o.log.Errorw("failed to release previous claims", "error", err)
	} else if n > 0 {
		o.log.Infow("released claims of a previous run", "count", n)
	}

	ticker := jitterbug.New(o.pollInterval, &jitterbug.Norm{Stdev: o.pollInterval / 10, Mean: 0})
	defer ticker.Stop()

	o.log.Infow("event loop started", "batch_size", o.batchSize, "lease", o.lease, "max_attempts", o.maxAttempts)
	for {
		n, err := o.ProcessPending(ctx)
		if err != nil {
			o.log.Errorw("failed to process events", "error", err)
		}
		if ctx.Err() != nil {
			o.log.Info("event loop stopped")
			return nil
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			o.log.Info("event loop stopped")
			return nil
		case <-o.notifyCh:
		case <-ticker.C:
		}
	}
}

// ProcessPending claims one batch of events and handles it. It returns the number of claimed events.
func (o *Orchestrator) ProcessPending(ctx context.Context) (int, error) {
	events, err := o.store.Event().Claim(ctx, o.consumerID, o.batchSize, o.lease, o.maxAttempts)
	if err != nil {
		return 0, err
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			// unprocessed claims become visible again once the lease expires
			return len(events), ctx.Err()
		}
		o.process(ctx, ev)
	}
	return len(events), nil
}

func (o *Orchestrator) process(ctx context.Context, ev model.Event) {
	log := o.log.With("event_id", ev.ID, "type", ev.Type, "attempt", ev.Attempts)
	start := time.Now()

	err := o.dispatchSafe(ctx, ev)
	switch {
	case err == nil:
		o.complete(ctx, ev, metrics.EventCompleted)
		log.Debugw("event processed", "duration", time.Since(start))
	case errors.Is(err, errIgnored):
		o.complete(ctx, ev, metrics.EventIgnored)
		log.Warnw("event ignored", "reason", err)
	case processor.IsPermanent(err) || ev.Attempts >= o.maxAttempts:
		if ferr := o.store.Event().Fail(ctx, ev.ID, err); ferr != nil {
			log.Errorw("failed to dead-letter event", "error", ferr)
			return
		}
		metrics.IncreaseEventsProcessedMetric(string(ev.Type), metrics.EventDeadLettered)
		log.Errorw("event dead-lettered", "error", err)
	default:
		if rerr := o.store.Event().Release(ctx, ev.ID, err); rerr != nil {
			log.Errorw("failed to release event", "error", rerr)
			return
		}
		metrics.IncreaseEventsProcessedMetric(string(ev.Type), metrics.EventReleased)
		log.Warnw("event released for retry", "error", err, "retry_after", o.lease)
	}
}

func (o *Orchestrator) complete(ctx context.Context, ev model.Event, outcome string) {
	if err := o.store.Event().Complete(ctx, ev.ID); err != nil {
		o.log.Errorw("failed to complete event", "event_id", ev.ID, "error", err)
		return
	}
	metrics.IncreaseEventsProcessedMetric(string(ev.Type), outcome)
}

func (o *Orchestrator) dispatchSafe(ctx context.Context, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorw("event handler panicked", "event_id", ev.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return o.dispatch(ctx, ev)
}

func (o *Orchestrator) dispatch(ctx context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventTypeJobSubmitted:
		var payload model.JobSubmittedEvent
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %v", processor.ErrValidation, err)
		}
		h, ok := o.registry.Get(payload.ProcessorID)
		if !ok {
			reason := fmt.Sprintf("%s %d", processor.ErrUnknownProcessor, payload.ProcessorID)
			if err := o.gw.MarkEmptyJobFailed(ctx, payload.JobID, reason); err != nil && !errors.Is(err, processor.ErrInvalidTransition) {
				return err
			}
			return fmt.Errorf("%w: %s", errIgnored, reason)
		}
		return h.HandleJobSubmitted(ctx, o.gw, payload)

	case model.EventTypeTaskFinished:
		var payload model.TaskFinishedEvent
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %v", processor.ErrValidation, err)
		}
		if err := o.gw.MarkTaskFinished(ctx, payload.TaskID); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return err
		}
		h, ok := o.registry.Get(payload.ProcessorID)
		if !ok {
			return fmt.Errorf("%w: %s %d", errIgnored, processor.ErrUnknownProcessor, payload.ProcessorID)
		}
		return h.HandleTaskFinished(ctx, o.gw, payload)

	case model.EventTypeProductAvailable:
		var payload model.ProductAvailableEvent
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %v", processor.ErrValidation, err)
		}
		product, err := o.gw.Product(ctx, payload.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%w: product %d not found", errIgnored, payload.ProductID)
			}
			return err
		}
		var permanent, transient []error
		for _, h := range o.registry.Subscribers(product.ProductType) {
			err := h.HandleProductAvailable(ctx, o.gw, payload)
			switch {
			case err == nil:
			case processor.IsPermanent(err):
				permanent = append(permanent, err)
			default:
				transient = append(transient, err)
			}
		}
		// the event is retried while one subscriber may still succeed
		if len(transient) > 0 {
			for _, err := range permanent {
				o.log.Warnw("subscriber rejected product", "product_id", payload.ProductID, "error", err)
			}
			return errors.Join(transient...)
		}
		return errors.Join(permanent...)

	case model.EventTypeJobCancelled, model.EventTypeJobPaused, model.EventTypeJobResumed:
		return nil

	default:
		return fmt.Errorf("%w: unknown event type %q", processor.ErrValidation, ev.Type)
	}
}
