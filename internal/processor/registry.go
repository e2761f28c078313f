package processor

import (
	"sort"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Registry maps catalog processors to their handlers. It is built once and read only afterwards.
type Registry struct {
	handlers    map[uint]Handler
	processors  map[uint]model.Processor
	subscribers map[model.ProductType][]Handler
}

// NewRegistry builds the handler of every processor with a known short name.
// Processors without a factory are logged and left out.
func NewRegistry(processors []model.Processor, factories map[string]Factory) *Registry {
	r := &Registry{
		handlers:    make(map[uint]Handler),
		processors:  make(map[uint]model.Processor),
		subscribers: make(map[model.ProductType][]Handler),
	}

	sorted := append([]model.Processor{}, processors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, p := range sorted {
		factory, ok := factories[p.ShortName]
		if !ok || factory == nil {
			zap.S().Named("registry").Warnw("no handler for processor, skipping", "processor_id", p.ID, "processor", p.ShortName)
			continue
		}
		h := factory(p)
		r.handlers[p.ID] = h
		r.processors[p.ID] = p

		sub, ok := h.(ProductSubscriber)
		if !ok {
			continue
		}
		for _, t := range sub.SubscribedProductTypes() {
			if funk.Contains(r.subscribers[t], h) {
				continue
			}
			r.subscribers[t] = append(r.subscribers[t], h)
		}
	}

	zap.S().Named("registry").Infow("handlers registered", "count", len(r.handlers))
	return r
}

func (r *Registry) Get(processorID uint) (Handler, bool) {
	h, ok := r.handlers[processorID]
	return h, ok
}

func (r *Registry) Processor(processorID uint) (model.Processor, bool) {
	p, ok := r.processors[processorID]
	return p, ok
}

// Subscribers returns the handlers interested in products of type t, ordered by processor id.
func (r *Registry) Subscribers(t model.ProductType) []Handler {
	return append([]Handler{}, r.subscribers[t]...)
}

// Processors returns the registered processors ordered by id.
func (r *Registry) Processors() []model.Processor {
	ps := make([]model.Processor, 0, len(r.processors))
	for _, p := range r.processors {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}
