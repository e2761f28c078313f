package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sen2agri/orchestrator/internal/orchestrator"
	"github.com/sen2agri/orchestrator/internal/processor"
	st "github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type recordingHandler struct {
	processor.BaseHandler

	mu        sync.Mutex
	submitted []uint
	finished  []uint
	products  []uint
	types     []model.ProductType
	err       error
	panics    bool
}

func (h *recordingHandler) SubscribedProductTypes() []model.ProductType {
	return h.types
}

func (h *recordingHandler) HandleJobSubmitted(_ context.Context, _ processor.EventProcessingContext, ev model.JobSubmittedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	h.submitted = append(h.submitted, ev.JobID)
	return h.err
}

func (h *recordingHandler) HandleTaskFinished(_ context.Context, _ processor.EventProcessingContext, ev model.TaskFinishedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, ev.TaskID)
	return h.err
}

func (h *recordingHandler) HandleProductAvailable(_ context.Context, _ processor.EventProcessingContext, ev model.ProductAvailableEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.products = append(h.products, ev.ProductID)
	return h.err
}

func (h *recordingHandler) GetProcessingDefinition(context.Context, processor.SchedulingContext, processor.ScheduleRequest) (processor.ProcessingDefinition, error) {
	return processor.Invalid(), nil
}

func (h *recordingHandler) submittedJobs() []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint{}, h.submitted...)
}

var _ = Describe("orchestrator", Ordered, func() {
	var (
		s       st.Store
		gormdb  *gorm.DB
		gw      *processor.Gateway
		handler *recordingHandler
		known   *model.Processor
		orphan  *model.Processor
		site    *model.Site
	)

	BeforeAll(func() {
		s, gormdb = openTestDB()
	})

	BeforeEach(func() {
		for _, table := range []string{"events", "steps", "task_parents", "tasks", "product_provenances", "products", "job_config_overrides", "jobs", "sites", "processors"} {
			Expect(gormdb.Exec("DELETE FROM " + table).Error).To(BeNil())
		}

		var err error
		known, err = s.Catalog().UpsertProcessor(context.TODO(), model.Processor{ShortName: "l3b", Name: "LAI"})
		Expect(err).To(BeNil())
		orphan, err = s.Catalog().UpsertProcessor(context.TODO(), model.Processor{ShortName: "retired", Name: "Retired"})
		Expect(err).To(BeNil())
		site, err = s.Catalog().UpsertSite(context.TODO(), model.Site{ShortName: "site-a", Name: "Site A", Enabled: true})
		Expect(err).To(BeNil())

		gw = processor.NewGateway(s, processor.WithScratchRoot(GinkgoT().TempDir()))
		handler = &recordingHandler{
			BaseHandler: processor.NewBaseHandler(*known),
			types:       []model.ProductType{model.ProductTypeL2A},
		}
	})

	newOrchestrator := func(opts ...orchestrator.Option) *orchestrator.Orchestrator {
		registry := processor.NewRegistry([]model.Processor{*known, *orphan}, map[string]processor.Factory{
			"l3b": func(model.Processor) processor.Handler { return handler },
		})
		return orchestrator.New(s, registry, gw, opts...)
	}

	submitJob := func(p *model.Processor) *model.Job {
		job, err := gw.SubmitJob(context.TODO(), model.Job{
			Name:        fmt.Sprintf("%s-job", p.ShortName),
			ProcessorID: p.ID,
			SiteID:      site.ID,
			StartType:   model.JobStartRequested,
			Parameters:  "{}",
		})
		Expect(err).To(BeNil())
		return job
	}

	events := func() []model.Event {
		var list []model.Event
		Expect(gormdb.Order("id").Find(&list).Error).To(BeNil())
		return list
	}

	It("dispatches a submitted job to the handler of its processor", func() {
		job := submitJob(known)

		n, err := newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())
		Expect(n).To(Equal(1))

		Expect(handler.submittedJobs()).To(Equal([]uint{job.ID}))
		list := events()
		Expect(list).To(HaveLen(1))
		Expect(list[0].IsCompleted()).To(BeTrue())
		Expect(list[0].LastError).To(BeEmpty())
	})

	It("releases the event when the handler fails", func() {
		handler.err = errors.New("database is busy")
		submitJob(known)

		_, err := newOrchestrator(orchestrator.WithMaxAttempts(5)).ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		list := events()
		Expect(list[0].IsCompleted()).To(BeFalse())
		Expect(list[0].ClaimedBy).To(BeEmpty())
		Expect(list[0].Attempts).To(Equal(1))
		Expect(list[0].LastError).To(ContainSubstring("database is busy"))
	})

	It("dead-letters the event once the attempts are exhausted", func() {
		handler.err = errors.New("database is busy")
		submitJob(known)

		_, err := newOrchestrator(orchestrator.WithMaxAttempts(1)).ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		list := events()
		Expect(list[0].IsCompleted()).To(BeTrue())
		Expect(list[0].LastError).To(ContainSubstring("database is busy"))
	})

	It("dead-letters permanent errors at the first attempt", func() {
		handler.err = fmt.Errorf("%w: no input products", processor.ErrValidation)
		submitJob(known)

		_, err := newOrchestrator(orchestrator.WithMaxAttempts(5)).ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		list := events()
		Expect(list[0].IsCompleted()).To(BeTrue())
		Expect(list[0].LastError).To(ContainSubstring("no input products"))
	})

	It("survives a panicking handler", func() {
		handler.panics = true
		submitJob(known)

		o := newOrchestrator()
		Expect(func() { _, _ = o.ProcessPending(context.TODO()) }).NotTo(Panic())

		list := events()
		Expect(list[0].IsCompleted()).To(BeFalse())
		Expect(list[0].LastError).To(ContainSubstring("boom"))
	})

	It("fails jobs of processors without a handler", func() {
		job := submitJob(orphan)

		_, err := newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		stored, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(stored.IsEmptyFailure()).To(BeTrue())
		Expect(events()[0].IsCompleted()).To(BeTrue())
		Expect(handler.submittedJobs()).To(BeEmpty())
	})

	It("marks the task finished before notifying the handler", func() {
		job := submitJob(known)
		Expect(s.Event().Complete(context.TODO(), events()[0].ID)).To(Succeed())

		ids, err := gw.SubmitTasks(context.TODO(), job.ID, []st.NewTask{{Module: "lai-processor"}})
		Expect(err).To(BeNil())

		ev, err := model.NewEvent(model.EventTypeTaskFinished, model.TaskFinishedEvent{
			JobID:       job.ID,
			TaskID:      ids[0],
			SiteID:      site.ID,
			ProcessorID: known.ID,
			Module:      "lai-processor",
		})
		Expect(err).To(BeNil())
		_, err = s.Event().Create(context.TODO(), ev)
		Expect(err).To(BeNil())

		_, err = newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		tasks, err := gw.Tasks(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(tasks[0].Status).To(Equal(model.TaskStatusFinished))
		Expect(handler.finished).To(Equal([]uint{ids[0]}))
	})

	It("broadcasts new products to the subscribers of their type", func() {
		product, inserted, err := gw.InsertProduct(context.TODO(), model.Product{
			ProductType: model.ProductTypeL2A,
			SiteID:      site.ID,
			FullPath:    "/data/l2a/S2A_L2A_20210601",
			Name:        "S2A_L2A_20210601",
			CreatedAt:   time.Date(2021, time.June, 1, 0, 0, 0, 0, time.UTC),
		})
		Expect(err).To(BeNil())
		Expect(inserted).To(BeTrue())

		_, err = newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())
		Expect(handler.products).To(Equal([]uint{product.ID}))
		Expect(events()[0].IsCompleted()).To(BeTrue())
	})

	Context("with several subscribers", func() {
		var markers *recordingHandler

		newBroadcaster := func() *orchestrator.Orchestrator {
			other, err := s.Catalog().UpsertProcessor(context.TODO(), model.Processor{ShortName: "s4c_l4c", Name: "Markers"})
			Expect(err).To(BeNil())
			markers = &recordingHandler{
				BaseHandler: processor.NewBaseHandler(*other),
				types:       []model.ProductType{model.ProductTypeL2A},
			}
			registry := processor.NewRegistry([]model.Processor{*known, *other}, map[string]processor.Factory{
				"l3b":     func(model.Processor) processor.Handler { return handler },
				"s4c_l4c": func(model.Processor) processor.Handler { return markers },
			})
			return orchestrator.New(s, registry, gw, orchestrator.WithMaxAttempts(5))
		}

		insertProduct := func() {
			_, _, err := gw.InsertProduct(context.TODO(), model.Product{
				ProductType: model.ProductTypeL2A,
				SiteID:      site.ID,
				FullPath:    "/data/l2a/S2B_L2A_20210621",
				CreatedAt:   time.Date(2021, time.June, 21, 0, 0, 0, 0, time.UTC),
			})
			Expect(err).To(BeNil())
		}

		It("retries a product while one subscriber failed transiently", func() {
			o := newBroadcaster()
			handler.err = errors.New("database is busy")
			markers.err = fmt.Errorf("%w: no reference data", processor.ErrValidation)
			insertProduct()

			_, err := o.ProcessPending(context.TODO())
			Expect(err).To(BeNil())

			list := events()
			Expect(list[0].IsCompleted()).To(BeFalse())
			Expect(list[0].LastError).To(ContainSubstring("database is busy"))
			Expect(list[0].LastError).NotTo(ContainSubstring("no reference data"))
		})

		It("dead-letters a product every failing subscriber rejected", func() {
			o := newBroadcaster()
			handler.err = fmt.Errorf("%w: unknown tile", processor.ErrValidation)
			markers.err = fmt.Errorf("%w: no reference data", processor.ErrValidation)
			insertProduct()

			_, err := o.ProcessPending(context.TODO())
			Expect(err).To(BeNil())

			list := events()
			Expect(list[0].IsCompleted()).To(BeTrue())
			Expect(list[0].LastError).To(ContainSubstring("no reference data"))
		})
	})

	It("does not route products nobody subscribes to", func() {
		handler.types = nil
		_, _, err := gw.InsertProduct(context.TODO(), model.Product{
			ProductType: model.ProductTypeL2A,
			SiteID:      site.ID,
			FullPath:    "/data/l2a/S2A_L2A_20210611",
			CreatedAt:   time.Date(2021, time.June, 11, 0, 0, 0, 0, time.UTC),
		})
		Expect(err).To(BeNil())

		_, err = newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())
		Expect(handler.products).To(BeEmpty())
		Expect(events()[0].IsCompleted()).To(BeTrue())
	})

	It("completes job control events", func() {
		job := submitJob(known)
		_, err := newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())

		Expect(gw.MarkJobRunning(context.TODO(), job.ID)).To(Succeed())
		Expect(gw.MarkJobCancelled(context.TODO(), job.ID)).To(Succeed())
		ev, err := model.NewEvent(model.EventTypeJobCancelled, model.JobControlEvent{JobID: job.ID})
		Expect(err).To(BeNil())
		_, err = s.Event().Create(context.TODO(), ev)
		Expect(err).To(BeNil())

		_, err = newOrchestrator().ProcessPending(context.TODO())
		Expect(err).To(BeNil())
		for _, e := range events() {
			Expect(e.IsCompleted()).To(BeTrue())
		}
	})

	It("releases its previous claims and wakes up on notify", func() {
		submitJob(known)
		claimed, err := s.Event().Claim(context.TODO(), "worker-1", 10, time.Hour, 5)
		Expect(err).To(BeNil())
		Expect(claimed).To(HaveLen(1))

		o := newOrchestrator(orchestrator.WithConsumerID("worker-1"), orchestrator.WithPollInterval(time.Hour))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- o.Run(ctx) }()

		Eventually(handler.submittedJobs).WithTimeout(5 * time.Second).Should(HaveLen(1))

		second := submitJob(known)
		o.Notify()
		Eventually(handler.submittedJobs).WithTimeout(5 * time.Second).Should(ContainElement(second.ID))

		cancel()
		Eventually(done).WithTimeout(5 * time.Second).Should(Receive(BeNil()))
	})
})
