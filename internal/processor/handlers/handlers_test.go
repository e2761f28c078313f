package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/processor/handlers"
	st "github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

// staleJobs never sees existing jobs, like a consumer racing another one.
type staleJobs struct {
	*processor.Gateway
}

func (staleJobs) FindJobs(context.Context, uint, uint, string) (model.JobList, error) {
	return nil, nil
}

var _ = Describe("handlers", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
		gw     *processor.Gateway
		outDir string
		site   *model.Site
		procs  map[string]model.Processor
	)

	BeforeAll(func() {
		store, gormDB = openTestDB()
	})

	BeforeEach(func() {
		gw = processor.NewGateway(store, processor.WithScratchRoot(GinkgoT().TempDir()))
		outDir = GinkgoT().TempDir()

		var err error
		site, err = store.Catalog().UpsertSite(context.TODO(), model.Site{ShortName: "site-a", Name: "Site A", Enabled: true})
		Expect(err).To(BeNil())
		_, err = store.Catalog().UpsertSeason(context.TODO(), model.Season{
			SiteID:    site.ID,
			Name:      "2021",
			StartDate: time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2021, time.October, 31, 0, 0, 0, 0, time.UTC),
			Enabled:   true,
		})
		Expect(err).To(BeNil())

		procs = map[string]model.Processor{}
		for _, name := range []string{handlers.CompositeName, handlers.LAIName, handlers.CropMaskName, handlers.MarkersName} {
			p, err := store.Catalog().UpsertProcessor(context.TODO(), model.Processor{ShortName: name, Name: name})
			Expect(err).To(BeNil())
			procs[name] = *p
			Expect(store.Catalog().SetParameter(context.TODO(), fmt.Sprintf("processor.%s.output_path", name), nil, filepath.Join(outDir, name))).To(BeNil())
		}
		Expect(store.Catalog().SetParameter(context.TODO(), "processor.l4a.reference_data", nil, filepath.Join(outDir, "reference", "insitu.shp"))).To(BeNil())
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	addProduct := func(t model.ProductType, path string, created time.Time) *model.Product {
		p, _, err := gw.InsertProduct(context.TODO(), model.Product{
			ProductType: t,
			SiteID:      site.ID,
			FullPath:    path,
			Name:        filepath.Base(path),
			CreatedAt:   created,
		})
		Expect(err).To(BeNil())
		return p
	}

	submitJob := func(processorName string, inputs ...string) *model.Job {
		env := processor.JobEnvelope{GeneralParams: processor.GeneralParams{TaskName: processorName, TaskType: processor.TaskTypeRequested}}
		if len(inputs) > 0 {
			env.SetInputProducts(inputs)
		}
		job, err := gw.SubmitJob(context.TODO(), model.Job{
			Name:        processorName,
			ProcessorID: procs[processorName].ID,
			SiteID:      site.ID,
			StartType:   model.JobStartRequested,
			Parameters:  env.String(),
		})
		Expect(err).To(BeNil())
		return job
	}

	submitted := func(job *model.Job) model.JobSubmittedEvent {
		return model.JobSubmittedEvent{JobID: job.ID, SiteID: job.SiteID, ProcessorID: job.ProcessorID, ParametersJSON: job.Parameters}
	}

	finished := func(job *model.Job, task model.Task) model.TaskFinishedEvent {
		return model.TaskFinishedEvent{JobID: job.ID, TaskID: task.ID, SiteID: job.SiteID, ProcessorID: job.ProcessorID, Module: task.Module}
	}

	tasksOf := func(job *model.Job, module string) []model.Task {
		tasks, err := gw.Tasks(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		out := []model.Task{}
		for _, t := range tasks {
			if t.Module == module {
				out = append(out, t)
			}
		}
		return out
	}

	outputOf := func(task model.Task) string {
		steps, err := gw.Steps(context.TODO(), task.ID)
		Expect(err).To(BeNil())
		Expect(steps).To(HaveLen(1))
		args, err := steps[0].Args()
		Expect(err).To(BeNil())
		Expect(len(args)).To(BeNumerically(">=", 2))
		Expect(args[len(args)-2]).To(Equal("-out"))
		return args[len(args)-1]
	}

	jobStatus := func(job *model.Job) *model.Job {
		got, err := gw.Job(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		return got
	}

	productsOf := func(job *model.Job) model.ProductList {
		jobID := job.ID
		products, err := gw.Products(context.TODO(), processor.ProductQuery{JobID: &jobID})
		Expect(err).To(BeNil())
		return products
	}

	Context("lai", func() {
		var h processor.Handler

		BeforeEach(func() {
			h = handlers.NewLAI(procs[handlers.LAIName])
		})

		It("builds one chain per input joined by the end of job barrier", func() {
			job := submitJob(handlers.LAIName, "/data/l2a/A", "/data/l2a/B")
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())
			Expect(jobStatus(job).Status).To(Equal(model.JobStatusRunning))

			tasks, err := gw.Tasks(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(HaveLen(7))

			formatters := tasksOf(job, handlers.ModuleLAIFormatter)
			end := tasksOf(job, processor.EndOfJobModule)
			Expect(end).To(HaveLen(1))
			Expect(end[0].ParentIDs()).To(ConsistOf(formatters[0].ID, formatters[1].ID))
			Expect(outputOf(formatters[0])).To(HavePrefix(filepath.Join(outDir, handlers.LAIName)))

			// a second delivery of the same event changes nothing
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())
			tasks, err = gw.Tasks(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(HaveLen(7))
		})

		It("registers each output once with its provenance", func() {
			l2a := addProduct(model.ProductTypeL2A, "/data/l2a/A", time.Now().UTC())
			job := submitJob(handlers.LAIName, l2a.FullPath)
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())

			formatter := tasksOf(job, handlers.ModuleLAIFormatter)[0]
			writeProduct(outputOf(formatter), "LAI.TIF")

			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatter))).To(BeNil())
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatter))).To(BeNil())

			products := productsOf(job)
			Expect(products).To(HaveLen(1))
			Expect(products[0].ProductType).To(Equal(model.ProductTypeLAI))
			Expect(products[0].ParentIDs()).To(Equal([]uint{l2a.ID}))

			end := tasksOf(job, processor.EndOfJobModule)[0]
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, end))).To(BeNil())
			Expect(jobStatus(job).Status).To(Equal(model.JobStatusFinished))
		})

		It("fails the job when the output is missing", func() {
			job := submitJob(handlers.LAIName, "/data/l2a/A")
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())

			formatter := tasksOf(job, handlers.ModuleLAIFormatter)[0]
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatter))).To(BeNil())
			Expect(jobStatus(job).Status).To(Equal(model.JobStatusFailed))
			Expect(productsOf(job)).To(BeEmpty())
		})

		It("keeps a cancelled job cancelled when a late branch finishes", func() {
			job := submitJob(handlers.LAIName, "/data/l2a/A", "/data/l2a/B", "/data/l2a/C")
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())

			formatters := tasksOf(job, handlers.ModuleLAIFormatter)
			Expect(formatters).To(HaveLen(3))
			for _, f := range formatters {
				writeProduct(outputOf(f), "LAI.TIF")
			}

			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatters[0]))).To(BeNil())
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatters[1]))).To(BeNil())
			Expect(gw.MarkJobCancelled(context.TODO(), job.ID)).To(BeNil())

			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatters[2]))).To(BeNil())
			end := tasksOf(job, processor.EndOfJobModule)[0]
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, end))).To(BeNil())

			Expect(jobStatus(job).Status).To(Equal(model.JobStatusCancelled))
			Expect(productsOf(job)).To(HaveLen(2))
		})

		It("never leaves an invalid job submitted", func() {
			noInputs := submitJob(handlers.LAIName)
			err := h.HandleJobSubmitted(context.TODO(), gw, submitted(noInputs))
			Expect(errors.Is(err, processor.ErrValidation)).To(BeTrue())
			Expect(jobStatus(noInputs).IsEmptyFailure()).To(BeTrue())

			Expect(gormDB.Exec("DELETE FROM config_parameters WHERE key = ?", "processor.l3b.output_path").Error).To(BeNil())
			noOutput := submitJob(handlers.LAIName, "/data/l2a/A")
			err = h.HandleJobSubmitted(context.TODO(), gw, submitted(noOutput))
			Expect(errors.Is(err, processor.ErrValidation)).To(BeTrue())
			Expect(jobStatus(noOutput).IsEmptyFailure()).To(BeTrue())

			tasks, err := gw.Tasks(context.TODO(), noOutput.ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(BeEmpty())
		})

		It("waits for l2a products in the look-back window", func() {
			req := processor.ScheduleRequest{SiteID: site.ID, ScheduledAt: time.Date(2021, time.April, 15, 0, 0, 0, 0, time.UTC)}

			def, err := h.GetProcessingDefinition(context.TODO(), gw, req)
			Expect(err).To(BeNil())
			Expect(def.ShouldRetry()).To(BeTrue())

			addProduct(model.ProductTypeL2A, "/data/l2a/old", time.Date(2021, time.March, 20, 0, 0, 0, 0, time.UTC))
			addProduct(model.ProductTypeL2A, "/data/l2a/recent", time.Date(2021, time.April, 10, 0, 0, 0, 0, time.UTC))
			def, err = h.GetProcessingDefinition(context.TODO(), gw, req)
			Expect(err).To(BeNil())
			Expect(def.IsValid).To(BeTrue())
			Expect(def.Flags).To(Equal(processor.SchedulingFlagNone))
			Expect(def.ProductList).To(Equal([]string{"/data/l2a/recent"}))
		})
	})

	Context("composite", func() {
		It("folds the inputs one after the other", func() {
			h := handlers.NewComposite(procs[handlers.CompositeName])
			job := submitJob(handlers.CompositeName, "/data/l2a/A", "/data/l2a/B", "/data/l2a/C")
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())

			tasks, err := gw.Tasks(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(HaveLen(8))

			updates := tasksOf(job, handlers.ModuleCompositeUpdate)
			pre := tasksOf(job, handlers.ModuleCompositePreprocessing)
			Expect(updates[1].ParentIDs()).To(ConsistOf(pre[1].ID, updates[0].ID))
			Expect(pre[2].ParentIDs()).To(ConsistOf(updates[1].ID))

			formatter := tasksOf(job, handlers.ModuleCompositeFormatter)[0]
			Expect(formatter.ParentIDs()).To(ConsistOf(updates[2].ID))
			Expect(tasksOf(job, processor.EndOfJobModule)[0].ParentIDs()).To(ConsistOf(formatter.ID))

			writeProduct(outputOf(formatter), "COMPOSITE.TIF")
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, formatter))).To(BeNil())
			Expect(productsOf(job)).To(HaveLen(1))
		})
	})

	Context("crop mask", func() {
		var h processor.Handler

		BeforeEach(func() {
			h = handlers.NewCropMask(procs[handlers.CropMaskName])
		})

		It("requires reference data", func() {
			Expect(gormDB.Exec("DELETE FROM config_parameters WHERE key = ?", "processor.l4a.reference_data").Error).To(BeNil())
			job := submitJob(handlers.CropMaskName, "/data/l2a/A")

			err := h.HandleJobSubmitted(context.TODO(), gw, submitted(job))
			Expect(errors.Is(err, processor.ErrValidation)).To(BeTrue())
			Expect(jobStatus(job).IsEmptyFailure()).To(BeTrue())
		})

		It("asks for input when the reference data is not reachable", func() {
			job := submitJob(handlers.CropMaskName, "/data/l2a/A")
			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(job))).To(BeNil())

			features := tasksOf(job, handlers.ModuleCropMaskFeatures)[0]
			Expect(h.HandleTaskFinished(context.TODO(), gw, finished(job, features))).To(BeNil())

			got := jobStatus(job)
			Expect(got.Status).To(Equal(model.JobStatusNeedsInput))
			Expect(got.StatusReason).To(ContainSubstring("insitu.shp"))
		})
	})

	Context("markers", func() {
		It("triggers one job per new lai product", func() {
			h := handlers.NewMarkers(procs[handlers.MarkersName])
			lai := addProduct(model.ProductTypeLAI, "/data/l3b/LAI_1", time.Now().UTC())
			l2a := addProduct(model.ProductTypeL2A, "/data/l2a/A", time.Now().UTC())

			Expect(h.HandleProductAvailable(context.TODO(), gw, model.ProductAvailableEvent{ProductID: lai.ID})).To(BeNil())
			Expect(h.HandleProductAvailable(context.TODO(), gw, model.ProductAvailableEvent{ProductID: lai.ID})).To(BeNil())
			Expect(h.HandleProductAvailable(context.TODO(), gw, model.ProductAvailableEvent{ProductID: l2a.ID})).To(BeNil())

			jobs, err := gw.FindJobs(context.TODO(), procs[handlers.MarkersName].ID, site.ID, "")
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].StartType).To(Equal(model.JobStartTriggered))

			env, err := processor.ParseEnvelope(jobs[0].Parameters)
			Expect(err).To(BeNil())
			Expect(env.InputProducts()).To(Equal([]string{lai.FullPath}))

			Expect(h.HandleJobSubmitted(context.TODO(), gw, submitted(&jobs[0]))).To(BeNil())
			tasks, err := gw.Tasks(context.TODO(), jobs[0].ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(HaveLen(3))
		})
	})

	Context("markers with a stale view of the jobs", func() {
		It("triggers a single job when two deliveries race", func() {
			h := handlers.NewMarkers(procs[handlers.MarkersName])
			lai := addProduct(model.ProductTypeLAI, "/data/l3b/LAI_2", time.Now().UTC())
			stale := staleJobs{gw}

			Expect(h.HandleProductAvailable(context.TODO(), stale, model.ProductAvailableEvent{ProductID: lai.ID})).To(BeNil())
			Expect(h.HandleProductAvailable(context.TODO(), stale, model.ProductAvailableEvent{ProductID: lai.ID})).To(BeNil())

			jobs, err := gw.FindJobs(context.TODO(), procs[handlers.MarkersName].ID, site.ID, "")
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})
	})

	Context("factories", func() {
		It("registers every pipeline and routes lai products to markers", func() {
			catalog := []model.Processor{}
			for _, p := range procs {
				catalog = append(catalog, p)
			}
			catalog = append(catalog, model.Processor{ID: 999, ShortName: "l2a-import"})

			r := processor.NewRegistry(catalog, handlers.Factories())
			Expect(r.Processors()).To(HaveLen(4))
			_, ok := r.Get(999)
			Expect(ok).To(BeFalse())

			subscribers := r.Subscribers(model.ProductTypeLAI)
			Expect(subscribers).To(HaveLen(1))
			Expect(subscribers[0]).To(BeAssignableToTypeOf(&handlers.Markers{}))
		})
	})
})
