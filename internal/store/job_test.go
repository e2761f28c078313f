package store_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	st "github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

var _ = Describe("job store", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
	)

	BeforeAll(func() {
		store, gormDB = openTestDB()
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	newJob := func() *model.Job {
		job, err := store.Job().Create(context.TODO(), model.Job{
			Name:        "composite",
			ProcessorID: 1,
			SiteID:      2,
			StartType:   model.JobStartRequested,
			Parameters:  `{"general_params":{"task_name":"composite"}}`,
			ConfigOverrides: []model.JobConfigOverride{
				{Key: "processor.l3a.synth_radius", Value: "20"},
			},
		})
		Expect(err).To(BeNil())
		return job
	}

	Context("jobs", func() {
		It("creates a job with its config overrides", func() {
			job := newJob()

			got, err := store.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.Status).To(Equal(model.JobStatusSubmitted))
			Expect(got.Overrides()).To(HaveKeyWithValue("processor.l3a.synth_radius", "20"))
		})

		It("returns ErrRecordNotFound for a missing job", func() {
			_, err := store.Job().Get(context.TODO(), 42)
			Expect(errors.Is(err, st.ErrRecordNotFound)).To(BeTrue())
		})

		It("updates the status only from the given sources", func() {
			job := newJob()

			updated, err := store.Job().UpdateStatus(context.TODO(), job.ID, []model.JobStatus{model.JobStatusSubmitted}, model.JobStatusRunning, "")
			Expect(err).To(BeNil())
			Expect(updated.Status).To(Equal(model.JobStatusRunning))

			current, err := store.Job().UpdateStatus(context.TODO(), job.ID, []model.JobStatus{model.JobStatusPaused}, model.JobStatusRunning, "")
			Expect(errors.Is(err, st.ErrInvalidTransition)).To(BeTrue())
			Expect(current.Status).To(Equal(model.JobStatusRunning))
		})

		It("records the status reason", func() {
			job := newJob()

			updated, err := store.Job().UpdateStatus(context.TODO(), job.ID, []model.JobStatus{model.JobStatusSubmitted}, model.JobStatusFailed, model.ReasonEmptyJob)
			Expect(err).To(BeNil())
			Expect(updated.IsEmptyFailure()).To(BeTrue())
		})

		It("lists jobs with a filter", func() {
			first := newJob()
			newJob()
			_, err := store.Job().UpdateStatus(context.TODO(), first.ID, []model.JobStatus{model.JobStatusSubmitted}, model.JobStatusCancelled, "")
			Expect(err).To(BeNil())

			jobs, err := store.Job().List(context.TODO(), st.NewJobQueryFilter().ByStatus(model.JobStatusCancelled), nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ID).To(Equal(first.ID))

			jobs, err = store.Job().List(context.TODO(), st.NewJobQueryFilter().BySite(2), st.NewJobQueryOptions().WithSortOrder(st.SortByID).WithLimit(1))
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
		})
	})

	Context("tasks", func() {
		It("resolves batch indices into the inserted identities", func() {
			job := newJob()

			// a -> b, a -> c, (b, c) -> end
			ids, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{
				{Module: "a"},
				{Module: "b", Parents: []int{0}},
				{Module: "c", Parents: []int{0}},
				{Module: "end-of-job", Barrier: true, Parents: []int{1, 2}},
			})
			Expect(err).To(BeNil())
			Expect(ids).To(HaveLen(4))

			unique := map[uint]bool{}
			for _, id := range ids {
				unique[id] = true
			}
			Expect(unique).To(HaveLen(4))

			tasks, err := store.Task().ListByJob(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(tasks).To(HaveLen(4))
			for _, t := range tasks {
				for _, p := range t.ParentIDs() {
					Expect(unique).To(HaveKey(p))
				}
			}
			Expect(tasks[3].Barrier).To(BeTrue())
			Expect(tasks[3].ParentIDs()).To(ConsistOf(ids[1], ids[2]))
			Expect(tasks[1].ParentIDs()).To(ConsistOf(ids[0]))
		})

		It("continues positions on a second batch", func() {
			job := newJob()
			_, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{{Module: "a"}})
			Expect(err).To(BeNil())
			ids, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{{Module: "b"}})
			Expect(err).To(BeNil())

			task, err := store.Task().Get(context.TODO(), ids[0])
			Expect(err).To(BeNil())
			Expect(task.Position).To(Equal(1))
		})

		It("rejects a forward parent reference and inserts nothing", func() {
			job := newJob()
			_, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{
				{Module: "a", Parents: []int{1}},
				{Module: "b"},
			})
			Expect(errors.Is(err, st.ErrInvalidBatch)).To(BeTrue())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) FROM tasks").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("rolls back the whole batch with the enclosing transaction", func() {
			job := newJob()
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Task().CreateBatch(ctx, job.ID, []st.NewTask{{Module: "a"}, {Module: "b", Parents: []int{0}}})
			Expect(err).To(BeNil())
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())

			count := 0
			Expect(gormDB.Raw("SELECT COUNT(*) FROM task_parents").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("moves open tasks of a job", func() {
			job := newJob()
			ids, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{{Module: "a"}, {Module: "b"}})
			Expect(err).To(BeNil())
			Expect(store.Task().UpdateStatus(context.TODO(), ids[0], []model.TaskStatus{model.TaskStatusSubmitted}, model.TaskStatusFinished)).To(BeNil())

			n, err := store.Task().UpdateStatusByJob(context.TODO(), job.ID,
				[]model.TaskStatus{model.TaskStatusSubmitted, model.TaskStatusRunning}, model.TaskStatusCancelled)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(int64(1)))

			err = store.Task().UpdateStatus(context.TODO(), ids[0], []model.TaskStatus{model.TaskStatusSubmitted}, model.TaskStatusFinished)
			Expect(errors.Is(err, st.ErrInvalidTransition)).To(BeTrue())
		})
	})

	Context("steps", func() {
		It("inserts steps for resolved tasks", func() {
			job := newJob()
			ids, err := store.Task().CreateBatch(context.TODO(), job.ID, []st.NewTask{{Module: "a"}})
			Expect(err).To(BeNil())

			step, err := model.NewStep(ids[0], "a", []string{"-in", "/data/in", "-out", "/data/out"})
			Expect(err).To(BeNil())
			_, err = store.Step().CreateBatch(context.TODO(), []model.Step{step})
			Expect(err).To(BeNil())

			steps, err := store.Step().ListByTask(context.TODO(), ids[0])
			Expect(err).To(BeNil())
			Expect(steps).To(HaveLen(1))
			args, err := steps[0].Args()
			Expect(err).To(BeNil())
			Expect(args).To(Equal([]string{"-in", "/data/in", "-out", "/data/out"}))
		})

		It("rejects steps of unknown tasks", func() {
			step, err := model.NewStep(999, "a", nil)
			Expect(err).To(BeNil())
			_, err = store.Step().CreateBatch(context.TODO(), []model.Step{step})
			Expect(errors.Is(err, st.ErrInvalidBatch)).To(BeTrue())
		})
	})
})
