package processor_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sen2agri/orchestrator/internal/processor"
	st "github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

var _ = Describe("task plan", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
		gw     *processor.Gateway
		job    *model.Job
	)

	BeforeAll(func() {
		store, gormDB = openTestDB()
		gw = processor.NewGateway(store, processor.WithScratchRoot(GinkgoT().TempDir()))
	})

	BeforeEach(func() {
		var err error
		job, err = gw.SubmitJob(context.TODO(), model.Job{Name: "plan", ProcessorID: 1, SiteID: 1, StartType: model.JobStartRequested})
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	It("resolves every reference to a task of the same job", func() {
		plan := processor.NewTaskPlan()
		a := plan.Add("composite-preprocessing")
		b := plan.Add("composite-update", a)
		c := plan.Add("composite-preprocessing")
		d := plan.Add("composite-update", b, c)
		end := plan.Barrier(processor.EndOfJobModule, plan.Terminal()...)
		Expect(plan.Len()).To(Equal(5))

		submitted, err := plan.Submit(context.TODO(), gw, job.ID)
		Expect(err).To(BeNil())

		ids := submitted.IDs(a, b, c, d, end)
		Expect(ids).ToNot(ContainElement(uint(0)))
		seen := map[uint]bool{}
		for _, id := range ids {
			Expect(seen[id]).To(BeFalse())
			seen[id] = true
		}

		tasks, err := gw.Tasks(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(tasks).To(HaveLen(5))
		for _, t := range tasks {
			Expect(t.JobID).To(Equal(job.ID))
			for _, parent := range t.ParentIDs() {
				Expect(seen[parent]).To(BeTrue())
			}
		}
		Expect(tasks[3].ParentIDs()).To(ConsistOf(submitted.ID(b), submitted.ID(c)))
		Expect(tasks[4].ParentIDs()).To(ConsistOf(submitted.ID(d)))
		Expect(tasks[4].Barrier).To(BeTrue())
	})

	It("adds an empty step to barrier tasks", func() {
		plan := processor.NewTaskPlan()
		a := plan.Add("lai-ndvi-rvi")
		end := plan.Barrier(processor.EndOfJobModule, a)

		submitted, err := plan.Submit(context.TODO(), gw, job.ID)
		Expect(err).To(BeNil())

		steps := submitted.Steps()
		steps.Add(submitted.ID(a), "lai-ndvi-rvi", "-in", "/data/l2a", "-out", "/data/out.tif")
		Expect(steps.Len()).To(Equal(2))
		Expect(steps.Submit(context.TODO(), gw)).To(BeNil())

		barrierSteps, err := gw.Steps(context.TODO(), submitted.ID(end))
		Expect(err).To(BeNil())
		Expect(barrierSteps).To(HaveLen(1))
		args, err := barrierSteps[0].Args()
		Expect(err).To(BeNil())
		Expect(args).To(BeEmpty())

		workSteps, err := gw.Steps(context.TODO(), submitted.ID(a))
		Expect(err).To(BeNil())
		Expect(workSteps).To(HaveLen(1))
		args, err = workSteps[0].Args()
		Expect(err).To(BeNil())
		Expect(args).To(Equal([]string{"-in", "/data/l2a", "-out", "/data/out.tif"}))
	})

	It("rejects references to another plan", func() {
		other := processor.NewTaskPlan()
		foreign := other.Add("composite-preprocessing")

		plan := processor.NewTaskPlan()
		plan.Add("composite-update", foreign)

		_, err := plan.Submit(context.TODO(), gw, job.ID)
		Expect(errors.Is(err, processor.ErrInvalidPlan)).To(BeTrue())

		tasks, err := gw.Tasks(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(tasks).To(BeEmpty())
	})

	It("rejects an empty plan or a zero reference", func() {
		_, err := processor.NewTaskPlan().Submit(context.TODO(), gw, job.ID)
		Expect(errors.Is(err, processor.ErrInvalidPlan)).To(BeTrue())

		plan := processor.NewTaskPlan()
		plan.Add("composite-update", processor.TaskRef{})
		_, err = plan.Submit(context.TODO(), gw, job.ID)
		Expect(errors.Is(err, processor.ErrInvalidPlan)).To(BeTrue())
	})

	It("rejects steps without a task", func() {
		err := processor.NewStepBatch().Add(0, "lai-processor").Submit(context.TODO(), gw)
		Expect(errors.Is(err, processor.ErrInvalidPlan)).To(BeTrue())
	})

	It("lists terminal tasks", func() {
		plan := processor.NewTaskPlan()
		a := plan.Add("features")
		b := plan.Add("training", a)
		c := plan.Add("quality")
		Expect(plan.Terminal()).To(HaveLen(2))

		submitted, err := plan.Submit(context.TODO(), gw, job.ID)
		Expect(err).To(BeNil())
		Expect(submitted.IDs(plan.Terminal()...)).To(Equal(submitted.IDs(b, c)))
	})
})
