package store_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	st "github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

const seedYAML = `
processors:
  - id: 1
    shortName: l3b
    name: LAI
sites:
  - id: 1
    shortName: site-a
    name: Site A
    enabled: true
seasons:
  - siteId: 1
    name: summer
    startDate: "2021-03-01T00:00:00Z"
    endDate: "2021-09-30T00:00:00Z"
    enabled: true
parameters:
  - key: processor.l3b.generate_models
    value: "0"
  - key: processor.l3b.generate_models
    siteId: 1
    value: "1"
  - key: processor.l3a.half_synthesis
    value: "25"
scheduledTasks:
  - name: LAI site-a
    processorId: 1
    siteId: 1
    repeatType: cyclic
    repeatAfterDays: 10
    firstRunTime: "2021-04-01T00:00:00Z"
    enabled: true
`

var _ = Describe("catalog store", Ordered, func() {
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

	loadSeed := func() st.Seed {
		path := filepath.Join(GinkgoT().TempDir(), "seed.yaml")
		Expect(os.WriteFile(path, []byte(seedYAML), 0o600)).To(Succeed())
		seed, err := st.LoadSeed(path)
		Expect(err).To(BeNil())
		return seed
	}

	It("seeds the catalog from a yaml file", func() {
		Expect(store.Seed(context.TODO(), loadSeed())).To(Succeed())

		p, err := store.Catalog().GetProcessorByName(context.TODO(), "l3b")
		Expect(err).To(BeNil())
		Expect(p.ID).To(Equal(uint(1)))

		seasons, err := store.Catalog().Seasons(context.TODO(), 1)
		Expect(err).To(BeNil())
		Expect(seasons).To(HaveLen(1))
		Expect(seasons[0].Contains(time.Date(2021, time.June, 1, 0, 0, 0, 0, time.UTC))).To(BeTrue())

		tasks, err := store.Schedule().List(context.TODO(), st.NewScheduledTaskQueryFilter())
		Expect(err).To(BeNil())
		Expect(tasks).To(HaveLen(1))
		Expect(tasks[0].NextScheduleTime.UTC()).To(Equal(time.Date(2021, time.April, 1, 0, 0, 0, 0, time.UTC)))
	})

	It("seeding twice keeps a single parameter value per key and site", func() {
		seed := loadSeed()
		seed.ScheduledTasks = nil
		Expect(store.Seed(context.TODO(), seed)).To(Succeed())
		Expect(store.Seed(context.TODO(), seed)).To(Succeed())

		count := 0
		Expect(gormDB.Raw("SELECT COUNT(*) FROM config_parameters").Scan(&count).Error).To(BeNil())
		Expect(count).To(Equal(3))
	})

	It("resolves site parameters over global ones", func() {
		Expect(store.Seed(context.TODO(), loadSeed())).To(Succeed())
		siteID := uint(1)

		params, err := store.Catalog().Parameters(context.TODO(), &siteID, "processor.l3b.")
		Expect(err).To(BeNil())
		Expect(params).To(Equal(map[string]string{"processor.l3b.generate_models": "1"}))

		params, err = store.Catalog().Parameters(context.TODO(), nil, "processor.l3b.")
		Expect(err).To(BeNil())
		Expect(params).To(Equal(map[string]string{"processor.l3b.generate_models": "0"}))
	})

	It("treats the prefix literally", func() {
		Expect(store.Catalog().SetParameter(context.TODO(), "processor.l3a.half_synthesis", nil, "25")).To(Succeed())
		Expect(store.Catalog().SetParameter(context.TODO(), "processor.l3a.halfXsynthesis", nil, "1")).To(Succeed())

		params, err := store.Catalog().Parameters(context.TODO(), nil, "processor.l3a.half_")
		Expect(err).To(BeNil())
		Expect(params).To(Equal(map[string]string{"processor.l3a.half_synthesis": "25"}))
	})

	It("reports unknown catalog entries", func() {
		_, err := store.Catalog().GetSite(context.TODO(), 42)
		Expect(err).To(MatchError(st.ErrRecordNotFound))
	})
})

var _ = Describe("schedule store", Ordered, func() {
	var (
		store  st.Store
		gormDB *gorm.DB
		now    = time.Date(2021, time.April, 15, 0, 0, 0, 0, time.UTC)
	)

	BeforeAll(func() {
		store, gormDB = openTestDB()
	})

	AfterEach(func() {
		cleanTables(gormDB)
	})

	add := func(name string, first time.Time, enabled bool) *model.ScheduledTask {
		task, err := store.Schedule().Upsert(context.TODO(), model.ScheduledTask{
			Name:            name,
			ProcessorID:     1,
			SiteID:          1,
			RepeatType:      model.RepeatCyclic,
			RepeatAfterDays: 1,
			FirstRunTime:    first,
			Enabled:         enabled,
		})
		Expect(err).To(BeNil())
		return task
	}

	It("lists the enabled tasks that are due, oldest first", func() {
		add("late", now.Add(-time.Hour), true)
		add("later", now.Add(-2*time.Hour), true)
		add("disabled", now.Add(-time.Hour), false)
		add("future", now.Add(time.Hour), true)

		tasks, err := store.Schedule().List(context.TODO(), st.NewScheduledTaskQueryFilter().Enabled().DueAt(now))
		Expect(err).To(BeNil())
		Expect(tasks).To(HaveLen(2))
		Expect(tasks[0].Name).To(Equal("later"))
		Expect(tasks[1].Name).To(Equal("late"))
	})

	It("updates the scheduling state only", func() {
		task := add("lai", now, true)
		jobID := uint(7)
		task.Name = "renamed"
		task.NextScheduleTime = now.AddDate(0, 0, 1)
		task.LastJobID = &jobID
		Expect(store.Schedule().Update(context.TODO(), *task)).To(Succeed())

		stored, err := store.Schedule().Get(context.TODO(), task.ID)
		Expect(err).To(BeNil())
		Expect(stored.Name).To(Equal("lai"))
		Expect(stored.NextScheduleTime.UTC()).To(Equal(now.AddDate(0, 0, 1)))
		Expect(*stored.LastJobID).To(Equal(jobID))
	})

	It("fails to update an unknown task", func() {
		err := store.Schedule().Update(context.TODO(), model.ScheduledTask{ID: 99})
		Expect(err).To(MatchError(st.ErrRecordNotFound))
	})
})
