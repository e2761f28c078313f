package store

import (
	"context"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Task() Task
	Step() Step
	Product() Product
	Event() Event
	Catalog() Catalog
	Schedule() Schedule
	InitialMigration(ctx context.Context) error
	Seed(ctx context.Context, seed Seed) error
	Statistics(ctx context.Context) (model.JobStats, error)
	Close() error
}

type DataStore struct {
	db       *gorm.DB
	job      Job
	task     Task
	step     Step
	product  Product
	event    Event
	catalog  Catalog
	schedule Schedule
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:       db,
		job:      NewJobStore(db),
		task:     NewTaskStore(db),
		step:     NewStepStore(db),
		product:  NewProductStore(db),
		event:    NewEventStore(db),
		catalog:  NewCatalogStore(db),
		schedule: NewScheduleStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Task() Task {
	return s.task
}

func (s *DataStore) Step() Step {
	return s.step
}

func (s *DataStore) Product() Product {
	return s.product
}

func (s *DataStore) Event() Event {
	return s.event
}

func (s *DataStore) Catalog() Catalog {
	return s.catalog
}

func (s *DataStore) Schedule() Schedule {
	return s.schedule
}

// InitialMigration creates the schema from the models. It is used with sqlite
// and in tests; postgres deployments run the goose migrations instead.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Processor{},
		&model.Site{},
		&model.Season{},
		&model.ConfigParameter{},
		&model.Job{},
		&model.JobConfigOverride{},
		&model.Task{},
		&model.TaskParent{},
		&model.Step{},
		&model.Product{},
		&model.ProductProvenance{},
		&model.Event{},
		&model.ScheduledTask{},
	)
}

func (s *DataStore) Statistics(ctx context.Context) (model.JobStats, error) {
	db := s.db.WithContext(ctx)

	var statuses []model.StatusCount
	if err := db.Model(&model.Job{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&statuses).Error; err != nil {
		return model.JobStats{}, err
	}

	var products []model.ProductTypeCount
	if err := db.Model(&model.Product{}).
		Select("product_type, COUNT(*) AS total").
		Group("product_type").
		Scan(&products).Error; err != nil {
		return model.JobStats{}, err
	}

	var pending int64
	if err := db.Model(&model.Event{}).
		Where("processing_completed_at IS NULL").
		Count(&pending).Error; err != nil {
		return model.JobStats{}, err
	}

	return model.NewJobStats(statuses, products, int(pending)), nil
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
