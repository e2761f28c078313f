package store

import (
	"context"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Schedule interface {
	List(ctx context.Context, filter *ScheduledTaskQueryFilter) ([]model.ScheduledTask, error)
	Get(ctx context.Context, id uint) (*model.ScheduledTask, error)
	Upsert(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error)
	Update(ctx context.Context, task model.ScheduledTask) error
}

type ScheduleStore struct {
	db *gorm.DB
}

// Make sure we conform to Schedule interface
var _ Schedule = (*ScheduleStore)(nil)

func NewScheduleStore(db *gorm.DB) Schedule {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) List(ctx context.Context, filter *ScheduledTaskQueryFilter) ([]model.ScheduledTask, error) {
	var tasks []model.ScheduledTask
	tx := (*BaseQuerier)(filter).apply(s.getDB(ctx).Model(&tasks))
	if err := tx.Order("next_schedule_time").Order("id").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *ScheduleStore) Get(ctx context.Context, id uint) (*model.ScheduledTask, error) {
	var task model.ScheduledTask
	if err := s.getDB(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (s *ScheduleStore) Upsert(ctx context.Context, task model.ScheduledTask) (*model.ScheduledTask, error) {
	if task.NextScheduleTime.IsZero() {
		task.NextScheduleTime = task.FirstRunTime
	}
	if err := s.getDB(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// Update writes the scheduling state of the task.
func (s *ScheduleStore) Update(ctx context.Context, task model.ScheduledTask) error {
	result := s.getDB(ctx).Model(&model.ScheduledTask{ID: task.ID}).
		Select("next_schedule_time", "last_retry_time", "last_job_id", "enabled").
		Updates(&task)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ScheduleStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
