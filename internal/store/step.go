package store

import (
	"context"
	"fmt"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type Step interface {
	CreateBatch(ctx context.Context, steps []model.Step) ([]model.Step, error)
	ListByTask(ctx context.Context, taskID uint) ([]model.Step, error)
}

type StepStore struct {
	db *gorm.DB
}

// Make sure we conform to Step interface
var _ Step = (*StepStore)(nil)

func NewStepStore(db *gorm.DB) Step {
	return &StepStore{db: db}
}

// CreateBatch inserts the steps in one transaction. Every step must reference
// an existing task.
func (s *StepStore) CreateBatch(ctx context.Context, steps []model.Step) ([]model.Step, error) {
	if len(steps) == 0 {
		return steps, nil
	}

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		taskIDs := make([]uint, 0, len(steps))
		for i := range steps {
			if steps[i].TaskID == 0 {
				return fmt.Errorf("%w: step %q has no task", ErrInvalidBatch, steps[i].Name)
			}
			if steps[i].Status == "" {
				steps[i].Status = model.TaskStatusSubmitted
			}
			taskIDs = append(taskIDs, steps[i].TaskID)
		}

		var known int64
		if err := tx.Model(&model.Task{}).Where("id IN ?", taskIDs).Count(&known).Error; err != nil {
			return err
		}
		if int(known) != countDistinct(taskIDs) {
			return fmt.Errorf("%w: steps reference unknown tasks", ErrInvalidBatch)
		}

		return tx.Create(&steps).Error
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *StepStore) ListByTask(ctx context.Context, taskID uint) ([]model.Step, error) {
	var steps []model.Step
	if err := s.getDB(ctx).Where("task_id = ?", taskID).Order("id").Find(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *StepStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

func countDistinct(ids []uint) int {
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
