package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

// NewTask describes one task of a batch. Parents are indices of earlier
// entries of the same batch.
type NewTask struct {
	Module  string
	Barrier bool
	Parents []int
}

type Task interface {
	// CreateBatch inserts every task of the batch and its edges, or nothing.
	// The returned ids follow the order of the batch.
	CreateBatch(ctx context.Context, jobID uint, tasks []NewTask) ([]uint, error)
	Get(ctx context.Context, id uint) (*model.Task, error)
	ListByJob(ctx context.Context, jobID uint) ([]model.Task, error)
	UpdateStatus(ctx context.Context, id uint, from []model.TaskStatus, to model.TaskStatus) error
	// UpdateStatusByJob moves every task of the job currently in one of `from` to `to`.
	UpdateStatusByJob(ctx context.Context, jobID uint, from []model.TaskStatus, to model.TaskStatus) (int64, error)
}

type TaskStore struct {
	db *gorm.DB
}

// Make sure we conform to Task interface
var _ Task = (*TaskStore)(nil)

func NewTaskStore(db *gorm.DB) Task {
	return &TaskStore{db: db}
}

func (t *TaskStore) CreateBatch(ctx context.Context, jobID uint, tasks []NewTask) ([]uint, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	for i, nt := range tasks {
		if nt.Module == "" {
			return nil, fmt.Errorf("%w: task %d has no module", ErrInvalidBatch, i)
		}
		for _, p := range nt.Parents {
			if p < 0 || p >= i {
				return nil, fmt.Errorf("%w: task %d references parent %d", ErrInvalidBatch, i, p)
			}
		}
	}

	ids := make([]uint, len(tasks))
	err := t.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var offset int64
		if err := tx.Model(&model.Task{}).Where("job_id = ?", jobID).Count(&offset).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, nt := range tasks {
			task := model.Task{
				JobID:           jobID,
				Module:          nt.Module,
				Position:        int(offset) + i,
				Barrier:         nt.Barrier,
				Status:          model.TaskStatusSubmitted,
				StatusChangedAt: now,
			}
			if err := tx.Omit("Parents").Create(&task).Error; err != nil {
				return err
			}
			ids[i] = task.ID

			if len(nt.Parents) == 0 {
				continue
			}
			edges := make([]model.TaskParent, 0, len(nt.Parents))
			seen := make(map[int]struct{}, len(nt.Parents))
			for _, p := range nt.Parents {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				edges = append(edges, model.TaskParent{TaskID: task.ID, ParentTaskID: ids[p]})
			}
			if err := tx.Create(&edges).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *TaskStore) Get(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	result := t.getDB(ctx).Preload("Parents").First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &task, nil
}

func (t *TaskStore) ListByJob(ctx context.Context, jobID uint) ([]model.Task, error) {
	var tasks []model.Task
	result := t.getDB(ctx).Preload("Parents").
		Where("job_id = ?", jobID).
		Order("position").
		Find(&tasks)
	if result.Error != nil {
		return nil, result.Error
	}
	return tasks, nil
}

func (t *TaskStore) UpdateStatus(ctx context.Context, id uint, from []model.TaskStatus, to model.TaskStatus) error {
	result := t.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "status_changed_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (t *TaskStore) UpdateStatusByJob(ctx context.Context, jobID uint, from []model.TaskStatus, to model.TaskStatus) (int64, error) {
	result := t.getDB(ctx).Model(&model.Task{}).
		Where("job_id = ? AND status IN ?", jobID, from).
		Updates(map[string]any{"status": to, "status_changed_at": time.Now().UTC()})
	return result.RowsAffected, result.Error
}

func (t *TaskStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return t.db.WithContext(ctx)
}
