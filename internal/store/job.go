package store

import (
	"context"
	"errors"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uint) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	// UpdateStatus moves the job to status `to` only when its current status is one of `from`.
	// It returns ErrInvalidTransition when the job exists but is in another status.
	UpdateStatus(ctx context.Context, id uint, from []model.JobStatus, to model.JobStatus, reason string) (*model.Job, error)
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (j *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = model.JobStatusSubmitted
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.StatusChangedAt = now

	if err := j.getDB(ctx).Clauses(clause.Returning{}).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &job, nil
}

func (j *JobStore) Get(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	result := j.getDB(ctx).Preload("ConfigOverrides", func(db *gorm.DB) *gorm.DB {
		return db.Order("job_config_overrides.id")
	}).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (j *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := j.getDB(ctx).Model(&jobs)
	tx = (*BaseQuerier)(filter).apply(tx)
	if opts == nil {
		tx = tx.Order("id")
	}
	tx = (*BaseQuerier)(opts).apply(tx)

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (j *JobStore) UpdateStatus(ctx context.Context, id uint, from []model.JobStatus, to model.JobStatus, reason string) (*model.Job, error) {
	if len(from) == 0 {
		return nil, ErrInvalidTransition
	}

	result := j.getDB(ctx).Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{
			"status":            to,
			"status_reason":     reason,
			"status_changed_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}

	job, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return job, ErrInvalidTransition
	}
	return job, nil
}

func (j *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return j.db.WithContext(ctx)
}
