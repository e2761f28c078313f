package store

import (
	"context"
	"errors"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type Event interface {
	Create(ctx context.Context, event model.Event) (*model.Event, error)
	Get(ctx context.Context, id uint) (*model.Event, error)
	// Claim marks up to limit unprocessed events as started by consumerID.
	// An event claimed more than lease ago without completion is offered again,
	// until it has been claimed maxAttempts times.
	Claim(ctx context.Context, consumerID string, limit int, lease time.Duration, maxAttempts int) ([]model.Event, error)
	Complete(ctx context.Context, id uint) error
	// Fail completes the event recording why it was abandoned.
	Fail(ctx context.Context, id uint, cause error) error
	// Release records the error and leaves the event to be claimed again once its lease expired.
	Release(ctx context.Context, id uint, cause error) error
	// ReleaseClaims makes the open claims of consumerID immediately claimable.
	ReleaseClaims(ctx context.Context, consumerID string) (int64, error)
	ListUnprocessed(ctx context.Context, limit int) ([]model.Event, error)
}

type EventStore struct {
	db *gorm.DB
}

// Make sure we conform to Event interface
var _ Event = (*EventStore)(nil)

func NewEventStore(db *gorm.DB) Event {
	return &EventStore{db: db}
}

func (e *EventStore) Create(ctx context.Context, event model.Event) (*model.Event, error) {
	if event.SubmittedAt.IsZero() {
		event.SubmittedAt = time.Now().UTC()
	}
	if err := e.getDB(ctx).Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (e *EventStore) Get(ctx context.Context, id uint) (*model.Event, error) {
	var event model.Event
	if err := e.getDB(ctx).First(&event, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (e *EventStore) Claim(ctx context.Context, consumerID string, limit int, lease time.Duration, maxAttempts int) ([]model.Event, error) {
	now := time.Now().UTC()
	expired := now.Add(-lease)

	claimable := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("processing_completed_at IS NULL").
			Where("(processing_started_at IS NULL OR processing_started_at < ?)", expired)
		if maxAttempts > 0 {
			tx = tx.Where("attempts < ?", maxAttempts)
		}
		return tx
	}

	var candidates []model.Event
	if err := claimable(e.getDB(ctx).Model(&model.Event{})).Order("id").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]model.Event, 0, len(candidates))
	for _, c := range candidates {
		result := claimable(e.getDB(ctx).Model(&model.Event{}).Where("id = ?", c.ID)).
			Updates(map[string]any{
				"processing_started_at": now,
				"claimed_by":            consumerID,
				"attempts":              gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			// taken by another consumer in between
			continue
		}
		started := now
		c.ProcessingStartedAt = &started
		c.ClaimedBy = consumerID
		c.Attempts++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (e *EventStore) Complete(ctx context.Context, id uint) error {
	return e.complete(ctx, id, map[string]any{"processing_completed_at": time.Now().UTC()})
}

func (e *EventStore) Fail(ctx context.Context, id uint, cause error) error {
	return e.complete(ctx, id, map[string]any{
		"processing_completed_at": time.Now().UTC(),
		"last_error":              errorText(cause),
	})
}

func (e *EventStore) Release(ctx context.Context, id uint, cause error) error {
	result := e.getDB(ctx).Model(&model.Event{}).
		Where("id = ? AND processing_completed_at IS NULL", id).
		Updates(map[string]any{"claimed_by": "", "last_error": errorText(cause)})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return e.exists(ctx, id)
	}
	return nil
}

func (e *EventStore) ReleaseClaims(ctx context.Context, consumerID string) (int64, error) {
	result := e.getDB(ctx).Model(&model.Event{}).
		Where("claimed_by = ? AND processing_completed_at IS NULL", consumerID).
		Updates(map[string]any{"claimed_by": "", "processing_started_at": nil})
	return result.RowsAffected, result.Error
}

func (e *EventStore) ListUnprocessed(ctx context.Context, limit int) ([]model.Event, error) {
	var events []model.Event
	tx := e.getDB(ctx).Where("processing_completed_at IS NULL").Order("id")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (e *EventStore) complete(ctx context.Context, id uint, values map[string]any) error {
	result := e.getDB(ctx).Model(&model.Event{}).
		Where("id = ? AND processing_completed_at IS NULL", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// already completed is not an error
		return e.exists(ctx, id)
	}
	return nil
}

func (e *EventStore) exists(ctx context.Context, id uint) error {
	_, err := e.Get(ctx, id)
	return err
}

func (e *EventStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return e.db.WithContext(ctx)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
