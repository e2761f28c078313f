package store

import (
	"fmt"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

func (b *BaseQuerier) apply(tx *gorm.DB) *gorm.DB {
	if b == nil {
		return tx
	}
	for _, fn := range b.QueryFn {
		tx = fn(tx)
	}
	return tx
}

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByID
	SortByCreatedTime
	SortByCreatedTimeDesc
)

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByStatus(statuses ...model.JobStatus) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", statuses)
	})
	return qf
}

func (qf *JobQueryFilter) BySite(siteID uint) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("site_id = ?", siteID)
	})
	return qf
}

func (qf *JobQueryFilter) ByProcessor(processorID uint) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("processor_id = ?", processorID)
	})
	return qf
}

func (qf *JobQueryFilter) ByName(name string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("name = ?", name)
	})
	return qf
}

type JobQueryOptions BaseQuerier

func NewJobQueryOptions() *JobQueryOptions {
	return &JobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *JobQueryOptions) WithLimit(limit int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

func (o *JobQueryOptions) WithOffset(offset int) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	})
	return o
}

func (o *JobQueryOptions) WithSortOrder(sort SortOrder) *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByID:
			return tx.Order("id")
		case SortByCreatedTime:
			return tx.Order("submitted_at")
		case SortByCreatedTimeDesc:
			return tx.Order("submitted_at DESC")
		default:
			return tx
		}
	})
	return o
}

// ProductQueryFilter selects products. Date bounds apply to the product creation date.
type ProductQueryFilter BaseQuerier

func NewProductQueryFilter() *ProductQueryFilter {
	return &ProductQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ProductQueryFilter) ByIDs(ids ...uint) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return qf
}

func (qf *ProductQueryFilter) BySite(siteID uint) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("site_id = ?", siteID)
	})
	return qf
}

func (qf *ProductQueryFilter) ByTypes(types ...model.ProductType) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("product_type IN ?", types)
	})
	return qf
}

func (qf *ProductQueryFilter) ByJob(jobID uint) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("job_id = ?", jobID)
	})
	return qf
}

func (qf *ProductQueryFilter) ByProcessor(processorID uint) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("processor_id = ?", processorID)
	})
	return qf
}

func (qf *ProductQueryFilter) ByPaths(paths ...string) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("full_path IN ?", paths)
	})
	return qf
}

// CreatedBetween keeps products created in [start, end]. A zero bound is open.
func (qf *ProductQueryFilter) CreatedBetween(start, end time.Time) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		if !start.IsZero() {
			tx = tx.Where("created_at >= ?", start)
		}
		if !end.IsZero() {
			tx = tx.Where("created_at <= ?", end)
		}
		return tx
	})
	return qf
}

// ByTiles keeps products covering at least one of the tiles.
func (qf *ProductQueryFilter) ByTiles(tiles ...string) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		if len(tiles) == 0 {
			return tx
		}
		cond := tx.Session(&gorm.Session{NewDB: true})
		for i, t := range tiles {
			pattern := fmt.Sprintf("%%%q%%", t)
			if i == 0 {
				cond = cond.Where("tiles LIKE ?", pattern)
			} else {
				cond = cond.Or("tiles LIKE ?", pattern)
			}
		}
		return tx.Where(cond)
	})
	return qf
}

// ByParent keeps products derived from the given product.
func (qf *ProductQueryFilter) ByParent(parentID uint) *ProductQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN (?)", tx.Session(&gorm.Session{NewDB: true}).
			Model(&model.ProductProvenance{}).
			Select("product_id").
			Where("parent_product_id = ?", parentID))
	})
	return qf
}

type ProductQueryOptions BaseQuerier

func NewProductQueryOptions() *ProductQueryOptions {
	return &ProductQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *ProductQueryOptions) WithSortOrder(sort SortOrder) *ProductQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByID:
			return tx.Order("id")
		case SortByCreatedTime:
			return tx.Order("created_at")
		case SortByCreatedTimeDesc:
			return tx.Order("created_at DESC")
		default:
			return tx
		}
	})
	return o
}

func (o *ProductQueryOptions) WithLimit(limit int) *ProductQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

type ScheduledTaskQueryFilter BaseQuerier

func NewScheduledTaskQueryFilter() *ScheduledTaskQueryFilter {
	return &ScheduledTaskQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ScheduledTaskQueryFilter) Enabled() *ScheduledTaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("enabled = ?", true)
	})
	return qf
}

func (qf *ScheduledTaskQueryFilter) DueAt(now time.Time) *ScheduledTaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("next_schedule_time <= ?", now)
	})
	return qf
}

func (qf *ScheduledTaskQueryFilter) BySite(siteID uint) *ScheduledTaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("site_id = ?", siteID)
	})
	return qf
}
