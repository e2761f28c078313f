package model

import "time"

type RepeatType string

const (
	RepeatOnce   RepeatType = "once"
	RepeatCyclic RepeatType = "cyclic"
	RepeatOnDate RepeatType = "on_date"
)

// ScheduledTask is a periodic job request evaluated by the scheduler.
type ScheduledTask struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Name             string     `gorm:"not null" json:"name"`
	ProcessorID      uint       `gorm:"index;not null" json:"processorId"`
	SiteID           uint       `gorm:"index;not null" json:"siteId"`
	SeasonID         *uint      `json:"seasonId,omitempty"`
	RepeatType       RepeatType `gorm:"type:VARCHAR(16);not null" json:"repeatType"`
	RepeatAfterDays  int        `json:"repeatAfterDays"`
	RepeatOnMonthDay int        `json:"repeatOnMonthDay"`
	FirstRunTime     time.Time  `json:"firstRunTime"`
	NextScheduleTime time.Time  `gorm:"index" json:"nextScheduleTime"`
	LastRetryTime    *time.Time `json:"lastRetryTime,omitempty"`
	LastJobID        *uint      `json:"lastJobId,omitempty"`
	ProcessorParams  string     `gorm:"type:text" json:"processorParams,omitempty"`
	Enabled          bool       `gorm:"not null" json:"enabled"`
}

// NextRun returns the first run time strictly after now, and false when the
// task should not run again.
func (s ScheduledTask) NextRun(now time.Time) (time.Time, bool) {
	next := s.NextScheduleTime
	switch s.RepeatType {
	case RepeatCyclic:
		if s.RepeatAfterDays <= 0 {
			return time.Time{}, false
		}
		for !next.After(now) {
			next = next.AddDate(0, 0, s.RepeatAfterDays)
		}
		return next, true
	case RepeatOnDate:
		day := s.RepeatOnMonthDay
		if day <= 0 {
			day = next.Day()
		}
		for !next.After(now) {
			y, m, _ := next.Date()
			m++
			d := day
			if last := daysIn(y, m); d > last {
				d = last
			}
			next = time.Date(y, m, d, next.Hour(), next.Minute(), next.Second(), 0, next.Location())
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
