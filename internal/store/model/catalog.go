package model

import (
	"time"
)

type Processor struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ShortName   string `gorm:"uniqueIndex;not null" json:"shortName"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Site struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ShortName string `gorm:"uniqueIndex;not null" json:"shortName"`
	Name      string `json:"name"`
	Enabled   bool   `gorm:"not null" json:"enabled"`
}

// Season bounds the dates where periodic production makes sense for a site.
type Season struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SiteID    uint      `gorm:"index;not null" json:"siteId"`
	Name      string    `json:"name"`
	StartDate time.Time `gorm:"not null" json:"startDate"`
	MidDate   time.Time `json:"midDate"`
	EndDate   time.Time `gorm:"not null" json:"endDate"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
}

func (s Season) Contains(t time.Time) bool {
	return !t.Before(s.StartDate) && !t.After(s.EndDate)
}

type SeasonList []Season

// ConfigParameter is a stored configuration value. A nil SiteID is the global value.
type ConfigParameter struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Key         string    `gorm:"uniqueIndex:config_key_site;not null" json:"key"`
	SiteID      *uint     `gorm:"uniqueIndex:config_key_site" json:"siteId,omitempty"`
	Value       string    `json:"value"`
	LastUpdated time.Time `gorm:"autoUpdateTime" json:"lastUpdated"`
}
