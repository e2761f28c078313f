package store

import (
	"context"
	"errors"
	"strings"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog gives access to processor descriptions, sites, seasons and the stored
// configuration parameters.
type Catalog interface {
	ListProcessors(ctx context.Context) ([]model.Processor, error)
	GetProcessor(ctx context.Context, id uint) (*model.Processor, error)
	GetProcessorByName(ctx context.Context, shortName string) (*model.Processor, error)
	UpsertProcessor(ctx context.Context, processor model.Processor) (*model.Processor, error)
	ListSites(ctx context.Context) ([]model.Site, error)
	GetSite(ctx context.Context, id uint) (*model.Site, error)
	UpsertSite(ctx context.Context, site model.Site) (*model.Site, error)
	// Seasons returns the enabled seasons of the site ordered by start date.
	Seasons(ctx context.Context, siteID uint) (model.SeasonList, error)
	UpsertSeason(ctx context.Context, season model.Season) (*model.Season, error)
	// Parameters returns the values of every key starting with prefix. Site values
	// take precedence over global ones.
	Parameters(ctx context.Context, siteID *uint, prefix string) (map[string]string, error)
	SetParameter(ctx context.Context, key string, siteID *uint, value string) error
}

type CatalogStore struct {
	db *gorm.DB
}

// Make sure we conform to Catalog interface
var _ Catalog = (*CatalogStore)(nil)

func NewCatalogStore(db *gorm.DB) Catalog {
	return &CatalogStore{db: db}
}

func (c *CatalogStore) ListProcessors(ctx context.Context) ([]model.Processor, error) {
	var processors []model.Processor
	if err := c.getDB(ctx).Order("id").Find(&processors).Error; err != nil {
		return nil, err
	}
	return processors, nil
}

func (c *CatalogStore) GetProcessor(ctx context.Context, id uint) (*model.Processor, error) {
	var processor model.Processor
	if err := c.getDB(ctx).First(&processor, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &processor, nil
}

func (c *CatalogStore) GetProcessorByName(ctx context.Context, shortName string) (*model.Processor, error) {
	var processor model.Processor
	if err := c.getDB(ctx).First(&processor, "short_name = ?", shortName).Error; err != nil {
		return nil, notFound(err)
	}
	return &processor, nil
}

func (c *CatalogStore) UpsertProcessor(ctx context.Context, processor model.Processor) (*model.Processor, error) {
	if err := c.getDB(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&processor).Error; err != nil {
		return nil, err
	}
	return &processor, nil
}

func (c *CatalogStore) ListSites(ctx context.Context) ([]model.Site, error) {
	var sites []model.Site
	if err := c.getDB(ctx).Order("id").Find(&sites).Error; err != nil {
		return nil, err
	}
	return sites, nil
}

func (c *CatalogStore) GetSite(ctx context.Context, id uint) (*model.Site, error) {
	var site model.Site
	if err := c.getDB(ctx).First(&site, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

func (c *CatalogStore) UpsertSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if err := c.getDB(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&site).Error; err != nil {
		return nil, err
	}
	return &site, nil
}

func (c *CatalogStore) Seasons(ctx context.Context, siteID uint) (model.SeasonList, error) {
	var seasons model.SeasonList
	result := c.getDB(ctx).
		Where("site_id = ? AND enabled = ?", siteID, true).
		Order("start_date").
		Find(&seasons)
	if result.Error != nil {
		return nil, result.Error
	}
	return seasons, nil
}

func (c *CatalogStore) UpsertSeason(ctx context.Context, season model.Season) (*model.Season, error) {
	if err := c.getDB(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&season).Error; err != nil {
		return nil, err
	}
	return &season, nil
}

func (c *CatalogStore) Parameters(ctx context.Context, siteID *uint, prefix string) (map[string]string, error) {
	var params []model.ConfigParameter
	tx := c.getDB(ctx).Model(&model.ConfigParameter{})
	if prefix != "" {
		tx = tx.Where("key LIKE ?", prefix+"%")
	}
	if siteID == nil {
		tx = tx.Where("site_id IS NULL")
	} else {
		tx = tx.Where("(site_id IS NULL OR site_id = ?)", *siteID)
	}
	// global values first so site values overwrite them
	if err := tx.Order("site_id IS NOT NULL").Order("id").Find(&params).Error; err != nil {
		return nil, err
	}

	values := make(map[string]string, len(params))
	for _, p := range params {
		// LIKE treats '_' as a wildcard
		if !strings.HasPrefix(p.Key, prefix) {
			continue
		}
		values[p.Key] = p.Value
	}
	return values, nil
}

func (c *CatalogStore) SetParameter(ctx context.Context, key string, siteID *uint, value string) error {
	tx := c.getDB(ctx).Model(&model.ConfigParameter{}).Where("key = ?", key)
	if siteID == nil {
		tx = tx.Where("site_id IS NULL")
	} else {
		tx = tx.Where("site_id = ?", *siteID)
	}

	var existing model.ConfigParameter
	err := tx.First(&existing).Error
	switch {
	case err == nil:
		existing.Value = value
		return c.getDB(ctx).Save(&existing).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.getDB(ctx).Create(&model.ConfigParameter{Key: key, SiteID: siteID, Value: value}).Error
	default:
		return err
	}
}

func (c *CatalogStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return c.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
