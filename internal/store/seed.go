package store

import (
	"context"
	"fmt"
	"os"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"sigs.k8s.io/yaml"
)

// Seed is the catalog content loaded by the seed command.
type Seed struct {
	Processors     []model.Processor     `json:"processors"`
	Sites          []model.Site          `json:"sites"`
	Seasons        []model.Season        `json:"seasons"`
	Parameters     []SeedParameter       `json:"parameters"`
	ScheduledTasks []model.ScheduledTask `json:"scheduledTasks"`
}

type SeedParameter struct {
	Key    string `json:"key"`
	SiteID *uint  `json:"siteId,omitempty"`
	Value  string `json:"value"`
}

// LoadSeed reads a yaml or json seed file.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, err
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("failed to parse seed file %q: %w", path, err)
	}
	return seed, nil
}

// Seed upserts the catalog content in one transaction.
func (s *DataStore) Seed(ctx context.Context, seed Seed) error {
	return WithTransaction(ctx, s, func(ctx context.Context) error {
		for _, p := range seed.Processors {
			if _, err := s.Catalog().UpsertProcessor(ctx, p); err != nil {
				return fmt.Errorf("processor %q: %w", p.ShortName, err)
			}
		}
		for _, site := range seed.Sites {
			if _, err := s.Catalog().UpsertSite(ctx, site); err != nil {
				return fmt.Errorf("site %q: %w", site.ShortName, err)
			}
		}
		for _, season := range seed.Seasons {
			if _, err := s.Catalog().UpsertSeason(ctx, season); err != nil {
				return fmt.Errorf("season %q: %w", season.Name, err)
			}
		}
		for _, p := range seed.Parameters {
			if err := s.Catalog().SetParameter(ctx, p.Key, p.SiteID, p.Value); err != nil {
				return fmt.Errorf("parameter %q: %w", p.Key, err)
			}
		}
		for _, t := range seed.ScheduledTasks {
			if _, err := s.Schedule().Upsert(ctx, t); err != nil {
				return fmt.Errorf("scheduled task %q: %w", t.Name, err)
			}
		}
		return nil
	})
}
