package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// SeasonGraceMonths is how long after the end of a season it may still be scheduled.
	SeasonGraceMonths = 2

	DateLayout = "2006-01-02"
)

type SchedulingFlag string

const (
	SchedulingFlagNone       SchedulingFlag = "NONE"
	SchedulingFlagRetryLater SchedulingFlag = "RETRY_LATER"
)

// ScheduleRequest asks whether a processor should run for a site at an instant.
type ScheduleRequest struct {
	SiteID      uint
	ScheduledAt time.Time
	Overrides   map[string]string
}

// ProcessingDefinition is the three-way scheduling outcome:
// valid now, valid but retry later, or not valid for the instant.
type ProcessingDefinition struct {
	IsValid        bool           `json:"isValid"`
	Flags          SchedulingFlag `json:"schedulingFlags"`
	ProductList    []string       `json:"productList"`
	JSONParameters string         `json:"jsonParameters"`
}

func Invalid() ProcessingDefinition {
	return ProcessingDefinition{Flags: SchedulingFlagNone, ProductList: []string{}}
}

func RetryLater() ProcessingDefinition {
	return ProcessingDefinition{IsValid: true, Flags: SchedulingFlagRetryLater, ProductList: []string{}}
}

func (d ProcessingDefinition) ShouldRetry() bool {
	return d.IsValid && d.Flags == SchedulingFlagRetryLater
}

// Parameters decodes JSONParameters.
func (d ProcessingDefinition) Parameters() (map[string]any, error) {
	params := map[string]any{}
	if d.JSONParameters == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(d.JSONParameters), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// Window is a production window, both bounds inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowRule derives the production window of a scheduled instant.
type WindowRule interface {
	Window(instant, seasonStart time.Time) Window
}

// LookBack covers the Days before the instant.
type LookBack struct {
	Days int
}

func (r LookBack) Window(instant, _ time.Time) Window {
	return Window{Start: instant.AddDate(0, 0, -r.Days), End: instant}
}

// HalfSynthesis is centered on the instant with a radius of Days.
type HalfSynthesis struct {
	Days int
}

func (r HalfSynthesis) Window(instant, _ time.Time) Window {
	return Window{Start: instant.AddDate(0, 0, -r.Days), End: instant.AddDate(0, 0, r.Days)}
}

// MovingWindow covers the Months before the instant.
type MovingWindow struct {
	Months int
}

func (r MovingWindow) Window(instant, _ time.Time) Window {
	return Window{Start: instant.AddDate(0, -r.Months, 0), End: instant}
}

// SinceSeasonStart covers everything from the effective season start.
type SinceSeasonStart struct{}

func (SinceSeasonStart) Window(instant, seasonStart time.Time) Window {
	return Window{Start: seasonStart, End: instant}
}

// ScheduleRule is how a processor decides its periodic jobs.
type ScheduleRule struct {
	Window WindowRule
	// StartSeasonOffsetKey defaults to processor.<short name>.start_season_offset.
	StartSeasonOffsetKey string
	// AncestorTypes must all have products in the window when RequireAncestors is set.
	AncestorTypes    []model.ProductType
	RequireAncestors bool
	// InputTypes are gathered into the product list. Defaults to AncestorTypes.
	InputTypes []model.ProductType
	// Params are added to the JSON parameters.
	Params map[string]string
}

// ResolveSeason returns the season containing the instant, else the most recent
// season whose grace period still covers it.
func ResolveSeason(seasons model.SeasonList, instant time.Time) (model.Season, bool) {
	for _, s := range seasons {
		if s.Contains(instant) {
			return s, true
		}
	}

	var (
		found model.Season
		ok    bool
	)
	for _, s := range seasons {
		if s.EndDate.After(instant) {
			continue
		}
		if instant.After(s.EndDate.AddDate(0, SeasonGraceMonths, 0)) {
			continue
		}
		if !ok || s.EndDate.After(found.EndDate) {
			found, ok = s, true
		}
	}
	return found, ok
}

// ComputeProcessingDefinition decides whether the processor runs for the request and on which inputs.
// It only returns an error for malformed configuration or store failures.
func ComputeProcessingDefinition(ctx context.Context, sctx SchedulingContext, processor *model.Processor, req ScheduleRequest, rule ScheduleRule) (ProcessingDefinition, error) {
	log := zap.S().Named("scheduling").With("processor", processor.ShortName, "site_id", req.SiteID)
	instant := req.ScheduledAt.UTC()

	seasons, err := sctx.Seasons(ctx, req.SiteID)
	if err != nil {
		return Invalid(), err
	}
	season, ok := ResolveSeason(seasons, instant)
	if !ok {
		log.Debugw("no season for instant", "instant", instant)
		return Invalid(), nil
	}
	if instant.After(season.EndDate.AddDate(0, SeasonGraceMonths, 0)) {
		log.Debugw("instant past the season grace period", "instant", instant, "season_end", season.EndDate)
		return Invalid(), nil
	}

	offsetKey := rule.StartSeasonOffsetKey
	if offsetKey == "" {
		offsetKey = fmt.Sprintf("processor.%s.start_season_offset", processor.ShortName)
	}
	params, err := sctx.Parameters(ctx, req.SiteID, offsetKey, req.Overrides)
	if err != nil {
		return Invalid(), err
	}
	offset := 0
	if raw := strings.TrimSpace(params[offsetKey]); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil {
			return Invalid(), fmt.Errorf("%w: %s=%q", ErrMalformedConfig, offsetKey, raw)
		}
	}
	seasonStart := truncateDay(season.StartDate).AddDate(0, 0, offset)
	if instant.Before(seasonStart) {
		log.Debugw("instant before the effective season start", "instant", instant, "season_start", seasonStart)
		return Invalid(), nil
	}

	if rule.Window == nil {
		return Invalid(), fmt.Errorf("%w: processor %s has no window rule", ErrMalformedConfig, processor.ShortName)
	}
	window := rule.Window.Window(truncateDay(instant), seasonStart)
	window.Start = truncateDay(window.Start)
	window.End = truncateDay(window.End)
	if window.Start.Before(seasonStart) {
		window.Start = seasonStart
	}
	if window.End.Before(window.Start) {
		return Invalid(), nil
	}

	if rule.RequireAncestors {
		for _, t := range rule.AncestorTypes {
			products, err := sctx.Products(ctx, windowQuery(req.SiteID, window, t))
			if err != nil {
				return Invalid(), err
			}
			if len(products) == 0 {
				log.Debugw("ancestor products missing", "type", t, "start", window.Start, "end", window.End)
				return RetryLater(), nil
			}
		}
	}

	inputTypes := rule.InputTypes
	if len(inputTypes) == 0 {
		inputTypes = rule.AncestorTypes
	}
	productList := []string{}
	if len(inputTypes) > 0 {
		products, err := sctx.Products(ctx, windowQuery(req.SiteID, window, inputTypes...))
		if err != nil {
			return Invalid(), err
		}
		productList = products.Paths()
	}

	payload := map[string]string{
		"start_date":   window.Start.Format(DateLayout),
		"end_date":     window.End.Format(DateLayout),
		"season_start": seasonStart.Format(DateLayout),
		"season_end":   truncateDay(season.EndDate).Format(DateLayout),
	}
	for k, v := range rule.Params {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Invalid(), err
	}

	return ProcessingDefinition{
		IsValid:        true,
		Flags:          SchedulingFlagNone,
		ProductList:    productList,
		JSONParameters: string(data),
	}, nil
}

// SafeProcessingDefinition calls the handler and turns errors and panics into an invalid definition.
func SafeProcessingDefinition(ctx context.Context, h Handler, processor *model.Processor, sctx SchedulingContext, req ScheduleRequest) (def ProcessingDefinition) {
	log := zap.S().Named("scheduling").With("processor", processor.ShortName, "site_id", req.SiteID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("processing definition panicked", "panic", r, "stack", string(debug.Stack()))
			metrics.IncreaseSchedulingDecisionsMetric(processor.ShortName, metrics.ScheduleError)
			def = Invalid()
		}
	}()

	def, err := h.GetProcessingDefinition(ctx, sctx, req)
	if err != nil {
		log.Errorw("failed to compute processing definition", "error", err)
		metrics.IncreaseSchedulingDecisionsMetric(processor.ShortName, metrics.ScheduleError)
		return Invalid()
	}
	if def.Flags == "" {
		def.Flags = SchedulingFlagNone
	}
	if def.ProductList == nil {
		def.ProductList = []string{}
	}
	metrics.IncreaseSchedulingDecisionsMetric(processor.ShortName, outcome(def))
	return def
}

func outcome(def ProcessingDefinition) string {
	switch {
	case !def.IsValid:
		return metrics.ScheduleInvalid
	case def.ShouldRetry():
		return metrics.ScheduleRetryLater
	default:
		return metrics.ScheduleValid
	}
}

func windowQuery(siteID uint, w Window, types ...model.ProductType) ProductQuery {
	return ProductQuery{
		SiteID: siteID,
		Types:  types,
		From:   w.Start,
		To:     w.End.Add(24*time.Hour - time.Nanosecond),
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
