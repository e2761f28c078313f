package handlers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
)

const (
	MarkersName = "s4c_l4c"

	ModuleMarkersExtraction = "s4c-data-extraction"
	ModuleMarkersMerge      = "s4c-markers-merge"

	defaultMarkersMonths = 1
)

var markersLayout = artifact.Layout{Required: []string{"**/*.csv"}}

// Markers extracts agricultural markers from LAI products. Every new LAI product triggers a job.
type Markers struct {
	processor.BaseHandler
}

var _ processor.ProductSubscriber = (*Markers)(nil)

func NewMarkers(p model.Processor) processor.Handler {
	return &Markers{BaseHandler: processor.NewBaseHandler(p)}
}

func (h *Markers) SubscribedProductTypes() []model.ProductType {
	return []model.ProductType{model.ProductTypeLAI}
}

// TriggeredJobName is the name of the job started for a product.
func (h *Markers) TriggeredJobName(productID uint) string {
	return fmt.Sprintf("%s-triggered-%d", h.Processor.ShortName, productID)
}

func (h *Markers) HandleProductAvailable(ctx context.Context, gw processor.EventProcessingContext, ev model.ProductAvailableEvent) error {
	product, err := gw.Product(ctx, ev.ProductID)
	if err != nil {
		return err
	}
	if product.ProductType != model.ProductTypeLAI {
		return nil
	}

	name := h.TriggeredJobName(product.ID)
	existing, err := gw.FindJobs(ctx, h.Processor.ID, product.SiteID, name)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		h.Logger.Debugw("job already triggered", "product_id", product.ID, "job_id", existing[0].ID)
		return nil
	}

	env := processor.JobEnvelope{
		GeneralParams: processor.GeneralParams{
			TaskName:        name,
			TaskDescription: fmt.Sprintf("markers of product %s", product.Name),
			TaskType:        processor.TaskTypeTriggered,
		},
	}
	env.SetInputProducts([]string{product.FullPath})

	job, err := gw.SubmitJob(ctx, model.Job{
		Name:        name,
		Description: env.GeneralParams.TaskDescription,
		ProcessorID: h.Processor.ID,
		SiteID:      product.SiteID,
		StartType:   model.JobStartTriggered,
		Parameters:  env.String(),
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// triggered concurrently by another delivery
		h.Logger.Debugw("job already triggered", "product_id", product.ID, "name", name)
		return nil
	}
	if err != nil {
		return err
	}
	h.Logger.Infow("job triggered by product", "product_id", product.ID, "job_id", job.ID)
	return nil
}

func (h *Markers) HandleJobSubmitted(ctx context.Context, gw processor.EventProcessingContext, ev model.JobSubmittedEvent) error {
	return h.HandleSubmission(ctx, gw, ev.JobID, h.submit)
}

func (h *Markers) submit(ctx context.Context, gw processor.EventProcessingContext, job *model.Job) error {
	params, err := gw.JobParameters(ctx, job, h.ParamPrefix())
	if err != nil {
		return err
	}
	root, err := outputRoot(h.BaseHandler, params)
	if err != nil {
		return err
	}
	inputs, err := inputProducts(job)
	if err != nil {
		return err
	}
	scratch, err := gw.ScratchDir(job)
	if err != nil {
		return err
	}

	plan := processor.NewTaskPlan()
	extractions := make([]processor.TaskRef, 0, len(inputs))
	for range inputs {
		extractions = append(extractions, plan.Add(ModuleMarkersExtraction))
	}
	merge := plan.Add(ModuleMarkersMerge, extractions...)
	plan.Barrier(processor.EndOfJobModule, merge)

	submitted, err := plan.Submit(ctx, gw, job.ID)
	if err != nil {
		return err
	}

	steps := submitted.Steps()
	mergeArgs := []string{}
	for i, input := range inputs {
		out := filepath.Join(scratch, fmt.Sprintf("markers_%d.csv", submitted.ID(extractions[i])))
		steps.Add(submitted.ID(extractions[i]), ModuleMarkersExtraction, argIn, input, argOut, out)
		mergeArgs = append(mergeArgs, argIn, out)
	}
	for _, input := range inputs {
		mergeArgs = append(mergeArgs, argSource, input)
	}
	mergeArgs = append(mergeArgs, argOut, productPath(root, "S4C_L4C", job, submitted.ID(merge)))
	steps.Add(submitted.ID(merge), ModuleMarkersMerge, mergeArgs...)

	return steps.Submit(ctx, gw)
}

func (h *Markers) HandleTaskFinished(ctx context.Context, gw processor.EventProcessingContext, ev model.TaskFinishedEvent) error {
	job, err := h.ActiveJob(ctx, gw, ev)
	if err != nil || job == nil {
		return err
	}

	switch ev.Module {
	case ModuleMarkersMerge:
		out, sources, err := formatterOutput(ctx, gw, ev)
		if err != nil {
			return err
		}
		parents, err := sourceProducts(ctx, gw, ev.SiteID, sources)
		if err != nil {
			return err
		}
		_, err = h.RegisterOutput(ctx, gw, ev, processor.OutputSpec{
			ProductType: model.ProductTypeMarkers,
			Path:        out,
			Name:        filepath.Base(out),
			Layout:      markersLayout,
			Parents:     parents,
		})
		return err
	case processor.EndOfJobModule:
		return h.FinishOnBarrier(ctx, gw, job)
	default:
		return nil
	}
}

func (h *Markers) GetProcessingDefinition(ctx context.Context, sctx processor.SchedulingContext, req processor.ScheduleRequest) (processor.ProcessingDefinition, error) {
	params, err := scheduleParams(ctx, sctx, h.BaseHandler, req)
	if err != nil {
		return processor.Invalid(), err
	}
	months, err := intParam(params, h.ParamKey("window_months"), defaultMarkersMonths)
	if err != nil {
		return processor.Invalid(), err
	}
	return processor.ComputeProcessingDefinition(ctx, sctx, &h.Processor, req, processor.ScheduleRule{
		Window:           processor.MovingWindow{Months: months},
		AncestorTypes:    []model.ProductType{model.ProductTypeL2A, model.ProductTypeLAI},
		RequireAncestors: true,
		InputTypes:       []model.ProductType{model.ProductTypeLAI},
		Params:           map[string]string{"window_months": strconv.Itoa(months)},
	})
}
