package handlers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
)

const (
	LAIName = "l3b"

	ModuleNDVIRVI      = "lai-ndvi-rvi"
	ModuleLAIProcessor = "lai-processor"
	ModuleLAIFormatter = "lai-product-formatter"
)

var laiLayout = artifact.Layout{Required: []string{"MTD_*.xml", "TILES/*/IMG_DATA/*.TIF"}}

// LAI retrieves the leaf area index of every input product with a fixed look-back window.
type LAI struct {
	processor.BaseHandler
}

func NewLAI(p model.Processor) processor.Handler {
	return &LAI{BaseHandler: processor.NewBaseHandler(p)}
}

func (h *LAI) HandleJobSubmitted(ctx context.Context, gw processor.EventProcessingContext, ev model.JobSubmittedEvent) error {
	return h.HandleSubmission(ctx, gw, ev.JobID, h.submit)
}

func (h *LAI) submit(ctx context.Context, gw processor.EventProcessingContext, job *model.Job) error {
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

	type chain struct{ ndvi, lai, formatter processor.TaskRef }
	plan := processor.NewTaskPlan()
	chains := make([]chain, 0, len(inputs))
	for range inputs {
		ndvi := plan.Add(ModuleNDVIRVI)
		lai := plan.Add(ModuleLAIProcessor, ndvi)
		chains = append(chains, chain{ndvi: ndvi, lai: lai, formatter: plan.Add(ModuleLAIFormatter, lai)})
	}
	plan.Barrier(processor.EndOfJobModule, plan.Terminal()...)

	submitted, err := plan.Submit(ctx, gw, job.ID)
	if err != nil {
		return err
	}

	steps := submitted.Steps()
	for i, c := range chains {
		ndviOut := filepath.Join(scratch, fmt.Sprintf("ndvi_rvi_%d.tif", submitted.ID(c.ndvi)))
		laiOut := filepath.Join(scratch, fmt.Sprintf("lai_%d.tif", submitted.ID(c.lai)))
		steps.Add(submitted.ID(c.ndvi), ModuleNDVIRVI, argIn, inputs[i], argOut, ndviOut)
		steps.Add(submitted.ID(c.lai), ModuleLAIProcessor, argIn, ndviOut, argOut, laiOut)
		steps.Add(submitted.ID(c.formatter), ModuleLAIFormatter,
			argIn, laiOut,
			argSource, inputs[i],
			argOut, productPath(root, "S2AGRI_L3B", job, submitted.ID(c.formatter)))
	}
	return steps.Submit(ctx, gw)
}

func (h *LAI) HandleTaskFinished(ctx context.Context, gw processor.EventProcessingContext, ev model.TaskFinishedEvent) error {
	job, err := h.ActiveJob(ctx, gw, ev)
	if err != nil || job == nil {
		return err
	}

	switch ev.Module {
	case ModuleLAIFormatter:
		out, sources, err := formatterOutput(ctx, gw, ev)
		if err != nil {
			return err
		}
		parents, err := sourceProducts(ctx, gw, ev.SiteID, sources)
		if err != nil {
			return err
		}
		_, err = h.RegisterOutput(ctx, gw, ev, processor.OutputSpec{
			ProductType: model.ProductTypeLAI,
			Path:        out,
			Name:        filepath.Base(out),
			Layout:      laiLayout,
			Parents:     parents,
		})
		return err
	case processor.EndOfJobModule:
		return h.FinishOnBarrier(ctx, gw, job)
	default:
		return nil
	}
}

func (h *LAI) GetProcessingDefinition(ctx context.Context, sctx processor.SchedulingContext, req processor.ScheduleRequest) (processor.ProcessingDefinition, error) {
	params, err := scheduleParams(ctx, sctx, h.BaseHandler, req)
	if err != nil {
		return processor.Invalid(), err
	}
	days, err := intParam(params, h.ParamKey("lookback_days"), 10)
	if err != nil {
		return processor.Invalid(), err
	}
	return processor.ComputeProcessingDefinition(ctx, sctx, &h.Processor, req, processor.ScheduleRule{
		Window:           processor.LookBack{Days: days},
		AncestorTypes:    []model.ProductType{model.ProductTypeL2A},
		RequireAncestors: true,
		Params:           map[string]string{"product_type": string(model.ProductTypeLAI)},
	})
}
