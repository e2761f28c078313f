package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
)

const (
	CompositeName = "l3a"

	ModuleCompositePreprocessing = "composite-preprocessing"
	ModuleCompositeUpdate        = "composite-update"
	ModuleCompositeFormatter     = "composite-product-formatter"

	defaultSynthesisRadius = 15
)

var compositeLayout = artifact.Layout{Required: []string{"MTD_*.xml", "TILES/*/IMG_DATA/*.TIF"}}

// Composite folds every input product into one cloud-free composite centered on the synthesis date.
type Composite struct {
	processor.BaseHandler
}

func NewComposite(p model.Processor) processor.Handler {
	return &Composite{BaseHandler: processor.NewBaseHandler(p)}
}

func (h *Composite) HandleJobSubmitted(ctx context.Context, gw processor.EventProcessingContext, ev model.JobSubmittedEvent) error {
	return h.HandleSubmission(ctx, gw, ev.JobID, h.submit)
}

func (h *Composite) submit(ctx context.Context, gw processor.EventProcessingContext, job *model.Job) error {
	params, err := gw.JobParameters(ctx, job, h.ParamPrefix())
	if err != nil {
		return err
	}
	root, err := outputRoot(h.BaseHandler, params)
	if err != nil {
		return err
	}
	radius, err := intParam(params, h.ParamKey("synth_radius"), defaultSynthesisRadius)
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

	// each update folds one more input into the composite of the previous one
	plan := processor.NewTaskPlan()
	pre := make([]processor.TaskRef, len(inputs))
	upd := make([]processor.TaskRef, len(inputs))
	for i := range inputs {
		if i == 0 {
			pre[i] = plan.Add(ModuleCompositePreprocessing)
			upd[i] = plan.Add(ModuleCompositeUpdate, pre[i])
			continue
		}
		pre[i] = plan.Add(ModuleCompositePreprocessing, upd[i-1])
		upd[i] = plan.Add(ModuleCompositeUpdate, pre[i], upd[i-1])
	}
	formatter := plan.Add(ModuleCompositeFormatter, upd[len(upd)-1])
	plan.Barrier(processor.EndOfJobModule, formatter)

	submitted, err := plan.Submit(ctx, gw, job.ID)
	if err != nil {
		return err
	}

	steps := submitted.Steps()
	previous := ""
	for i, input := range inputs {
		preOut := filepath.Join(scratch, fmt.Sprintf("masked_%d.tif", submitted.ID(pre[i])))
		updOut := filepath.Join(scratch, fmt.Sprintf("composite_%d.tif", submitted.ID(upd[i])))
		steps.Add(submitted.ID(pre[i]), ModuleCompositePreprocessing, argIn, input, argOut, preOut)

		args := []string{argIn, preOut, argOut, updOut, "-radius", strconv.Itoa(radius)}
		if previous != "" {
			args = append(args, "-prev", previous)
		}
		steps.Add(submitted.ID(upd[i]), ModuleCompositeUpdate, args...)
		previous = updOut
	}

	formatterArgs := []string{argIn, previous}
	for _, input := range inputs {
		formatterArgs = append(formatterArgs, argSource, input)
	}
	formatterArgs = append(formatterArgs, argOut, productPath(root, "S2AGRI_L3A", job, submitted.ID(formatter)))
	steps.Add(submitted.ID(formatter), ModuleCompositeFormatter, formatterArgs...)

	return steps.Submit(ctx, gw)
}

func (h *Composite) HandleTaskFinished(ctx context.Context, gw processor.EventProcessingContext, ev model.TaskFinishedEvent) error {
	job, err := h.ActiveJob(ctx, gw, ev)
	if err != nil || job == nil {
		return err
	}

	switch ev.Module {
	case ModuleCompositeFormatter:
		out, sources, err := formatterOutput(ctx, gw, ev)
		if err != nil {
			return err
		}
		parents, err := sourceProducts(ctx, gw, ev.SiteID, sources)
		if err != nil {
			return err
		}
		_, err = h.RegisterOutput(ctx, gw, ev, processor.OutputSpec{
			ProductType: model.ProductTypeComposite,
			Path:        out,
			Name:        filepath.Base(out),
			Layout:      compositeLayout,
			Parents:     parents,
		})
		return err
	case processor.EndOfJobModule:
		return h.FinishOnBarrier(ctx, gw, job)
	default:
		return nil
	}
}

func (h *Composite) GetProcessingDefinition(ctx context.Context, sctx processor.SchedulingContext, req processor.ScheduleRequest) (processor.ProcessingDefinition, error) {
	params, err := scheduleParams(ctx, sctx, h.BaseHandler, req)
	if err != nil {
		return processor.Invalid(), err
	}
	radius, err := intParam(params, h.ParamKey("synth_radius"), defaultSynthesisRadius)
	if err != nil {
		return processor.Invalid(), err
	}
	return processor.ComputeProcessingDefinition(ctx, sctx, &h.Processor, req, processor.ScheduleRule{
		Window:           processor.HalfSynthesis{Days: radius},
		AncestorTypes:    []model.ProductType{model.ProductTypeL2A},
		RequireAncestors: true,
		Params: map[string]string{
			"synthesis_date": req.ScheduledAt.UTC().Format(processor.DateLayout),
			"synth_radius":   strconv.Itoa(radius),
		},
	})
}
