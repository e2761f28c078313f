package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/sen2agri/orchestrator/pkg/artifact"
)

const (
	CropMaskName = "l4a"

	ModuleCropMaskFeatures  = "crop-mask-features"
	ModuleCropMaskTraining  = "crop-mask-training"
	ModuleCropMaskClassify  = "crop-mask-classify"
	ModuleCropMaskFormatter = "crop-mask-product-formatter"

	referenceDataKey = "reference_data"
)

var cropMaskLayout = artifact.Layout{Required: []string{"MTD_*.xml", "TILES/*/IMG_DATA/*CM*.TIF"}}

// CropMask trains a classifier on the season's inputs and the reference data of the site.
type CropMask struct {
	processor.BaseHandler
}

func NewCropMask(p model.Processor) processor.Handler {
	return &CropMask{BaseHandler: processor.NewBaseHandler(p)}
}

func (h *CropMask) HandleJobSubmitted(ctx context.Context, gw processor.EventProcessingContext, ev model.JobSubmittedEvent) error {
	return h.HandleSubmission(ctx, gw, ev.JobID, h.submit)
}

func (h *CropMask) submit(ctx context.Context, gw processor.EventProcessingContext, job *model.Job) error {
	params, err := gw.JobParameters(ctx, job, h.ParamPrefix())
	if err != nil {
		return err
	}
	root, err := outputRoot(h.BaseHandler, params)
	if err != nil {
		return err
	}
	reference := strings.TrimSpace(params[h.ParamKey(referenceDataKey)])
	if reference == "" {
		return fmt.Errorf("%w: %s is not set", processor.ErrValidation, h.ParamKey(referenceDataKey))
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
	features := plan.Add(ModuleCropMaskFeatures)
	training := plan.Add(ModuleCropMaskTraining, features)
	classify := plan.Add(ModuleCropMaskClassify, features, training)
	formatter := plan.Add(ModuleCropMaskFormatter, classify)
	plan.Barrier(processor.EndOfJobModule, formatter)

	submitted, err := plan.Submit(ctx, gw, job.ID)
	if err != nil {
		return err
	}

	featuresOut := filepath.Join(scratch, "features.tif")
	modelOut := filepath.Join(scratch, "model.txt")
	maskOut := filepath.Join(scratch, "crop_mask.tif")

	featuresArgs := []string{}
	for _, input := range inputs {
		featuresArgs = append(featuresArgs, argIn, input)
	}
	featuresArgs = append(featuresArgs, argOut, featuresOut)

	formatterArgs := []string{argIn, maskOut}
	for _, input := range inputs {
		formatterArgs = append(formatterArgs, argSource, input)
	}
	formatterArgs = append(formatterArgs, argOut, productPath(root, "S2AGRI_L4A", job, submitted.ID(formatter)))

	return submitted.Steps().
		Add(submitted.ID(features), ModuleCropMaskFeatures, featuresArgs...).
		Add(submitted.ID(training), ModuleCropMaskTraining, argIn, featuresOut, "-ref", reference, argOut, modelOut).
		Add(submitted.ID(classify), ModuleCropMaskClassify, argIn, featuresOut, "-model", modelOut, argOut, maskOut).
		Add(submitted.ID(formatter), ModuleCropMaskFormatter, formatterArgs...).
		Submit(ctx, gw)
}

func (h *CropMask) HandleTaskFinished(ctx context.Context, gw processor.EventProcessingContext, ev model.TaskFinishedEvent) error {
	job, err := h.ActiveJob(ctx, gw, ev)
	if err != nil || job == nil {
		return err
	}

	switch ev.Module {
	case ModuleCropMaskFeatures:
		// training needs the reference data to be reachable
		params, err := gw.JobParameters(ctx, job, h.ParamPrefix())
		if err != nil {
			return err
		}
		reference := params[h.ParamKey(referenceDataKey)]
		ok, err := gw.Artifacts().Exists(ctx, reference)
		if err != nil {
			return err
		}
		if !ok {
			reason := fmt.Sprintf("reference data %s is not available", reference)
			h.Logger.Warnw("job needs input", "job_id", job.ID, "reason", reason)
			return gw.MarkJobNeedsInput(ctx, job.ID, reason)
		}
		return nil
	case ModuleCropMaskFormatter:
		out, sources, err := formatterOutput(ctx, gw, ev)
		if err != nil {
			return err
		}
		parents, err := sourceProducts(ctx, gw, ev.SiteID, sources)
		if err != nil {
			return err
		}
		_, err = h.RegisterOutput(ctx, gw, ev, processor.OutputSpec{
			ProductType: model.ProductTypeCropMask,
			Path:        out,
			Name:        filepath.Base(out),
			Layout:      cropMaskLayout,
			Parents:     parents,
		})
		return err
	case processor.EndOfJobModule:
		return h.FinishOnBarrier(ctx, gw, job)
	default:
		return nil
	}
}

func (h *CropMask) GetProcessingDefinition(ctx context.Context, sctx processor.SchedulingContext, req processor.ScheduleRequest) (processor.ProcessingDefinition, error) {
	return processor.ComputeProcessingDefinition(ctx, sctx, &h.Processor, req, processor.ScheduleRule{
		Window:           processor.SinceSeasonStart{},
		AncestorTypes:    []model.ProductType{model.ProductTypeL2A},
		RequireAncestors: true,
		Params:           map[string]string{"product_type": string(model.ProductTypeCropMask)},
	})
}
