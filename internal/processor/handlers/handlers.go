// Package handlers holds the processing pipelines known to the orchestrator.
package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"github.com/thoas/go-funk"
)

// Factories returns the handler factory of every supported processor short name.
func Factories() map[string]processor.Factory {
	return map[string]processor.Factory{
		CompositeName: NewComposite,
		LAIName:       NewLAI,
		CropMaskName:  NewCropMask,
		MarkersName:   NewMarkers,
	}
}

const (
	outputPathKey = "output_path"

	argIn     = "-in"
	argOut    = "-out"
	argSource = "-source"
)

// outputRoot returns the required output directory of the processor.
func outputRoot(b processor.BaseHandler, params map[string]string) (string, error) {
	root := strings.TrimSpace(params[b.ParamKey(outputPathKey)])
	if root == "" {
		return "", fmt.Errorf("%w: %s is not set", processor.ErrValidation, b.ParamKey(outputPathKey))
	}
	return root, nil
}

// productPath is the deterministic location of the product written by a task.
func productPath(root, prefix string, job *model.Job, taskID uint) string {
	return filepath.Join(root, fmt.Sprintf("%s_S%d_J%d_T%d", prefix, job.SiteID, job.ID, taskID))
}

// inputProducts returns the distinct input products of the job request.
func inputProducts(job *model.Job) ([]string, error) {
	env, err := processor.ParseEnvelope(job.Parameters)
	if err != nil {
		return nil, err
	}
	inputs := funk.UniqString(env.InputProducts())
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: job %d has no input products", processor.ErrValidation, job.ID)
	}
	return inputs, nil
}

// intParam reads an integer parameter, falling back to def when unset.
func intParam(params map[string]string, key string, def int) (int, error) {
	raw := strings.TrimSpace(params[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", processor.ErrMalformedConfig, key, raw)
	}
	return v, nil
}

// flagValues returns every value following flag in the step arguments.
func flagValues(args []string, flag string) []string {
	values := []string{}
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			values = append(values, args[i+1])
		}
	}
	return values
}

// taskArgs returns the arguments of every step of a task.
func taskArgs(ctx context.Context, gw processor.EventProcessingContext, taskID uint) ([]string, error) {
	steps, err := gw.Steps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, s := range steps {
		args, err := s.Args()
		if err != nil {
			return nil, err
		}
		all = append(all, args...)
	}
	return all, nil
}

// formatterOutput reads the output path and the source products from the steps of a formatter task.
func formatterOutput(ctx context.Context, gw processor.EventProcessingContext, ev model.TaskFinishedEvent) (string, []string, error) {
	args, err := taskArgs(ctx, gw, ev.TaskID)
	if err != nil {
		return "", nil, err
	}
	out := flagValues(args, argOut)
	if len(out) == 0 {
		return "", nil, fmt.Errorf("%w: task %d (%s) has no output argument", processor.ErrValidation, ev.TaskID, ev.Module)
	}
	return out[len(out)-1], flagValues(args, argSource), nil
}

// sourceProducts resolves input paths to the ids of the stored products.
func sourceProducts(ctx context.Context, gw processor.EventProcessingContext, siteID uint, paths []string) ([]uint, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	products, err := gw.Products(ctx, processor.ProductQuery{SiteID: siteID, Paths: paths})
	if err != nil {
		return nil, err
	}
	return funk.Uniq(products.IDs()).([]uint), nil
}

// scheduleParams returns the processor parameters visible to a scheduling request.
func scheduleParams(ctx context.Context, sctx processor.SchedulingContext, b processor.BaseHandler, req processor.ScheduleRequest) (map[string]string, error) {
	return sctx.Parameters(ctx, req.SiteID, b.ParamPrefix(), req.Overrides)
}
