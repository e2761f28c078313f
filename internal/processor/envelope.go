package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sen2agri/orchestrator/internal/store/model"
)

const (
	TaskTypeRequested = "requested"
	TaskTypeTriggered = "triggered"
	TaskTypeScheduled = "scheduled"

	InputProductsKey = "input_products"
)

// JobEnvelope is the parameter document of a job request and of the stored job.
type JobEnvelope struct {
	GeneralParams   GeneralParams     `json:"general_params" validate:"required"`
	ConfigParams    map[string]string `json:"config_params,omitempty" validate:"omitempty,param_keys"`
	ProcessorParams map[string]any    `json:"processor_params,omitempty"`
}

type GeneralParams struct {
	TaskName        string `json:"task_name" validate:"required,task_name"`
	TaskDescription string `json:"task_description"`
	TaskType        string `json:"task_type" validate:"omitempty,oneof=requested triggered scheduled"`
	// ScheduledTime is the instant a scheduled request is evaluated for.
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

func ParseEnvelope(data string) (JobEnvelope, error) {
	var env JobEnvelope
	if strings.TrimSpace(data) == "" {
		return env, nil
	}
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return env, fmt.Errorf("%w: invalid job parameters: %v", ErrValidation, err)
	}
	return env, nil
}

func (e JobEnvelope) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// StartType maps the request task type to the job start type. Requests without a type are scheduled.
func (e JobEnvelope) StartType() model.JobStartType {
	switch e.GeneralParams.TaskType {
	case TaskTypeRequested:
		return model.JobStartRequested
	case TaskTypeTriggered:
		return model.JobStartTriggered
	default:
		return model.JobStartScheduled
	}
}

// InputProducts returns processor_params.input_products.
func (e JobEnvelope) InputProducts() []string {
	raw, ok := e.ProcessorParams[InputProductsKey]
	if !ok {
		return nil
	}
	return toStrings(raw)
}

// SetInputProducts stores the union of the current and the given input products.
func (e *JobEnvelope) SetInputProducts(products []string) {
	if e.ProcessorParams == nil {
		e.ProcessorParams = map[string]any{}
	}
	merged := e.InputProducts()
	seen := make(map[string]struct{}, len(merged)+len(products))
	for _, p := range merged {
		seen[p] = struct{}{}
	}
	for _, p := range products {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	if merged == nil {
		merged = []string{}
	}
	e.ProcessorParams[InputProductsKey] = merged
}

// ProcessorParam returns a processor parameter as text.
func (e JobEnvelope) ProcessorParam(key string) (string, bool) {
	v, ok := e.ProcessorParams[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
