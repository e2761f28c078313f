package processor

import (
	"errors"

	"github.com/sen2agri/orchestrator/internal/store"
)

var (
	// ErrValidation marks missing or malformed job inputs and configuration.
	ErrValidation       = errors.New("job validation failed")
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrMissingArtifact  = errors.New("missing or invalid artifact")
	ErrInvalidPlan      = errors.New("invalid task plan")
	ErrMalformedConfig  = errors.New("malformed configuration")
	// ErrInvalidTransition is returned when a job status change is not allowed from its current status.
	ErrInvalidTransition = store.ErrInvalidTransition
)

// IsPermanent reports whether handling the same input again cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrMalformedConfig) ||
		errors.Is(err, ErrUnknownProcessor)
}
