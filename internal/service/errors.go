package service

import (
	"fmt"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uint, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %d not found", resourceType, id)}
}

func NewErrJobNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

func NewErrProcessorNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "processor")
}

func NewErrSiteNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "site")
}

type ErrInvalidJobRequest struct {
	error
}

func NewErrInvalidJobRequest(message string) *ErrInvalidJobRequest {
	return &ErrInvalidJobRequest{fmt.Errorf("invalid job request: %s", message)}
}

type ErrInvalidTransition struct {
	error
}

func NewErrInvalidTransition(jobID uint, action string) *ErrInvalidTransition {
	return &ErrInvalidTransition{fmt.Errorf("cannot %s job %d in its current status", action, jobID)}
}

type ErrProcessingNotValid struct {
	error
}

func NewErrProcessingNotValid(processor string, siteID uint, retryLater bool) *ErrProcessingNotValid {
	if retryLater {
		return &ErrProcessingNotValid{fmt.Errorf("processor %s has no input yet for site %d, retry later", processor, siteID)}
	}
	return &ErrProcessingNotValid{fmt.Errorf("processor %s cannot run for site %d at the requested time", processor, siteID)}
}
