package store

import "errors"

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrDuplicateKey      = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidBatch      = errors.New("invalid task batch")
)
