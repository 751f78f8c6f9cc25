package orchestration

import "errors"

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoWorkerAvailable      = errors.New("no worker available")
	ErrInvalidRange           = errors.New("invalid range for partition")
)
