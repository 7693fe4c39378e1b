package agents

import "errors"

var (
	// ErrAlreadyStarted is returned by Run when the worker is already running.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrWorkerDraining is returned when a job is launched on a draining worker.
	ErrWorkerDraining = errors.New("worker is draining")

	// ErrDuplicateJob is returned when a job id is already in the running set.
	ErrDuplicateJob = errors.New("job already running")

	// ErrDrainTimeout is returned by Drain when jobs outlive the deadline.
	ErrDrainTimeout = errors.New("drain deadline exceeded")
)
