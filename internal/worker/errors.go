package worker

import "errors"

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")

	// ErrPoolStopped is returned by Submit after Stop has been called.
	ErrPoolStopped = errors.New("worker pool is stopped")
)
