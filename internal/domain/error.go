package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOperationFailed = errors.New("operation failed")

	// Storage errors
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid exec context")
	ErrStatusConflict     = errors.New("session status changed concurrently")

	// Pipeline errors
	ErrThrottled      = errors.New("reasoning service throttled the request")
	ErrConfiguration  = errors.New("reasoning service is not configured")
	ErrAlreadyStarted = errors.New("session run already started")
	ErrNotReady       = errors.New("session results are not ready")
	ErrQueueClosed    = errors.New("task queue closed")
	ErrQueueFull      = errors.New("task queue is full")
	ErrLockHeld       = errors.New("lock is held by another owner")
)
