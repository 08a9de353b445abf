package orchestrator

import "errors"

// Caller-facing error taxonomy. The engine is the boundary that converts
// component failures into these; anything else surfaces as a generic
// internal error without transport detail.
var (
	ErrNotFound      = errors.New("instance_not_found")
	ErrConflict      = errors.New("instance_exists")
	ErrRenewLimit    = errors.New("renew_limit_reached")
	ErrCapacity      = errors.New("capacity_full")
	ErrUnknownTarget = errors.New("unknown_target")
)
