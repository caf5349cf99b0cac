package reconciler

import (
	"errors"
	"fmt"
)

// ContainerOperationError is a runtime failure attributed to one service
type ContainerOperationError struct {
	ServiceID string
	Op        string
	Err       error
}

func (e *ContainerOperationError) Error() string {
	return fmt.Sprintf("container %s failed for service %s: %v", e.Op, e.ServiceID, e.Err)
}

func (e *ContainerOperationError) Unwrap() error {
	return e.Err
}

// RoutingAPIError is a load-balancer failure attributed to one service.
// Transient errors were retried within the cycle before being reported.
type RoutingAPIError struct {
	ServiceID string
	Op        string
	Transient bool
	Err       error
}

func (e *RoutingAPIError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("routing %s failed for service %s (%s): %v", e.Op, e.ServiceID, kind, e.Err)
}

func (e *RoutingAPIError) Unwrap() error {
	return e.Err
}

// PriorityConflictError means a listener priority is already held. The
// listener reports it for reads that lagged a recent create; one that
// survives a fresh read points at broken allocation.
type PriorityConflictError struct {
	Priority  int
	ServiceID string
	Holder    string
}

func (e *PriorityConflictError) Error() string {
	return fmt.Sprintf("listener priority %d requested by %s is already held by %s", e.Priority, e.ServiceID, e.Holder)
}

// ErrTargetGroupNameTaken means the group carrying a service's
// target-group name is tagged for another service
var ErrTargetGroupNameTaken = errors.New("target group name is owned by another service")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an external error as worth retrying within a cycle
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
