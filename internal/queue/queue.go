package queue

import (
	"sync"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// Trigger is a request to run a reconciliation cycle
type Trigger struct {
	Reason      string
	RequestedAt time.Time
}

// TriggerQueue holds at most one pending trigger. Requests made while one
// is already pending are coalesced into it.
type TriggerQueue struct {
	triggers chan Trigger
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
}

// NewTriggerQueue creates an empty one-slot queue
func NewTriggerQueue() *TriggerQueue {
	return &TriggerQueue{
		triggers: make(chan Trigger, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue requests a cycle. It never blocks; coalesced is true when a
// trigger was already pending and this request was folded into it.
func (tq *TriggerQueue) Enqueue(reason string) (coalesced bool, err error) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.closed {
		logger.WithField("reason", reason).Warn("Failed to enqueue trigger: queue is closed")
		return false, ErrQueueClosed
	}

	select {
	case tq.triggers <- Trigger{Reason: reason, RequestedAt: time.Now()}:
		logger.WithField("reason", reason).Debug("Sync trigger enqueued")
		return false, nil
	default:
		logger.WithField("reason", reason).Debug("Sync trigger coalesced into pending one")
		return true, nil
	}
}

// Triggers returns the channel pending triggers are delivered on
func (tq *TriggerQueue) Triggers() <-chan Trigger {
	return tq.triggers
}

// Pending reports whether a trigger is waiting
func (tq *TriggerQueue) Pending() bool {
	return len(tq.triggers) > 0
}

// Done is closed once the queue is closed
func (tq *TriggerQueue) Done() <-chan struct{} {
	return tq.done
}

// Close rejects further triggers. A pending trigger is dropped by consumers
// that observe Done.
func (tq *TriggerQueue) Close() {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.closed {
		return // Already closed
	}
	tq.closed = true
	close(tq.done)
}
