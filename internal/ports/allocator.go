// Package ports assigns each managed service a unique host port from a
// configured range. The assignment table is reconstructed from the live
// runtime on every cycle, so it never needs a durable store.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// ErrPortRangeExhausted is returned when every port in the range is taken
var ErrPortRangeExhausted = errors.New("port range exhausted")

// Prober reports whether a port is already in use by something outside the
// allocator's knowledge (an unmanaged process, another daemon).
type Prober func(port int) bool

// Allocator maps service id to host port
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	byID     map[string]int
	byPort   map[int]string
	inUse    Prober
	observed bool
}

// Option configures an Allocator
type Option func(*Allocator)

// WithProber replaces the default localhost TCP probe
func WithProber(p Prober) Option {
	return func(a *Allocator) {
		a.inUse = p
	}
}

// New creates an allocator over the inclusive range [start, end]
func New(start, end int, opts ...Option) (*Allocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	a := &Allocator{
		start:  start,
		end:    end,
		byID:   make(map[string]int),
		byPort: make(map[int]string),
		inUse:  TCPProbe,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TCPProbe dials the port on localhost; a successful connect means taken
func TCPProbe(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Observe replaces the assignment table with the bindings held by live
// managed containers. It is called at the start of every cycle so a daemon
// restart adopts the ports of pre-existing containers instead of handing
// them out again. When two services claim the same port the lower id keeps
// it and the others are returned as conflicts.
func (a *Allocator) Observe(live map[string]int) (conflicts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	byID := make(map[string]int, len(live))
	byPort := make(map[int]string, len(live))
	for _, id := range ids {
		port := live[id]
		if port == 0 {
			continue
		}
		if holder, taken := byPort[port]; taken {
			logger.ForService("port-allocator", id).WithField("holder", holder).
				Warnf("Port %d already held by another managed container", port)
			conflicts = append(conflicts, id)
			continue
		}
		byID[id] = port
		byPort[port] = id
	}

	a.byID = byID
	a.byPort = byPort
	a.observed = true
	return conflicts
}

// Observed reports whether Observe has run at least once
func (a *Allocator) Observed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.observed
}

// Assign returns the port recorded for the service, or picks the lowest free
// port in range. Repeated calls for the same id return the same port.
func (a *Allocator) Assign(serviceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byID[serviceID]; ok {
		return port, nil
	}

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.byPort[port]; taken {
			continue
		}
		if a.inUse != nil && a.inUse(port) {
			continue
		}
		a.byID[serviceID] = port
		a.byPort[port] = serviceID
		logger.ForService("port-allocator", serviceID).Debugf("Assigned host port %d", port)
		return port, nil
	}

	return 0, fmt.Errorf("service %s: %w (%d-%d)", serviceID, ErrPortRangeExhausted, a.start, a.end)
}

// Release frees the service's port for reuse. Releasing an unknown id is a no-op.
func (a *Allocator) Release(serviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byID[serviceID]
	if !ok {
		return
	}
	delete(a.byID, serviceID)
	delete(a.byPort, port)
	logger.ForService("port-allocator", serviceID).Debugf("Released host port %d", port)
}

// Lookup returns the port currently recorded for the service
func (a *Allocator) Lookup(serviceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byID[serviceID]
	return port, ok
}

// Snapshot returns a copy of the assignment table
func (a *Allocator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byID))
	for id, port := range a.byID {
		out[id] = port
	}
	return out
}
