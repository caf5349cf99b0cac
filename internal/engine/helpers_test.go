package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imyashkale/mcporchestrator/internal/fake"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/ports"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
	"github.com/imyashkale/mcporchestrator/internal/repository"
	"github.com/imyashkale/mcporchestrator/internal/retry"
	"github.com/stretchr/testify/require"
)

// staticSource serves a settable desired state
type staticSource struct {
	mu          sync.Mutex
	state       *models.DesiredState
	err         error
	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *staticSource) set(t *testing.T, specs ...models.ServiceSpec) {
	t.Helper()
	for i := range specs {
		if specs[i].ContainerPort == 0 {
			specs[i].ContainerPort = 8080
		}
	}
	state, err := models.NewDesiredState(specs)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = nil
}

func (s *staticSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *staticSource) Load(ctx context.Context) (*models.DesiredState, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

type harness struct {
	t    *testing.T
	rt   *fake.Runtime
	lb   *fake.LoadBalancer
	src  *staticSource
	repo repository.CycleRepository
	o    *Orchestrator
}

func svc(id, image string) models.ServiceSpec {
	return models.ServiceSpec{ID: id, Image: image}
}

func disabled(id, image string) models.ServiceSpec {
	return models.ServiceSpec{ID: id, Image: image, Disabled: true}
}

func newHarness(t *testing.T, specs ...models.ServiceSpec) *harness {
	h := &harness{
		t:   t,
		rt:  fake.NewRuntime(),
		lb:  fake.NewLoadBalancer(),
		src: &staticSource{},
	}
	h.src.set(t, specs...)
	h.restart(Options{Interval: time.Hour})
	return h
}

// restart builds a fresh orchestrator, with an empty port table, against the
// same runtime and load balancer
func (h *harness) restart(opts Options) {
	alloc, err := ports.New(8000, 8100, ports.WithProber(func(int) bool { return false }))
	require.NoError(h.t, err)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	h.repo = repository.NewMemoryCycleRepository(50)
	h.o = New(h.src,
		reconciler.NewContainerReconciler(h.rt, alloc, 4),
		reconciler.NewRoutingReconciler(h.lb, alloc, policy, 4),
		h.repo, opts)
}

func (h *harness) cycle() *models.CycleReport {
	h.t.Helper()
	report, err := h.o.RunCycle(context.Background(), TriggerManual)
	require.NoError(h.t, err)
	return report
}

func (h *harness) mutations() int {
	return h.rt.Mutations() + h.lb.Mutations()
}

func (h *harness) resetCalls() {
	h.rt.ResetCalls()
	h.lb.ResetCalls()
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
