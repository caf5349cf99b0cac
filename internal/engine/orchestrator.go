// Package engine runs reconciliation cycles: it fetches the desired and
// actual state, applies container then routing corrections, and reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/imyashkale/mcporchestrator/internal/desired"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/queue"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
	"github.com/imyashkale/mcporchestrator/internal/repository"
	"github.com/imyashkale/mcporchestrator/internal/services"
	"github.com/sirupsen/logrus"
)

// Cycle triggers
const (
	TriggerStartup      = "startup"
	TriggerInterval     = "interval"
	TriggerManual       = "manual"
	TriggerConfigChange = "config_change"
)

// Cycle phases, in order
const (
	PhaseFetchDesired    = "fetch_desired"
	PhaseFetchActual     = "fetch_actual"
	PhaseDiff            = "diff"
	PhaseApplyContainers = "apply_containers"
	PhaseApplyRouting    = "apply_routing"
	PhaseReport          = "report"
)

var (
	// ErrShuttingDown is returned once shutdown has been requested
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrUnknownService is returned for ids that are neither declared nor running
	ErrUnknownService = errors.New("unknown service")
	// ErrServiceDisabled is returned when starting a disabled service
	ErrServiceDisabled = errors.New("service is disabled")
)

// Options configure the orchestrator loop
type Options struct {
	Interval time.Duration
	OneShot  bool
}

// Orchestrator owns the cycle lifecycle. Cycles and manual actions hold
// cycleMu for their whole duration so they never overlap.
type Orchestrator struct {
	source     desired.Source
	containers *reconciler.ContainerReconciler
	routing    *reconciler.RoutingReconciler
	cycles     repository.CycleRepository
	status     *StatusStore
	triggers   *queue.TriggerQueue
	opts       Options

	cycleMu sync.Mutex
	running atomic.Bool
	closing atomic.Bool
	now     func() time.Time
}

// New creates an orchestrator. routing may be nil to manage containers only.
func New(source desired.Source, containers *reconciler.ContainerReconciler, routing *reconciler.RoutingReconciler, cycles repository.CycleRepository, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Orchestrator{
		source:     source,
		containers: containers,
		routing:    routing,
		cycles:     cycles,
		status:     NewStatusStore(),
		triggers:   queue.NewTriggerQueue(),
		opts:       opts,
		now:        time.Now,
	}
}

// Run executes the startup cycle, then either returns (one-shot) or keeps
// running cycles on the interval and on sync requests until ctx is done.
// A cycle in flight when ctx is cancelled is allowed to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Shutdown()

	report, err := o.RunCycle(ctx, TriggerStartup)
	if o.opts.OneShot {
		if err != nil {
			return err
		}
		if report.Result == models.CycleFailed {
			return fmt.Errorf("reconciliation cycle failed: %s", report.Error)
		}
		if failed := report.FailedServices(); len(failed) > 0 {
			sort.Strings(failed)
			return fmt.Errorf("reconciliation failed for services: %s", strings.Join(failed, ", "))
		}
		return nil
	}

	timer := time.NewTimer(o.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.ForComponent("orchestrator").Info("Shutdown requested, no further cycles will start")
			return nil
		case <-timer.C:
			_, _ = o.RunCycle(ctx, TriggerInterval)
		case tr := <-o.triggers.Triggers():
			_, _ = o.RunCycle(ctx, tr.Reason)
		}
		timer.Reset(o.opts.Interval)
	}
}

// Shutdown stops new cycles and manual actions from starting and waits for
// the one in flight, if any
func (o *Orchestrator) Shutdown() {
	if o.closing.CompareAndSwap(false, true) {
		o.triggers.Close()
	}
	// wait for the in-flight cycle
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
}

// TriggerSync requests a cycle as soon as possible. When a request is
// already pending the new one is coalesced into it.
func (o *Orchestrator) TriggerSync(reason string) (coalesced bool, err error) {
	if o.closing.Load() {
		return false, ErrShuttingDown
	}
	coalesced, err = o.triggers.Enqueue(reason)
	if errors.Is(err, queue.ErrQueueClosed) {
		return false, ErrShuttingDown
	}
	return coalesced, err
}

// Running reports whether a cycle is in progress
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// RunCycle runs one cycle, waiting for any cycle or manual action in
// progress. Per-service failures are recorded in the report; only a failed
// precondition makes the result CycleFailed.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger string) (*models.CycleReport, error) {
	if ctx.Err() != nil || o.closing.Load() {
		return nil, ErrShuttingDown
	}
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	if ctx.Err() != nil || o.closing.Load() {
		return nil, ErrShuttingDown
	}

	o.running.Store(true)
	defer o.running.Store(false)

	return o.runCycle(ctx, trigger), nil
}

type cycleRun struct {
	report *models.CycleReport
	clog   *services.CycleLogger
	log    *logrus.Entry
}

func (c *cycleRun) fail(phase string, err error) {
	c.report.Result = models.CycleFailed
	c.report.Error = fmt.Sprintf("%s: %v", phase, err)
	c.clog.LogError(phase, err.Error())
	c.log.WithFields(logrus.Fields{"phase": phase, logger.FieldError: err.Error()}).Error("Reconciliation cycle failed")
}

func (o *Orchestrator) mutationCount() int64 {
	n := o.containers.Mutations()
	if o.routing != nil {
		n += o.routing.Mutations()
	}
	return n
}

// runCycle walks the phases. External calls run on a context detached from
// ctx so that cancellation never interrupts an operation half way; ctx is
// only consulted between phases.
func (o *Orchestrator) runCycle(ctx context.Context, trigger string) *models.CycleReport {
	run := &cycleRun{
		report: &models.CycleReport{
			CycleId:   uuid.NewString(),
			Trigger:   trigger,
			Result:    models.CycleIdle,
			StartedAt: o.now(),
			Services:  make(map[string]*models.ServiceOutcome),
		},
		clog: services.NewCycleLogger(),
	}
	run.log = logger.ForComponent("orchestrator").WithFields(logrus.Fields{
		logger.FieldCycleID: run.report.CycleId,
		"trigger":           trigger,
	})
	run.log.Info("Reconciliation cycle started")

	opCtx := context.WithoutCancel(ctx)
	startMutations := o.mutationCount()
	defer func() {
		run.report.Mutations = int(o.mutationCount() - startMutations)
		o.finish(opCtx, run)
	}()

	state, err := o.source.Load(opCtx)
	if err != nil {
		run.fail(PhaseFetchDesired, err)
		return run.report
	}
	run.clog.LogInfo(PhaseFetchDesired, fmt.Sprintf("Loaded %d services (%d enabled)", state.Len(), len(state.Enabled())))

	live, err := o.containers.Fetch(opCtx)
	if err != nil {
		run.fail(PhaseFetchActual, err)
		return run.report
	}
	var snap *reconciler.RoutingSnapshot
	if o.routing != nil {
		snap, err = o.routing.Fetch(opCtx)
		if err != nil {
			run.fail(PhaseFetchActual, err)
			return run.report
		}
	}
	run.clog.LogInfo(PhaseFetchActual, fmt.Sprintf("Found %d managed containers", len(live)))

	plan := o.containers.Plan(state, live)
	run.clog.LogInfo(PhaseDiff, fmt.Sprintf("Planned %d container operations", len(plan.Ops)))

	if ctx.Err() != nil {
		run.fail(PhaseApplyContainers, ErrShuttingDown)
		return run.report
	}
	containers := o.containers.Apply(opCtx, plan)
	for id, res := range containers {
		outcome := run.report.Outcome(id)
		outcome.ContainerAction = res.Action
		if res.Err != nil {
			outcome.Failed = true
			outcome.Error = res.Err.Error()
			run.clog.LogError(PhaseApplyContainers, res.Err.Error())
		} else if res.Action != models.ActionNone {
			run.clog.LogInfo(PhaseApplyContainers, fmt.Sprintf("%s: %s", id, res.Action))
		}
	}

	var routes map[string]*reconciler.RoutingResult
	if o.routing != nil {
		if ctx.Err() != nil {
			run.fail(PhaseApplyRouting, ErrShuttingDown)
			o.status.ApplyCycle(state, containers, nil, run.report)
			return run.report
		}
		post := make(map[string]*models.ContainerState, len(containers))
		for id, res := range containers {
			post[id] = res.State
		}
		rplan := o.routing.Plan(state, post, snap)
		routes = o.routing.Apply(opCtx, rplan)
		for id, res := range routes {
			outcome := run.report.Outcome(id)
			outcome.RoutingAction = res.Action
			if res.Err != nil {
				var conflict *reconciler.PriorityConflictError
				if errors.As(res.Err, &conflict) {
					run.log.WithField(logger.FieldServiceID, id).Error("Listener priority still taken after re-reading rules")
				}
				outcome.Failed = true
				if outcome.Error != "" {
					outcome.Error += "; "
				}
				outcome.Error += res.Err.Error()
				run.clog.LogError(PhaseApplyRouting, res.Err.Error())
			} else if res.Action == models.RoutingDeferred {
				run.clog.LogWarning(PhaseApplyRouting, fmt.Sprintf("%s: container not routable yet", id))
			} else if res.Action != models.RoutingNone {
				run.clog.LogInfo(PhaseApplyRouting, fmt.Sprintf("%s: %s", id, res.Action))
			}
		}
	}

	o.status.ApplyCycle(state, containers, routes, run.report)
	return run.report
}

func (o *Orchestrator) finish(ctx context.Context, run *cycleRun) {
	report := run.report
	report.FinishedAt = o.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	failed := report.FailedServices()
	sort.Strings(failed)
	summary := fmt.Sprintf("Cycle %s in %s: %d mutations, %d failed services", report.Result, report.Duration, report.Mutations, len(failed))
	run.clog.LogInfo(PhaseReport, summary)
	report.Logs = run.clog.GetLogsWithSizeLimit()

	o.status.RecordCycle(report)
	if o.cycles != nil {
		if err := o.cycles.Save(ctx, report); err != nil {
			run.log.WithField(logger.FieldError, err.Error()).Warn("Failed to store cycle report")
		}
	}

	entry := run.log.WithFields(logrus.Fields{
		"result":      report.Result,
		"duration_ms": report.Duration.Milliseconds(),
		"mutations":   report.Mutations,
	})
	if len(failed) > 0 {
		entry.WithField("failed_services", failed).Warn("Reconciliation cycle finished with failures")
	} else if report.Result == models.CycleIdle {
		entry.Info("Reconciliation cycle finished")
	}
}

// Status returns the last-known state of every service
func (o *Orchestrator) Status() models.StatusListResponse {
	resp := o.status.List()
	resp.Running = o.Running()
	return resp
}

// ServiceStatus returns the last-known state of one service
func (o *Orchestrator) ServiceStatus(id string) (models.ServiceStatus, error) {
	status, ok := o.status.Get(id)
	if !ok {
		return models.ServiceStatus{}, ErrUnknownService
	}
	return status, nil
}

// Cycles returns the newest stored cycle reports
func (o *Orchestrator) Cycles(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	if o.cycles == nil {
		return nil, nil
	}
	return o.cycles.Recent(ctx, limit)
}
