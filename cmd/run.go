package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/imyashkale/mcporchestrator/internal/config"
	"github.com/imyashkale/mcporchestrator/internal/database"
	"github.com/imyashkale/mcporchestrator/internal/desired"
	"github.com/imyashkale/mcporchestrator/internal/engine"
	"github.com/imyashkale/mcporchestrator/internal/handlers"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/ports"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
	"github.com/imyashkale/mcporchestrator/internal/repository"
	"github.com/imyashkale/mcporchestrator/internal/retry"
	"github.com/imyashkale/mcporchestrator/internal/router"
	"github.com/imyashkale/mcporchestrator/internal/services"
)

const (
	memoryCycleHistory = 200
	watchDebounce      = 500 * time.Millisecond
	httpShutdownGrace  = 10 * time.Second
)

// startupPolicy bounds how long the daemon waits for Docker and the load
// balancer to become reachable before giving up
var startupPolicy = retry.Policy{
	MaxAttempts: 6,
	BaseDelay:   time.Second,
	MaxDelay:    15 * time.Second,
	Jitter:      0.2,
}

// loadConfig reads the environment and applies command-line overrides
func loadConfig(f *flags, changed func(string) bool) (*config.Config, error) {
	cfg, err := config.New(f.envFile)
	if err != nil {
		return nil, err
	}
	if changed("compose") {
		cfg.ComposePath = f.composePath
	}
	if changed("one-shot") {
		cfg.OneShot = f.oneShot
	}
	if changed("no-dashboard") {
		cfg.DashboardEnabled = !f.noDashboard
	}
	if changed("dashboard-port") {
		cfg.Port = f.dashboardPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, f *flags, changed func(string) bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(f, changed)
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)
	logger.WithFields(logrus.Fields{
		"compose":  cfg.ComposePath,
		"one_shot": cfg.OneShot,
		"routing":  cfg.RoutingEnabled,
		"ports":    fmt.Sprintf("%d-%d", cfg.PortRangeStart, cfg.PortRangeEnd),
	}).Info("Configuration loaded successfully")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	docker, err := services.NewDockerRuntime(services.NewECRAuthProvider(awsCfg), cfg.StopTimeout)
	if err != nil {
		return err
	}
	defer docker.Close()

	if err := waitReachable(ctx, "docker", docker.Ping); err != nil {
		return err
	}

	allocator, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd, ports.WithProber(ports.TCPProbe))
	if err != nil {
		return err
	}
	containers := reconciler.NewContainerReconciler(docker, allocator, cfg.ReconcileConcurrency)

	var routing *reconciler.RoutingReconciler
	if cfg.RoutingEnabled {
		routing, err = newRouting(ctx, cfg, awsCfg, allocator)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Routing disabled, load-balancer resources will not be managed")
	}

	cycles, err := newCycleRepository(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}

	orch := engine.New(
		desired.NewFileSource(cfg.ComposePath, cfg.ContainerPort),
		containers,
		routing,
		cycles,
		engine.Options{Interval: cfg.ReconcileInterval, OneShot: cfg.OneShot},
	)

	if cfg.OneShot {
		return orch.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		w := desired.NewWatcher(cfg.ComposePath, watchDebounce, func() {
			if _, err := orch.TriggerSync(engine.TriggerConfigChange); err != nil && !errors.Is(err, engine.ErrShuttingDown) {
				logger.WithField(logger.FieldError, err.Error()).Warn("Failed to request sync after config change")
			}
		})
		if err := w.Run(gctx); err != nil {
			// the periodic cycle still picks up changes
			logger.WithField(logger.FieldError, err.Error()).Warn("Desired-state file watcher stopped")
		}
		return nil
	})
	if cfg.DashboardEnabled {
		g.Go(func() error {
			return serveAPI(gctx, cfg, orch)
		})
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

func newRouting(ctx context.Context, cfg *config.Config, awsCfg aws.Config, allocator *ports.Allocator) (*reconciler.RoutingReconciler, error) {
	instanceID, err := services.NewInstanceIdentity(awsCfg, cfg.TargetInstanceID).InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	alb := services.NewALBService(awsCfg, services.ALBConfig{
		ListenerARN:     cfg.ListenerARN,
		VPCID:           cfg.VPCID,
		InstanceID:      instanceID,
		HealthCheckPath: cfg.HealthCheckPath,
	})
	if err := waitReachable(ctx, "load balancer", alb.Ping); err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RoutingMaxAttempts,
		BaseDelay:   cfg.RoutingBaseDelay,
		MaxDelay:    cfg.RoutingMaxDelay,
		Jitter:      retry.Default().Jitter,
	}
	return reconciler.NewRoutingReconciler(alb, allocator, policy, cfg.ReconcileConcurrency), nil
}

func newCycleRepository(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (repository.CycleRepository, error) {
	if cfg.CyclesTableName == "" {
		logger.Info("CYCLES_TABLE_NAME not set, keeping cycle history in memory")
		return repository.NewMemoryCycleRepository(memoryCycleHistory), nil
	}

	dbConfig := database.NewConfig(cfg)
	logger.Infof("Initializing DynamoDB client for table: %s in region: %s", dbConfig.TableName, dbConfig.Region)
	client, err := database.NewClient(ctx, awsCfg, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DynamoDB client: %w", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mcp-orchestrator"
	}
	return repository.NewCycleRepository(database.NewCycleOperations(client, dbConfig.TableName, hostname)), nil
}

// waitReachable retries ping under the startup policy
func waitReachable(ctx context.Context, name string, ping func(context.Context) error) error {
	log := logger.ForComponent("startup").WithField("dependency", name)
	attempts, err := startupPolicy.Do(ctx, retry.Always, func(ctx context.Context) error {
		err := ping(ctx)
		if err != nil {
			log.WithField(logger.FieldError, err.Error()).Warn("Dependency not reachable yet")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s not reachable after %d attempts: %w", name, attempts, err)
	}
	log.Info("Dependency reachable")
	return nil
}

// serveAPI runs the status API until ctx is done, then drains it. A
// listen failure is logged and does not stop the daemon.
func serveAPI(ctx context.Context, cfg *config.Config, orch *engine.Orchestrator) error {
	if !logger.GetLogger().IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.Setup(
		cfg.JWTSecret,
		handlers.NewHealthHandler(),
		handlers.NewStatusHandler(orch),
		handlers.NewControlHandler(orch),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting status API on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			// reconciliation does not depend on the dashboard
			logger.WithField(logger.FieldError, err.Error()).Error("Status API stopped, reconciliation continues")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down status API gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
