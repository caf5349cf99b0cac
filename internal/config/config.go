package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Status API configuration
	Port             string
	DashboardEnabled bool
	JWTSecret        string

	// Logging configuration
	LogLevel string

	// Desired-state source
	ComposePath string

	// Reconciliation configuration
	ReconcileInterval    time.Duration
	OneShot              bool
	PortRangeStart       int
	PortRangeEnd         int
	ContainerPort        int
	ReconcileConcurrency int
	StopTimeout          time.Duration

	// AWS configuration
	AWSRegion        string
	RoutingEnabled   bool
	ListenerARN      string
	VPCID            string
	TargetInstanceID string
	HealthCheckPath  string

	// In-cycle retry policy for load-balancer calls
	RoutingMaxAttempts int
	RoutingBaseDelay   time.Duration
	RoutingMaxDelay    time.Duration

	// DynamoDB cycle history (optional)
	CyclesTableName string
}

// New creates a new Config instance by loading environment variables
// from the given .env file (if present) and OS environment.
// OS environment variables take precedence over .env file values.
func New(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = filepath.Join(".", ".env")
	}
	_ = godotenv.Load(envFile)

	var errs []string
	intVar := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer (got %q)", key, raw))
			return def
		}
		return v
	}

	cfg := &Config{
		Port:             getEnvOrDefault("PORT", "5000"),
		DashboardEnabled: getBoolOrDefault("DASHBOARD_ENABLED", true),
		JWTSecret:        os.Getenv("DASHBOARD_JWT_SECRET"),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),

		ComposePath: getEnvOrDefault("COMPOSE_PATH", "mcp-compose.yaml"),

		ReconcileInterval:    time.Duration(intVar("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		PortRangeStart:       intVar("PORT_RANGE_START", 8000),
		PortRangeEnd:         intVar("PORT_RANGE_END", 9000),
		ContainerPort:        intVar("CONTAINER_PORT", 8080),
		ReconcileConcurrency: intVar("RECONCILE_CONCURRENCY", 4),
		StopTimeout:          time.Duration(intVar("STOP_TIMEOUT_SECONDS", 10)) * time.Second,

		AWSRegion:        getEnvOrDefault("AWS_REGION", "us-west-2"),
		RoutingEnabled:   getBoolOrDefault("ROUTING_ENABLED", true),
		ListenerARN:      os.Getenv("LISTENER_ARN"),
		VPCID:            os.Getenv("VPC_ID"),
		TargetInstanceID: os.Getenv("TARGET_INSTANCE_ID"),
		HealthCheckPath:  getEnvOrDefault("HEALTH_CHECK_PATH", "/health"),

		RoutingMaxAttempts: intVar("ROUTING_MAX_ATTEMPTS", 4),
		RoutingBaseDelay:   time.Duration(intVar("ROUTING_BASE_DELAY_MS", 500)) * time.Millisecond,
		RoutingMaxDelay:    time.Duration(intVar("ROUTING_MAX_DELAY_MS", 8000)) * time.Millisecond,

		CyclesTableName: os.Getenv("CYCLES_TABLE_NAME"),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration values are present and valid.
// It is exported so command-line overrides can be re-validated.
func (c *Config) Validate() error {
	var missing []string

	if c.RoutingEnabled {
		if c.ListenerARN == "" {
			missing = append(missing, "LISTENER_ARN")
		}
		if c.VPCID == "" {
			missing = append(missing, "VPC_ID")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration values: %v", missing)
	}

	if c.PortRangeStart < 1 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.ContainerPort < 1 || c.ContainerPort > 65535 {
		return fmt.Errorf("CONTAINER_PORT out of range (got %d)", c.ContainerPort)
	}
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1 (got %d)", c.ReconcileConcurrency)
	}
	if !c.OneShot && c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be positive")
	}
	if c.RoutingMaxAttempts < 1 {
		return fmt.Errorf("ROUTING_MAX_ATTEMPTS must be at least 1 (got %d)", c.RoutingMaxAttempts)
	}
	if !strings.HasPrefix(c.HealthCheckPath, "/") {
		return fmt.Errorf("HEALTH_CHECK_PATH must start with '/' (got %q)", c.HealthCheckPath)
	}

	return nil
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolOrDefault parses a boolean environment variable
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
