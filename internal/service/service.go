package service

import (
	"context"
	"fmt"
	"time"
)

// Type identifies the kind of backend a service instance talks to.
type Type string

const (
	TypeMemory     Type = "memory"
	TypeFilesystem Type = "filesystem"
	TypeGit        Type = "git"
	TypeVector     Type = "vector"
)

// HealthStatus is the three-level health classification reported by a service.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResult is the outcome of a single health probe. Err is set only
// when the probe itself failed, in which case Status is unhealthy.
type HealthResult struct {
	Status    HealthStatus
	Timestamp time.Time
	Err       error
}

// Metrics is a point-in-time view of a service's request counters.
type Metrics struct {
	Requests        int64
	Failures        int64
	AvgResponseTime time.Duration
	LastRequestAt   time.Time
}

// Config describes how to reach and supervise one backend service.
type Config struct {
	ID                  string        `mapstructure:"id"`
	Name                string        `mapstructure:"name"`
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Protocol            string        `mapstructure:"protocol"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	AuthToken           string        `mapstructure:"auth_token"`
}

// BaseURL renders the config as a root URL, e.g. "http://localhost:8081".
func (c Config) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// Service is the lifecycle contract the registry requires of anything it
// manages. Implementations own their transport; the registry only drives
// ordering and health supervision.
type Service interface {
	Initialize(ctx context.Context, cfg Config) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Health(ctx context.Context) HealthResult
	Metrics(ctx context.Context) (Metrics, error)
	Ping(ctx context.Context) bool
}
