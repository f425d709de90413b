package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/hueshift/internal/config"
	"github.com/dunamismax/hueshift/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.Job, error)
}

type UsageStore interface {
	// CreateUsageLog keeps the first log per job and ignores later ones.
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
	ListUsage(ctx context.Context, userID string) ([]domain.UsageLog, error)
}

// Store is a job store that also records usage.
type Store interface {
	JobStore
	UsageStore
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryJobStore(), nil
	case DriverPostgres:
		return NewPostgresJobStore(ctx, cfg.DSN)
	case DriverSQLite:
		return NewSQLiteJobStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
