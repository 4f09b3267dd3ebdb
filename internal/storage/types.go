package storage

import (
	"context"
	"errors"
	"time"

	"chronos/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via pgx (DSN required)
//   - "memory": process-local maps, nothing survives a restart
type Config struct {
	Driver      string
	Path        string // sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxConns    int32 // postgres pool size; 0 means pgx default
}

// Repository is the persistence API used by the engine and the job service.
//
// Lookups of missing rows return an error wrapping domain.ErrNotFound.
type Repository interface {
	CreateJob(ctx context.Context, j domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	// ListSchedulableJobs returns every active job.
	ListSchedulableJobs(ctx context.Context) ([]domain.Job, error)
	// FindDueJobs returns active jobs whose next run is at or before now.
	FindDueJobs(ctx context.Context, now time.Time) ([]domain.Job, error)
	UpdateJob(ctx context.Context, id string, p domain.JobPatch) (domain.Job, error)
	// DeleteJob removes the job and its runs.
	DeleteJob(ctx context.Context, id string) error

	CreateRun(ctx context.Context, r domain.Run) (domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, id string, p domain.RunPatch) (domain.Run, error)
	ListRuns(ctx context.Context, jobID string, skip, take int) ([]domain.Run, error)

	CreateFunction(ctx context.Context, f domain.Function) (domain.Function, error)
	GetFunction(ctx context.Context, id string) (domain.Function, error)
	UpdateFunction(ctx context.Context, id string, p domain.FunctionPatch) (domain.Function, error)
	DeleteFunction(ctx context.Context, id string) error

	GetChannel(ctx context.Context, id string) (domain.Channel, error)
	FindChannelByProviderAndSession(ctx context.Context, provider, session string) (domain.Channel, error)
	UpsertChannel(ctx context.Context, c domain.Channel) (domain.Channel, error)

	Close() error
}

// DefaultChannelID is seeded by every driver: a WAHA channel on session "default".
const DefaultChannelID = "00000000-0000-0000-0000-000000000001"

func defaultChannel(now time.Time) domain.Channel {
	return domain.Channel{
		ID:          DefaultChannelID,
		Name:        "default",
		Description: "Default WAHA session",
		Type:        "whatsapp",
		Provider:    domain.ProviderWAHA,
		Config:      []byte(`{"session":"default"}`),
		IsActive:    true,
		Status:      "unknown",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
