package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/melodia-app/melodia/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultUser(ctx context.Context) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// UpsertTask writes the task's full current state, keyed by id. The
	// poller that owns a task is its only writer, so last-write-wins per id
	// is safe; re-running an upsert for the same state is a no-op.
	UpsertTask(ctx context.Context, task *models.GenerationTask) error
	// GetTask is unscoped; callers enforce ownership where it matters.
	GetTask(ctx context.Context, id uuid.UUID) (*models.GenerationTask, error)
	GetActiveTaskByKey(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*models.GenerationTask, error)
	// ListActiveTasks returns every non-terminal task, oldest first. Used to
	// re-arm pollers at boot.
	ListActiveTasks(ctx context.Context) ([]*models.GenerationTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.GenerationTask, int, error)
	// SetPrimaryVariation is the one mutation allowed on a terminal task.
	// The update is guarded: completed tasks only, index within bounds.
	SetPrimaryVariation(ctx context.Context, id uuid.UUID, userID uuid.UUID, index int) error
}

// TaskFilter narrows ListTasks. UserID is required; the rest is optional.
type TaskFilter struct {
	UserID uuid.UUID
	Status models.TaskStatus
	Page   int
	Limit  int
}
