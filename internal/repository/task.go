package repository

import (
	"context"
	"errors"

	"bgtransfer/internal/domain"
)

// ErrNotFound is returned when no descriptor is stored under an id.
var ErrNotFound = errors.New("task not found")

// LoadResult is the outcome of restoring one persisted record. Exactly one of
// Task and Err is set.
type LoadResult struct {
	ID   string
	Task *domain.Task
	Err  error
}

// TaskRepository persists task descriptors keyed by id.
type TaskRepository interface {
	Init(ctx context.Context) error
	// Save inserts or replaces the descriptor stored under task.ID().
	Save(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	// Load decodes every persisted record independently; a corrupt record is
	// reported in its LoadResult and does not stop the others.
	Load(ctx context.Context) ([]LoadResult, error)
	Delete(ctx context.Context, id string) error
}
