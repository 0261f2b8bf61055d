package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
	"bgtransfer/internal/service"
)

// ErrUnknownTask is returned for ids the tracker is not holding.
var ErrUnknownTask = errors.New("unknown task")

// Tracker owns the live descriptors and correlates transfer callbacks with
// them by id.
type Tracker interface {
	Resume(ctx context.Context) (int, error)
	Track(ctx context.Context, cfg domain.Config) (*domain.Task, error)
	Lookup(id string) (*domain.Task, bool)
	List() []*domain.Task
	// ReportBegin reports whether the begin event for id should be delivered.
	// It is true exactly once per task, restarts included.
	ReportBegin(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Config struct {
	Logger *logrus.Logger
}

// tracker guards every live descriptor with one mutex; descriptors are never
// handed out without cloning.
type tracker struct {
	cfg   Config
	tasks service.TaskService

	mu   sync.Mutex
	live map[string]*domain.Task
}

func New(cfg Config, tasks service.TaskService) Tracker {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &tracker{
		cfg:   cfg,
		tasks: tasks,
		live:  make(map[string]*domain.Task),
	}
}

// Resume reloads persisted descriptors. Unreadable records are skipped; the
// returned count covers the ones restored.
func (t *tracker) Resume(ctx context.Context) (int, error) {
	restored, failed, err := t.tasks.RestoreTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore tasks: %w", err)
	}

	t.mu.Lock()
	for _, task := range restored {
		t.live[task.ID()] = task
	}
	t.mu.Unlock()

	if len(failed) > 0 {
		t.cfg.Logger.Warnf("%d persisted tasks could not be restored", len(failed))
	}
	return len(restored), nil
}

func (t *tracker) Track(ctx context.Context, cfg domain.Config) (*domain.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := cfg[domain.FieldID].(string); ok {
		if _, exists := t.live[id]; exists {
			return nil, fmt.Errorf("%w: %s", service.ErrTaskExists, id)
		}
	}

	task, err := t.tasks.CreateTask(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.live[task.ID()] = task
	return task.Clone(), nil
}

func (t *tracker) Lookup(id string) (*domain.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.live[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

func (t *tracker) List() []*domain.Task {
	t.mu.Lock()
	out := make([]*domain.Task, 0, len(t.live))
	for _, task := range t.live {
		out = append(out, task.Clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *tracker) ReportBegin(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.live[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.ReportedBegin() {
		return false, nil
	}

	// the flag is on disk before the caller delivers anything
	updated := task.Clone()
	updated.MarkBegin()
	if err := t.tasks.SaveTask(ctx, updated); err != nil {
		return false, fmt.Errorf("persist begin flag: %w", err)
	}
	t.live[id] = updated
	t.cfg.Logger.WithField("task_id", id).Debug("begin reported")
	return true, nil
}

func (t *tracker) Forget(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, tracked := t.live[id]
	err := t.tasks.DeleteTask(ctx, id)
	if err != nil && !(tracked && errors.Is(err, repository.ErrNotFound)) {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		return err
	}
	delete(t.live, id)
	return nil
}
