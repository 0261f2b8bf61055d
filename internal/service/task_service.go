package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
)

// ErrTaskExists is returned when a descriptor is already stored under the id.
var ErrTaskExists = errors.New("task already exists")

// TaskService coordinates descriptor construction and persistence.
type TaskService interface {
	CreateTask(ctx context.Context, cfg domain.Config) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SaveTask(ctx context.Context, task *domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	// RestoreTasks returns every descriptor that decoded cleanly, plus the
	// records that did not.
	RestoreTasks(ctx context.Context) ([]*domain.Task, []repository.LoadResult, error)
}

type taskService struct {
	tasks          repository.TaskRepository
	defaultHeaders map[string]string
	logger         *logrus.Logger
}

// NewTaskService builds a service over repo. defaultHeaders are applied to
// every new task underneath the task's own headers.
func NewTaskService(repo repository.TaskRepository, defaultHeaders map[string]string, logger *logrus.Logger) TaskService {
	if logger == nil {
		logger = logrus.New()
	}
	return &taskService{
		tasks:          repo,
		defaultHeaders: defaultHeaders,
		logger:         logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, cfg domain.Config) (*domain.Task, error) {
	cfg, err := s.withDefaultHeaders(cfg)
	if err != nil {
		return nil, err
	}

	task, err := domain.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := s.tasks.Get(ctx, task.ID()); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID())
	} else if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, domain.ErrCorruptRecord) {
		return nil, err
	}

	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID(),
		"type":    task.Type().String(),
	}).Info("task created")
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *taskService) SaveTask(ctx context.Context, task *domain.Task) error {
	return s.tasks.Save(ctx, task)
}

func (s *taskService) DeleteTask(ctx context.Context, id string) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("task_id", id).Info("task removed")
	return nil
}

func (s *taskService) RestoreTasks(ctx context.Context) ([]*domain.Task, []repository.LoadResult, error) {
	results, err := s.tasks.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	var (
		tasks  []*domain.Task
		failed []repository.LoadResult
	)
	for _, r := range results {
		if r.Err != nil {
			s.logger.WithField("task_id", r.ID).Warnf("skip unreadable task: %v", r.Err)
			failed = append(failed, r)
			continue
		}
		tasks = append(tasks, r.Task)
	}
	s.logger.Infof("restored %d tasks, %d unreadable", len(tasks), len(failed))
	return tasks, failed, nil
}

// withDefaultHeaders returns cfg with the configured default headers merged
// under the task's own. cfg itself is left untouched.
func (s *taskService) withDefaultHeaders(cfg domain.Config) (domain.Config, error) {
	if len(s.defaultHeaders) == 0 {
		return cfg, nil
	}

	own := map[string]string{}
	switch h := cfg[domain.FieldHeaders].(type) {
	case nil:
	case map[string]string:
		for k, v := range h {
			own[k] = v
		}
	case map[string]any:
		for k, v := range h {
			str, ok := v.(string)
			if !ok {
				return nil, &domain.FieldError{Field: domain.FieldHeaders, Err: domain.ErrInvalidField}
			}
			own[k] = str
		}
	default:
		return nil, &domain.FieldError{Field: domain.FieldHeaders, Err: domain.ErrInvalidField}
	}

	// header names compare case-insensitively; the task's spelling is kept
	merged := make(map[string]string, len(s.defaultHeaders)+len(own))
	for k, v := range s.defaultHeaders {
		if !hasHeader(own, k) {
			merged[k] = v
		}
	}
	for k, v := range own {
		merged[k] = v
	}

	out := make(domain.Config, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out[domain.FieldHeaders] = merged
	return out, nil
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
