// Package redis stores task descriptors as Redis hashes, one hash per task
// plus a set indexing the live ids.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
)

const DefaultKeyPrefix = "transfer"

type TaskRepository struct {
	rdb    goredis.Cmdable
	prefix string
}

func NewTaskRepository(rdb goredis.Cmdable, prefix string) repository.TaskRepository {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &TaskRepository{rdb: rdb, prefix: prefix}
}

// taskKey returns the hash key holding one descriptor.
func (r *TaskRepository) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", r.prefix, id)
}

func (r *TaskRepository) indexKey() string {
	return r.prefix + ":tasks"
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	fields, absent, err := toHash(task)
	if err != nil {
		return err
	}

	key := r.taskKey(task.ID())
	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(absent) > 0 {
			pipe.HDel(ctx, key, absent...)
		}
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, r.indexKey(), task.ID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	data, err := r.rdb.HGetAll(ctx, r.taskKey(id)).Result()
	if err != nil {
		if isReplyError(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
		}
		return nil, fmt.Errorf("read task: %w", err)
	}
	if len(data) == 0 {
		return nil, repository.ErrNotFound
	}
	rec, err := fromHash(data)
	if err != nil {
		return nil, err
	}
	return domain.Decode(rec)
}

func (r *TaskRepository) Load(ctx context.Context) ([]repository.LoadResult, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.taskKey(id))
		}
		return nil
	})
	// a reply error belongs to one key; anything else means the connection failed
	if err != nil && !isReplyError(err) {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	results := make([]repository.LoadResult, 0, len(ids))
	for i, id := range ids {
		if err := cmds[i].Err(); err != nil {
			if !isReplyError(err) {
				return nil, fmt.Errorf("read task %s: %w", id, err)
			}
			results = append(results, repository.LoadResult{
				ID:  id,
				Err: fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err),
			})
			continue
		}
		data := cmds[i].Val()
		if len(data) == 0 {
			// indexed but the hash is gone
			results = append(results, repository.LoadResult{
				ID:  id,
				Err: fmt.Errorf("%w: %w", domain.ErrCorruptRecord, repository.ErrNotFound),
			})
			continue
		}
		rec, err := fromHash(data)
		if err != nil {
			results = append(results, repository.LoadResult{ID: id, Err: err})
			continue
		}
		task, err := domain.Decode(rec)
		results = append(results, repository.LoadResult{ID: id, Task: task, Err: err})
	}
	return results, nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	var del *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, r.taskKey(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if del.Val() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isReplyError(err error) bool {
	if errors.Is(err, goredis.Nil) {
		return true
	}
	var reply goredis.Error
	return errors.As(err, &reply)
}

// toHash flattens a descriptor into hash fields. Optional fields that are
// absent come back in the second slice so Save can clear stale values.
func toHash(task *domain.Task) (map[string]any, []string, error) {
	fields := map[string]any{
		domain.FieldID:            task.ID(),
		domain.FieldType:          strconv.Itoa(int(task.Type())),
		domain.FieldURL:           task.URL(),
		domain.FieldDestination:   task.Destination(),
		domain.FieldMetadata:      task.Metadata(),
		domain.FieldReportedBegin: strconv.FormatBool(task.ReportedBegin()),
	}
	var absent []string

	if s, ok := task.Source(); ok {
		fields[domain.FieldSource] = s
	} else {
		absent = append(absent, domain.FieldSource)
	}
	if m, ok := task.HTTPMethod(); ok {
		fields[domain.FieldHTTPMethod] = m
	} else {
		absent = append(absent, domain.FieldHTTPMethod)
	}
	if h := task.Headers(); h != nil {
		data, err := json.Marshal(h)
		if err != nil {
			return nil, nil, fmt.Errorf("encode headers: %w", err)
		}
		fields[domain.FieldHeaders] = string(data)
	} else {
		absent = append(absent, domain.FieldHeaders)
	}
	return fields, absent, nil
}

// fromHash rebuilds a record from hash fields. Fields missing from the hash
// stay missing so domain.Decode applies its defaults.
func fromHash(data map[string]string) (domain.Record, error) {
	rec := domain.Record{}
	for _, f := range []string{
		domain.FieldID, domain.FieldURL, domain.FieldDestination,
		domain.FieldMetadata, domain.FieldSource, domain.FieldHTTPMethod,
	} {
		if v, ok := data[f]; ok {
			rec[f] = v
		}
	}

	if v, ok := data[domain.FieldType]; ok {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCorruptRecord, &domain.FieldError{Field: domain.FieldType, Err: domain.ErrInvalidType})
		}
		rec[domain.FieldType] = code
	}
	if v, ok := data[domain.FieldReportedBegin]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCorruptRecord, &domain.FieldError{Field: domain.FieldReportedBegin, Err: domain.ErrInvalidField})
		}
		rec[domain.FieldReportedBegin] = b
	}
	if v, ok := data[domain.FieldHeaders]; ok {
		var h map[string]string
		if err := json.Unmarshal([]byte(v), &h); err != nil {
			return nil, fmt.Errorf("%w: headers: %v", domain.ErrCorruptRecord, err)
		}
		rec[domain.FieldHeaders] = h
	}
	return rec, nil
}
