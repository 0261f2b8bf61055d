package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(t *testing.T, cfg domain.Config) *domain.Task {
	t.Helper()
	task, err := domain.FromConfig(cfg)
	require.NoError(t, err)
	return task
}

func TestTaskRepositorySaveGet(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	task := newTask(t, domain.Config{
		"id":          "up-1",
		"type":        1,
		"url":         "https://example.com/upload",
		"destination": "/tmp/out",
		"metadata":    `{"k":1}`,
		"source":      "/tmp/in",
		"httpMethod":  "PUT",
		"headers":     map[string]string{"Authorization": "Bearer x"},
	})
	require.NoError(t, repo.Save(ctx, task))

	got, err := repo.Get(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, task, got)

	task.MarkBegin()
	require.NoError(t, repo.Save(ctx, task))
	got, err = repo.Get(ctx, "up-1")
	require.NoError(t, err)
	assert.True(t, got.ReportedBegin())
}

func TestTaskRepositoryAbsentOptionals(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	task := newTask(t, domain.Config{
		"id":          "t1",
		"type":        0,
		"url":         "https://example.com/f",
		"destination": "/tmp/f",
	})
	require.NoError(t, repo.Save(ctx, task))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	_, ok := got.Source()
	assert.False(t, ok)
	_, ok = got.HTTPMethod()
	assert.False(t, ok)
	assert.Nil(t, got.Headers())
	assert.Equal(t, "{}", got.Metadata())
}

func TestTaskRepositoryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "missing"), repository.ErrNotFound)
}

func TestTaskRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	task := newTask(t, domain.Config{"id": "d", "type": 0, "url": "u", "destination": "p"})
	require.NoError(t, repo.Save(ctx, task))
	require.NoError(t, repo.Delete(ctx, "d"))

	_, err := repo.Get(ctx, "d")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTaskRepositoryLegacyTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Exec(`
CREATE TABLE transfer_tasks (
	id TEXT PRIMARY KEY,
	type INTEGER NOT NULL,
	url TEXT NOT NULL,
	destination TEXT NOT NULL,
	source TEXT NULL,
	http_method TEXT NULL
);
INSERT INTO transfer_tasks (id, type, url, destination) VALUES ('old', 0, 'https://example.com/a', '/tmp/a');`)
	require.NoError(t, err)

	repo := NewTaskRepository(db)
	require.NoError(t, repo.Init(ctx))
	require.NoError(t, repo.Init(ctx))

	got, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Metadata())
	assert.False(t, got.ReportedBegin())
	assert.Nil(t, got.Headers())
}

func TestTaskRepositoryLoadSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewTaskRepository(db)
	require.NoError(t, repo.Init(ctx))

	require.NoError(t, repo.Save(ctx, newTask(t, domain.Config{"id": "a", "type": 0, "url": "u", "destination": "p"})))
	require.NoError(t, repo.Save(ctx, newTask(t, domain.Config{"id": "c", "type": 1, "url": "u", "destination": "p"})))

	_, err := db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination) VALUES ('b', 7, 'u', 'p')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination, headers) VALUES ('d', 0, 'u', 'p', 'not json')`)
	require.NoError(t, err)

	results, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := map[string]repository.LoadResult{}
	for _, r := range results {
		byID[r.ID] = r
	}

	assert.NoError(t, byID["a"].Err)
	assert.NotNil(t, byID["a"].Task)
	assert.NoError(t, byID["c"].Err)
	assert.Equal(t, domain.TypeUpload, byID["c"].Task.Type())

	assert.Nil(t, byID["b"].Task)
	assert.ErrorIs(t, byID["b"].Err, domain.ErrCorruptRecord)
	assert.ErrorIs(t, byID["b"].Err, domain.ErrInvalidType)

	assert.Nil(t, byID["d"].Task)
	assert.ErrorIs(t, byID["d"].Err, domain.ErrCorruptRecord)
}

func TestTaskRepositoryUnscannableRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewTaskRepository(db)
	require.NoError(t, repo.Init(ctx))

	require.NoError(t, repo.Save(ctx, newTask(t, domain.Config{"id": "a", "type": 0, "url": "u", "destination": "p"})))
	_, err := db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination) VALUES ('b', 'abc', 'u', 'p')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination, reported_begin) VALUES ('c', 0, 'u', 'p', 'maybe')`)
	require.NoError(t, err)

	results, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].ID)
	assert.NoError(t, results[0].Err)
	for _, r := range results[1:] {
		assert.Nil(t, r.Task, r.ID)
		assert.ErrorIs(t, r.Err, domain.ErrCorruptRecord, r.ID)
	}
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "c", results[2].ID)

	_, err = repo.Get(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrCorruptRecord)

	// a corrupt row can be replaced
	require.NoError(t, repo.Save(ctx, newTask(t, domain.Config{"id": "b", "type": 1, "url": "u", "destination": "p"})))
	got, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeUpload, got.Type())
}
