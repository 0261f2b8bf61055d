package tracker

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository/sqlite"
	"bgtransfer/internal/service"
)

func newTracker(t *testing.T, db *sql.DB) Tracker {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := sqlite.NewTaskRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return New(Config{Logger: logger}, service.NewTaskService(repo, nil, logger))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func downloadConfig(id string) domain.Config {
	return domain.Config{
		"id":          id,
		"type":        0,
		"url":         "https://example.com/" + id,
		"destination": "/tmp/" + id,
	}
}

func TestBeginDeliveredOnceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	tr := newTracker(t, db)
	_, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)
	_, err = tr.Track(ctx, downloadConfig("t2"))
	require.NoError(t, err)

	deliver, err := tr.ReportBegin(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deliver)
	deliver, err = tr.ReportBegin(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, deliver)

	restarted := newTracker(t, db)
	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deliver, err = restarted.ReportBegin(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, deliver)
	deliver, err = restarted.ReportBegin(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, deliver)
}

func TestResumeSkipsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	tr := newTracker(t, db)
	_, err := tr.Track(ctx, downloadConfig("ok"))
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination) VALUES ('broken', 9, 'u', 'd')`)
	require.NoError(t, err)

	restarted := newTracker(t, db)
	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := restarted.Lookup("broken")
	assert.False(t, ok)
	_, ok = restarted.Lookup("ok")
	assert.True(t, ok)

	require.NoError(t, restarted.Forget(ctx, "broken"))
}

func TestTrackReplacesUnreadableRecord(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	tr := newTracker(t, db)

	_, err := db.Exec(`INSERT INTO transfer_tasks (id, type, url, destination) VALUES ('t1', 'abc', 'u', 'd')`)
	require.NoError(t, err)

	task, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.TypeDownload, task.Type())

	restarted := newTracker(t, db)
	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTrackRejectsDuplicatesAndMissingFields(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, openDB(t))

	_, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)
	_, err = tr.Track(ctx, downloadConfig("t1"))
	assert.ErrorIs(t, err, service.ErrTaskExists)

	cfg := downloadConfig("t2")
	delete(cfg, "destination")
	_, err = tr.Track(ctx, cfg)
	assert.ErrorIs(t, err, domain.ErrMissingField)
	_, ok := tr.Lookup("t2")
	assert.False(t, ok)
}

func TestLookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, openDB(t))
	_, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)

	task, ok := tr.Lookup("t1")
	require.True(t, ok)
	task.MarkBegin()

	deliver, err := tr.ReportBegin(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deliver)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	tr := newTracker(t, db)
	_, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)

	require.NoError(t, tr.Forget(ctx, "t1"))
	_, ok := tr.Lookup("t1")
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Forget(ctx, "t1"), ErrUnknownTask)

	_, err = tr.ReportBegin(ctx, "t1")
	assert.ErrorIs(t, err, ErrUnknownTask)

	restarted := newTracker(t, db)
	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentReportBegin(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, openDB(t))
	_, err := tr.Track(ctx, downloadConfig("t1"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.ReportBegin(ctx, "t1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, delivered)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, openDB(t))
	for _, id := range []string{"c", "a", "b"} {
		_, err := tr.Track(ctx, downloadConfig(id))
		require.NoError(t, err)
	}

	tasks := tr.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].ID())
	assert.Equal(t, "c", tasks[2].ID())
}
