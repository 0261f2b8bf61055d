package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
)

// Columns added after the first release are nullable so rows written before
// them still load; NULL means the field was never persisted.
const createTasksTable = `
CREATE TABLE IF NOT EXISTS transfer_tasks (
	id TEXT PRIMARY KEY,
	type INTEGER NOT NULL,
	url TEXT NOT NULL,
	destination TEXT NOT NULL,
	source TEXT NULL,
	http_method TEXT NULL
);
`

const selectTaskColumns = `
SELECT id, type, url, destination, metadata, source, http_method, headers, reported_begin
FROM transfer_tasks`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create transfer_tasks table: %w", err)
	}
	if err := r.ensureTaskColumns(ctx); err != nil {
		return err
	}
	return nil
}

func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(transfer_tasks)`)
	if err != nil {
		return fmt.Errorf("describe transfer_tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}
	rows.Close()

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("headers", `ALTER TABLE transfer_tasks ADD COLUMN headers TEXT NULL`); err != nil {
		return err
	}
	if err := addColumn("metadata", `ALTER TABLE transfer_tasks ADD COLUMN metadata TEXT NULL`); err != nil {
		return err
	}
	if err := addColumn("reported_begin", `ALTER TABLE transfer_tasks ADD COLUMN reported_begin INTEGER NULL`); err != nil {
		return err
	}
	return nil
}

func (r *TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	var headers any
	if h := task.Headers(); h != nil {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode headers: %w", err)
		}
		headers = string(data)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO transfer_tasks (id, type, url, destination, metadata, source, http_method, headers, reported_begin)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	type=excluded.type,
	url=excluded.url,
	destination=excluded.destination,
	metadata=excluded.metadata,
	source=excluded.source,
	http_method=excluded.http_method,
	headers=excluded.headers,
	reported_begin=excluded.reported_begin`,
		task.ID(),
		int(task.Type()),
		task.URL(),
		task.Destination(),
		task.Metadata(),
		optional(task.Source()),
		optional(task.HTTPMethod()),
		headers,
		task.ReportedBegin(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, selectTaskColumns+`
WHERE id=?`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return domain.Decode(rec)
}

func (r *TaskRepository) Load(ctx context.Context) ([]repository.LoadResult, error) {
	rows, err := r.db.QueryContext(ctx, selectTaskColumns+`
ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var results []repository.LoadResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			id, _ := rec[domain.FieldID].(string)
			results = append(results, repository.LoadResult{ID: id, Err: err})
			continue
		}
		task, err := domain.Decode(rec)
		id, _ := rec[domain.FieldID].(string)
		results = append(results, repository.LoadResult{ID: id, Task: task, Err: err})
	}

	return results, rows.Err()
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transfer_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// scanRecord turns a row into a record holding only the non-NULL columns.
// The id is filled in before anything else can fail so callers can report it.
func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (domain.Record, error) {
	var (
		id            string
		typ           int64
		url           string
		destination   string
		metadata      sql.NullString
		source        sql.NullString
		httpMethod    sql.NullString
		headers       sql.NullString
		reportedBegin sql.NullBool
	)

	if err := scanner.Scan(
		&id,
		&typ,
		&url,
		&destination,
		&metadata,
		&source,
		&httpMethod,
		&headers,
		&reportedBegin,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return domain.Record{domain.FieldID: id}, fmt.Errorf("%w: scan task: %v", domain.ErrCorruptRecord, err)
	}

	rec := domain.Record{
		domain.FieldID:          id,
		domain.FieldType:        typ,
		domain.FieldURL:         url,
		domain.FieldDestination: destination,
	}
	if metadata.Valid {
		rec[domain.FieldMetadata] = metadata.String
	}
	if source.Valid {
		rec[domain.FieldSource] = source.String
	}
	if httpMethod.Valid {
		rec[domain.FieldHTTPMethod] = httpMethod.String
	}
	if reportedBegin.Valid {
		rec[domain.FieldReportedBegin] = reportedBegin.Bool
	}
	if headers.Valid {
		var h map[string]string
		if err := json.Unmarshal([]byte(headers.String), &h); err != nil {
			return rec, fmt.Errorf("%w: headers: %v", domain.ErrCorruptRecord, err)
		}
		rec[domain.FieldHeaders] = h
	}
	return rec, nil
}

func optional(s string, ok bool) any {
	if !ok {
		return nil
	}
	return s
}
