package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobd/internal/job"
	logx "jobd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Jobs() JobStore             { return &sqliteJobs{s} }
func (s *sqliteStore) Executions() ExecutionStore { return &sqliteExecs{s} }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time / json helpers ----

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func jsonOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ---- jobs ----

type sqliteJobs struct{ st *sqliteStore }

const jobColumns = `id, owner_id, name, description, type, schedule, action, enabled, metadata, last_run, next_run, created_at, updated_at`

func (s *sqliteJobs) scanJob(scan func(dest ...any) error) (*job.Job, error) {
	var (
		j                 job.Job
		schedRaw, actRaw  string
		metaRaw           sql.NullString
		enabled           int
		lastRun, nextRun  sql.NullInt64
		created, updated  int64
	)
	if err := scan(&j.ID, &j.OwnerID, &j.Name, &j.Description, &j.Type, &schedRaw, &actRaw,
		&enabled, &metaRaw, &lastRun, &nextRun, &created, &updated); err != nil {
		return nil, err
	}
	sched, err := job.UnmarshalSchedule([]byte(schedRaw))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Schedule = sched
	if err := json.Unmarshal([]byte(actRaw), &j.Action); err != nil {
		return nil, fmt.Errorf("job %s action: %w", j.ID, err)
	}
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("job %s metadata: %w", j.ID, err)
		}
	}
	j.Enabled = enabled != 0
	j.LastRun = timeFromNanos(lastRun)
	j.NextRun = timeFromNanos(nextRun)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return &j, nil
}

func jobArgs(j *job.Job) ([]any, error) {
	schedRaw, err := job.MarshalSchedule(j.Schedule)
	if err != nil {
		return nil, err
	}
	actRaw, err := json.Marshal(j.Action)
	if err != nil {
		return nil, err
	}
	var metaRaw any
	if j.Metadata != nil {
		metaRaw, err = jsonOrNil(j.Metadata)
		if err != nil {
			return nil, err
		}
	}
	enabled := 0
	if j.Enabled {
		enabled = 1
	}
	return []any{
		j.ID, j.OwnerID, j.Name, j.Description, string(j.Type), string(schedRaw), string(actRaw),
		enabled, metaRaw, nanosOrNil(j.LastRun), nanosOrNil(j.NextRun),
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	}, nil
}

func (s *sqliteJobs) Create(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.st.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExists
	}
	return err
}

func (s *sqliteJobs) Update(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	// Shift id to the WHERE position.
	res, err := s.st.db.ExecContext(ctx,
		`UPDATE jobs SET owner_id=?, name=?, description=?, type=?, schedule=?, action=?,
		        enabled=?, metadata=?, last_run=?, next_run=?, created_at=?, updated_at=?
		 WHERE id=?`,
		append(args[1:], j.ID)...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteJobs) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.st.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := s.scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *sqliteJobs) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.st.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteJobs) Find(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != nil {
		where = append(where, "type=?")
		args = append(args, string(*f.Type))
	}
	if f.Enabled != nil {
		e := 0
		if *f.Enabled {
			e = 1
		}
		where = append(where, "enabled=?")
		args = append(args, e)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at>=?")
		args = append(args, f.CreatedAfter.UnixNano())
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at<=?")
		args = append(args, f.CreatedBefore.UnixNano())
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *sqliteJobs) Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
	      WHERE enabled=1 AND next_run IS NOT NULL AND next_run<=?
	      ORDER BY next_run`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryJobs(ctx, q, now.UnixNano())
}

func (s *sqliteJobs) queryJobs(ctx context.Context, q string, args ...any) ([]*job.Job, error) {
	rows, err := s.st.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := s.scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteJobs) TryClaim(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error) {
	res, err := s.st.db.ExecContext(ctx,
		`UPDATE jobs SET next_run=?, updated_at=? WHERE id=? AND next_run=?`,
		nanosOrNil(next), time.Now().UnixNano(), id, expected.UnixNano())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteJobs) SetLastRun(ctx context.Context, id string, t time.Time) error {
	res, err := s.st.db.ExecContext(ctx,
		`UPDATE jobs SET last_run=?, updated_at=? WHERE id=?`,
		t.UnixNano(), time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- executions ----

type sqliteExecs struct{ st *sqliteStore }

func (s *sqliteExecs) Append(ctx context.Context, e *job.Execution) error {
	resRaw, err := jsonOrNil(nilIfEmptyParams(e.Result))
	if err != nil {
		return err
	}
	var errRaw any
	if e.Error != nil {
		errRaw, err = jsonOrNil(e.Error)
		if err != nil {
			return err
		}
	}
	manual := 0
	if e.Manual {
		manual = 1
	}
	_, err = s.st.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, status, started_at, completed_at, duration_ns, result, error, retry_count, manual)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.JobID, string(e.Status), e.StartedAt.UnixNano(), nanosOrNil(e.CompletedAt),
		int64(e.Duration), resRaw, errRaw, e.RetryCount, manual)
	return err
}

func (s *sqliteExecs) Update(ctx context.Context, e *job.Execution) error {
	resRaw, err := jsonOrNil(nilIfEmptyParams(e.Result))
	if err != nil {
		return err
	}
	var errRaw any
	if e.Error != nil {
		errRaw, err = jsonOrNil(e.Error)
		if err != nil {
			return err
		}
	}
	res, err := s.st.db.ExecContext(ctx,
		`UPDATE executions SET status=?, completed_at=?, duration_ns=?, result=?, error=?, retry_count=?
		 WHERE id=?`,
		string(e.Status), nanosOrNil(e.CompletedAt), int64(e.Duration), resRaw, errRaw, e.RetryCount, e.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteExecs) ListByJob(ctx context.Context, jobID string, limit int) ([]*job.Execution, error) {
	q := `SELECT id, job_id, status, started_at, completed_at, duration_ns, result, error, retry_count, manual
	      FROM executions WHERE job_id=? ORDER BY started_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.st.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Execution
	for rows.Next() {
		var (
			e         job.Execution
			started   int64
			completed sql.NullInt64
			durNS     int64
			resRaw    sql.NullString
			errRaw    sql.NullString
			manual    int
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &started, &completed, &durNS,
			&resRaw, &errRaw, &e.RetryCount, &manual); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.CompletedAt = timeFromNanos(completed)
		e.Duration = time.Duration(durNS)
		e.Manual = manual != 0
		if resRaw.Valid && resRaw.String != "" {
			if err := json.Unmarshal([]byte(resRaw.String), &e.Result); err != nil {
				return nil, err
			}
		}
		if errRaw.Valid && errRaw.String != "" {
			var ee job.ExecError
			if err := json.Unmarshal([]byte(errRaw.String), &ee); err != nil {
				return nil, err
			}
			e.Error = &ee
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *sqliteExecs) CountByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

func (s *sqliteExecs) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE started_at>=?`, since.UnixNano()).Scan(&n)
	return n, err
}

func nilIfEmptyParams(p job.Params) any {
	if len(p) == 0 {
		return nil
	}
	return p
}
