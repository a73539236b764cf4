package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"jobplane/internal/apperrors"
	"jobplane/internal/job"
)

// Sqlite is the durable Store and catalog Registry, backed by a single
// sqlite database. Transactions take the write lock up front (txlock=
// immediate), so a compare-and-set never observes a status that another
// writer is about to change.
type Sqlite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSqlite opens (creating if needed) the database at path and ensures
// the schema. It is safe to call on an existing database.
func OpenSqlite(path string) (*Sqlite, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Enable Write-Ahead Logging. See https://sqlite.org/wal.html
	if _, err := db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("foreign keys pragma: %w", err)
	}
	s := &Sqlite{db: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*Sqlite)(nil)

func (s *Sqlite) ensureSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, create := range []func(*sql.Tx) error{
		createJobsTable,
		createJobRequestsTable,
		createJobExecutionsTable,
		createJobMetadataTable,
		createCatalogTables,
	} {
		if err := create(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// createJobsTable creates the jobs table if not exists.
// It is ok to call it multiple times.
func createJobsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			user TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			cluster_id TEXT NOT NULL DEFAULT '',
			cluster_name TEXT NOT NULL DEFAULT '',
			command_id TEXT NOT NULL DEFAULT '',
			command_name TEXT NOT NULL DEFAULT '',
			criteria_string TEXT NOT NULL DEFAULT '',
			application_ids TEXT NOT NULL DEFAULT '[]',
			cpus INTEGER NOT NULL,
			memory_mb INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			archive_location TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			updated INTEGER NOT NULL,
			started INTEGER,
			finished INTEGER
		);
	`)
	return err
}

func createJobRequestsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS job_requests (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id),
			body TEXT NOT NULL
		);
	`)
	return err
}

func createJobExecutionsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS job_executions (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id),
			host_name TEXT NOT NULL,
			process_id INTEGER,
			check_delay INTEGER NOT NULL,
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			memory_mb INTEGER,
			cluster_criteria TEXT NOT NULL DEFAULT '[]',
			created INTEGER NOT NULL
		);
	`)
	return err
}

func createJobMetadataTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS job_metadata (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id),
			client_host TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			num_attachments INTEGER NOT NULL DEFAULT 0,
			total_attachment_size INTEGER NOT NULL DEFAULT 0,
			stdout_size INTEGER,
			stderr_size INTEGER
		);
	`)
	return err
}

func (s *Sqlite) CreateJob(ctx context.Context, j *job.Job, req *job.Request, md *job.Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, j.ID).Scan(&exists)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	if exists > 0 {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, name, user, version, status, status_message,
			cluster_id, cluster_name, command_id, command_name,
			criteria_string, application_ids, cpus, memory_mb, tags,
			archive_location, created, updated
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Name, j.User, j.Version, string(j.Status), j.StatusMessage,
		j.ClusterID, j.ClusterName, j.CommandID, j.CommandName,
		j.ChosenClusterCriteriaString, mustJSON(j.ApplicationIDs), j.CPUs, j.MemoryMB, mustJSON(j.Tags),
		j.ArchiveLocation, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return apperrors.Internal("store.createJob", err)
	}

	if req != nil {
		body, err := json.Marshal(req)
		if err != nil {
			return apperrors.Internal("store.createJob", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_requests (job_id, body) VALUES (?, ?)`, j.ID, string(body)); err != nil {
			return apperrors.Internal("store.createJob", err)
		}
	}
	if md != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_metadata (
				job_id, client_host, user_agent, num_attachments,
				total_attachment_size, stdout_size, stderr_size
			)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			j.ID, md.ClientHost, md.UserAgent, md.NumAttachments,
			md.TotalSizeOfAttachments, md.StdOutSize, md.StdErrSize,
		); err != nil {
			return apperrors.Internal("store.createJob", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.createJob", err)
	}
	return nil
}

func (s *Sqlite) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, user, version, status, status_message,
			cluster_id, cluster_name, command_id, command_name,
			criteria_string, application_ids, cpus, memory_mb, tags,
			archive_location, created, updated, started, finished
		FROM jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getJob", err)
	}
	return j, nil
}

func (s *Sqlite) ListJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, user, version, status, status_message,
			cluster_id, cluster_name, command_id, command_name,
			criteria_string, application_ids, cpus, memory_mb, tags,
			archive_location, created, updated, started, finished
		FROM jobs ORDER BY created DESC
	`)
	if err != nil {
		return nil, apperrors.Internal("store.listJobs", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.listJobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.listJobs", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                 job.Job
		status            string
		appIDs, tags      string
		created, updated  int64
		started, finished sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.User, &j.Version, &status, &j.StatusMessage,
		&j.ClusterID, &j.ClusterName, &j.CommandID, &j.CommandName,
		&j.ChosenClusterCriteriaString, &appIDs, &j.CPUs, &j.MemoryMB, &tags,
		&j.ArchiveLocation, &created, &updated, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if err := json.Unmarshal([]byte(appIDs), &j.ApplicationIDs); err != nil {
		return nil, fmt.Errorf("parse application ids: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	j.Created = time.Unix(0, created).UTC()
	j.Updated = time.Unix(0, updated).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		j.Started = &t
	}
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		j.Finished = &t
	}
	return &j, nil
}

func (s *Sqlite) GetRequest(ctx context.Context, id string) (*job.Request, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM job_requests WHERE job_id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job request", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getRequest", err)
	}
	var req job.Request
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, apperrors.Internal("store.getRequest", err)
	}
	return &req, nil
}

// CompareAndSetStatus is the claim-safe conditional update: the whole
// read-check-write happens inside one immediate transaction, so two racing
// claims serialize and exactly one sees an expected status.
func (s *Sqlite) CompareAndSetStatus(ctx context.Context, id string, expected []job.Status, next job.Status, message string) (job.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperrors.Internal("store.compareAndSetStatus", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", apperrors.NotFound("job", id)
	}
	if err != nil {
		return "", apperrors.Internal("store.compareAndSetStatus", err)
	}
	prev := job.Status(raw)
	if !containsStatus(expected, prev) {
		return prev, apperrors.Conflict("job", id,
			fmt.Sprintf("job %s is %s, expected one of %v", id, prev, expected))
	}

	now := s.now().UTC().UnixNano()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			status_message = ?,
			updated = ?,
			started = CASE WHEN ? AND started IS NULL THEN ? ELSE started END,
			finished = CASE WHEN ? AND finished IS NULL THEN ? ELSE finished END
		WHERE id = ? AND status = ?
	`,
		string(next), message, now,
		next == job.StatusRunning, now,
		next.Finished(), now,
		id, raw,
	)
	if err != nil {
		return "", apperrors.Internal("store.compareAndSetStatus", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return prev, apperrors.Conflict("job", id, fmt.Sprintf("job %s status moved concurrently", id))
	}
	if err := tx.Commit(); err != nil {
		return "", apperrors.Internal("store.compareAndSetStatus", err)
	}
	return prev, nil
}

func (s *Sqlite) SetResolution(ctx context.Context, id string, res Resolution) error {
	now := s.now().UTC().UnixNano()
	r, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			cluster_id = ?, cluster_name = ?,
			command_id = ?, command_name = ?,
			criteria_string = ?, application_ids = ?,
			updated = ?
		WHERE id = ? AND status = ?
	`,
		string(job.StatusResolved),
		res.ClusterID, res.ClusterName,
		res.CommandID, res.CommandName,
		res.CriteriaString, mustJSON(res.ApplicationIDs),
		now, id, string(job.StatusReserved),
	)
	if err != nil {
		return apperrors.Internal("store.setResolution", err)
	}
	n, _ := r.RowsAffected()
	if n == 1 {
		return nil
	}
	// Distinguish missing from moved-on.
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return apperrors.Conflict("job", id, fmt.Sprintf("job %s is no longer RESERVED", id))
}

func (s *Sqlite) PutExecution(ctx context.Context, e *job.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.putExecution", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_executions WHERE job_id = ?`, e.JobID).Scan(&exists); err != nil {
		return apperrors.Internal("store.putExecution", err)
	}

	if exists > 0 {
		// Re-claim: only the host moves.
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_executions SET host_name = ? WHERE job_id = ?`, e.HostName, e.JobID); err != nil {
			return apperrors.Internal("store.putExecution", err)
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_executions (
				job_id, host_name, process_id, check_delay, timeout_ns,
				exit_code, memory_mb, cluster_criteria, created
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.JobID, e.HostName, nullableInt(e.ProcessID), e.CheckDelay, int64(e.Timeout),
			e.ExitCode, e.MemoryMB, mustJSON(e.ClusterCriteria), s.now().UTC().UnixNano(),
		)
		if err != nil {
			return apperrors.Internal("store.putExecution", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.putExecution", err)
	}
	return nil
}

func (s *Sqlite) GetExecution(ctx context.Context, jobID string) (*job.Execution, error) {
	var (
		e         job.Execution
		pid       sql.NullInt64
		timeoutNS int64
		exitCode  sql.NullInt64
		memoryMB  sql.NullInt64
		tags      string
		created   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, host_name, process_id, check_delay, timeout_ns,
			exit_code, memory_mb, cluster_criteria, created
		FROM job_executions WHERE job_id = ?
	`, jobID).Scan(
		&e.JobID, &e.HostName, &pid, &e.CheckDelay, &timeoutNS,
		&exitCode, &memoryMB, &tags, &created,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job execution", jobID)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getExecution", err)
	}
	if pid.Valid {
		e.ProcessID = int(pid.Int64)
	}
	e.Timeout = time.Duration(timeoutNS)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if memoryMB.Valid {
		v := int(memoryMB.Int64)
		e.MemoryMB = &v
	}
	if err := json.Unmarshal([]byte(tags), &e.ClusterCriteria); err != nil {
		return nil, apperrors.Internal("store.getExecution", err)
	}
	e.Created = time.Unix(0, created).UTC()
	return &e, nil
}

func (s *Sqlite) UpdateExecution(ctx context.Context, jobID string, upd ExecutionUpdate) error {
	// Fields fill in, never reset: COALESCE keeps the first written value.
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET
			process_id = COALESCE(process_id, ?),
			exit_code = COALESCE(exit_code, ?),
			memory_mb = COALESCE(memory_mb, ?)
		WHERE job_id = ?
	`, upd.ProcessID, upd.ExitCode, upd.MemoryMB, jobID)
	if err != nil {
		return apperrors.Internal("store.updateExecution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("job execution", jobID)
	}
	return nil
}

func (s *Sqlite) GetMetadata(ctx context.Context, jobID string) (*job.Metadata, error) {
	var md job.Metadata
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, client_host, user_agent, num_attachments,
			total_attachment_size, stdout_size, stderr_size
		FROM job_metadata WHERE job_id = ?
	`, jobID).Scan(
		&md.JobID, &md.ClientHost, &md.UserAgent, &md.NumAttachments,
		&md.TotalSizeOfAttachments, &md.StdOutSize, &md.StdErrSize,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job metadata", jobID)
	}
	if err != nil {
		return nil, apperrors.Internal("store.getMetadata", err)
	}
	return &md, nil
}

func (s *Sqlite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	if string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
