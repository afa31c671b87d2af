package farm

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore mirrors job records, events, and artifact references to
// Postgres for audit. Jobs are never deleted, only updated in place.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(conn string) (*PGStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS farm_jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    cookie TEXT NOT NULL UNIQUE,
    arch TEXT NOT NULL,
    series TEXT NOT NULL,
    pocket TEXT,
    source TEXT NOT NULL,
    owner_class TEXT,
    manual_boost INTEGER NOT NULL DEFAULT 0,
    virtualized BOOLEAN NOT NULL DEFAULT FALSE,
    resource_tags TEXT,
    status TEXT NOT NULL,
    worker TEXT,
    outcome TEXT,
    reject_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    dispatched_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS farm_job_events (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES farm_jobs(id),
    status TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS farm_job_artifacts (
    id BIGSERIAL PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES farm_jobs(id),
    sub_unit TEXT,
    name TEXT NOT NULL,
    ref TEXT NOT NULL,
    size BIGINT NOT NULL,
    content_type TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PGStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PGStore) UpsertJob(job Job) error {
	query := `INSERT INTO farm_jobs (id, kind, cookie, arch, series, pocket, source, owner_class, manual_boost, virtualized, resource_tags, status, worker, outcome, reject_reason, created_at, dispatched_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
    manual_boost = EXCLUDED.manual_boost,
    status = EXCLUDED.status,
    worker = EXCLUDED.worker,
    outcome = EXCLUDED.outcome,
    reject_reason = EXCLUDED.reject_reason,
    dispatched_at = EXCLUDED.dispatched_at,
    finished_at = EXCLUDED.finished_at`
	_, err := s.db.Exec(query,
		job.ID,
		string(job.Kind),
		job.Cookie,
		job.Target.Arch,
		job.Target.Series,
		job.Target.Pocket,
		job.Source,
		job.OwnerClass,
		job.ManualBoost,
		job.Virtualized,
		strings.Join(job.ResourceTags, ","),
		string(job.Status),
		job.Worker,
		string(job.Outcome),
		job.RejectReason,
		job.CreatedAt,
		job.DispatchedAt,
		job.FinishedAt,
	)
	return err
}

func (s *PGStore) AppendEvent(event JobEvent) error {
	_, err := s.db.Exec(`INSERT INTO farm_job_events (id, job_id, status, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
		event.ID, event.JobID, string(event.Status), event.Message, event.CreatedAt)
	return err
}

func (s *PGStore) RecordArtifact(artifact Artifact) error {
	created := artifact.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO farm_job_artifacts (job_id, sub_unit, name, ref, size, content_type, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		artifact.JobID, artifact.SubUnit, artifact.Name, artifact.Ref, artifact.Size, artifact.ContentType, created)
	return err
}

// DeleteArtifacts removes mirrored rows after an all-or-nothing rollback.
func (s *PGStore) DeleteArtifacts(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM farm_job_artifacts WHERE job_id=$1`, jobID)
	return err
}

// ListJobs returns mirrored job records, newest first.
func (s *PGStore) ListJobs() ([]Job, error) {
	rows, err := s.db.Query(`SELECT id, kind, cookie, arch, series, pocket, source, owner_class, manual_boost, virtualized, resource_tags, status, worker, outcome, reject_reason, created_at, dispatched_at, finished_at FROM farm_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (Job, error) {
	var (
		job          Job
		pocket       sql.NullString
		ownerClass   sql.NullString
		tags         sql.NullString
		worker       sql.NullString
		outcome      sql.NullString
		rejectReason sql.NullString
		dispatchedAt sql.NullTime
		finishedAt   sql.NullTime
		kind, status string
	)
	if err := rows.Scan(&job.ID, &kind, &job.Cookie, &job.Target.Arch, &job.Target.Series, &pocket, &job.Source, &ownerClass, &job.ManualBoost, &job.Virtualized, &tags, &status, &worker, &outcome, &rejectReason, &job.CreatedAt, &dispatchedAt, &finishedAt); err != nil {
		return Job{}, err
	}
	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	if pocket.Valid {
		job.Target.Pocket = pocket.String
	}
	if ownerClass.Valid {
		job.OwnerClass = ownerClass.String
	}
	if tags.Valid && tags.String != "" {
		job.ResourceTags = strings.Split(tags.String, ",")
	}
	if worker.Valid {
		job.Worker = worker.String
	}
	if outcome.Valid {
		job.Outcome = Outcome(outcome.String)
	}
	if rejectReason.Valid {
		job.RejectReason = rejectReason.String
	}
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		job.DispatchedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}
