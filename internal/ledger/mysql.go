package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"cohortlab/internal/apperrors"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS jobs (
	job_id           CHAR(36)     NOT NULL PRIMARY KEY,
	compute_kind     INT          NOT NULL,
	phase            VARCHAR(32)  NOT NULL,
	progress_current INT          NOT NULL DEFAULT 0,
	progress_total   INT          NOT NULL DEFAULT 0,
	progress_label   VARCHAR(512) NOT NULL DEFAULT '',
	progress_scope   VARCHAR(128) NOT NULL DEFAULT '',
	original_ref     VARCHAR(512) NOT NULL,
	input_ref        VARCHAR(512) NOT NULL,
	result_ref       VARCHAR(512) NOT NULL DEFAULT '',
	created_at       TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at       TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	UNIQUE KEY uq_jobs_input_ref (input_ref)
)`

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQL is a Store backed by a MySQL database. Each session pins one
// connection from the pool.
type MySQL struct {
	db *sql.DB
}

// NewMySQL connects using a go-sql-driver DSN and bootstraps the schema.
func NewMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	// Report matched rather than changed rows so Advance can tell a missing
	// job from an idempotent rewrite.
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.Unavailable("ledger.connect", err)
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap mysql schema: %w", err)
	}
	return &MySQL{db: db}, nil
}

// Open pins a pooled connection for the session.
func (s *MySQL) Open(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("ledger.open", err)
	}
	return &mysqlSession{conn: conn}, nil
}

// Ready pings the database.
func (s *MySQL) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *MySQL) Close() error {
	return s.db.Close()
}

type mysqlSession struct {
	conn *sql.Conn
}

func (s *mysqlSession) Create(ctx context.Context, computeKind int, originalRef, inputRef string) (string, error) {
	id := uuid.NewString()
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO jobs (job_id, compute_kind, phase, original_ref, input_ref) VALUES (?, ?, ?, ?, ?)`,
		id, computeKind, string(PhaseUploaded), originalRef, inputRef)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return "", duplicateInput(inputRef)
		}
		return "", apperrors.Unavailable("ledger.create", err)
	}
	return id, nil
}

func (s *mysqlSession) Advance(ctx context.Context, inputRef string, status Status, resultRef *string) error {
	phase, current, total, label, scope := statusColumns(status)
	var res sql.Result
	var err error
	if resultRef != nil {
		res, err = s.conn.ExecContext(ctx,
			`UPDATE jobs SET phase = ?, progress_current = ?, progress_total = ?, progress_label = ?,
				progress_scope = ?, result_ref = ?, updated_at = CURRENT_TIMESTAMP(6)
			WHERE input_ref = ?`,
			phase, current, total, label, scope, *resultRef, inputRef)
	} else {
		res, err = s.conn.ExecContext(ctx,
			`UPDATE jobs SET phase = ?, progress_current = ?, progress_total = ?, progress_label = ?,
				progress_scope = ?, updated_at = CURRENT_TIMESTAMP(6)
			WHERE input_ref = ?`,
			phase, current, total, label, scope, inputRef)
	}
	if err != nil {
		return apperrors.Unavailable("ledger.advance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Unavailable("ledger.advance", err)
	}
	if n == 0 {
		return noRows(inputRef)
	}
	return nil
}

func (s *mysqlSession) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("ledger.get", err)
	}
	return job, nil
}

func (s *mysqlSession) Lookup(ctx context.Context, inputRef string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE input_ref = ?`, inputRef)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job for input", inputRef)
	}
	if err != nil {
		return nil, apperrors.Unavailable("ledger.lookup", err)
	}
	return job, nil
}

func (s *mysqlSession) List(ctx context.Context) ([]Job, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, job_id`)
	if err != nil {
		return nil, apperrors.Unavailable("ledger.list", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Unavailable("ledger.list", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("ledger.list", err)
	}
	return jobs, nil
}

func (s *mysqlSession) Reset(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return apperrors.Unavailable("ledger.reset", err)
	}
	return nil
}

func (s *mysqlSession) Close() error {
	return s.conn.Close()
}
