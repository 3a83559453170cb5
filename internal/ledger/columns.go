package ledger

import "time"

// jobColumns is the SELECT list shared by the SQL backends; scanJob reads it.
const jobColumns = `job_id, compute_kind, phase, progress_current, progress_total,
	progress_label, progress_scope, original_ref, input_ref, result_ref, created_at, updated_at`

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		phase   string
		current int
		total   int
		label   string
		scope   string
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&job.ID, &job.ComputeKind, &phase, &current, &total,
		&label, &scope, &job.OriginalRef, &job.InputRef, &job.ResultRef, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = Status{Phase: Phase(phase)}
	if job.Status.Phase == PhaseProcessing {
		job.Status.Progress = &Progress{Current: current, Total: total, Label: label, Scope: scope}
	}
	job.CreatedAt = created.UTC()
	job.UpdatedAt = updated.UTC()
	return &job, nil
}

// statusColumns flattens a status into its persisted columns.
func statusColumns(s Status) (phase string, current, total int, label, scope string) {
	phase = string(s.Phase)
	if s.Progress != nil {
		current, total, label, scope = s.Progress.Current, s.Progress.Total, s.Progress.Label, s.Progress.Scope
	}
	return phase, current, total, label, scope
}
