package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	ws_url        TEXT NOT NULL,
	total_records INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	pending_count INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS submissions (
	id               TEXT PRIMARY KEY,
	batch_id         TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	row_no           INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          JSONB NOT NULL,
	response_code    TEXT NOT NULL DEFAULT '',
	response_message TEXT NOT NULL DEFAULT '',
	response_xml     TEXT NOT NULL DEFAULT '',
	processed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS submissions_batch_id_idx ON submissions (batch_id, row_no);
`

const batchColumns = `id, kind, ws_url, total_records, success_count, error_count, pending_count, status, created_at, completed_at`

// PostgresStore persists batches in PostgreSQL through lib/pq.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects to the configured database and applies Schema.
func OpenPostgres(ctx context.Context, cfg config.StorageConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle. The schema must exist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, b *Batch, records []submission.Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, string(b.Kind), b.WSURL, b.TotalRecords, b.SuccessCount, b.ErrorCount, b.PendingCount,
		string(b.Status), b.CreatedAt, nullTime(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("submissions", "id", "batch_id", "row_no", "kind", "status", "payload"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	for i := range records {
		payload, mErr := json.Marshal(records[i])
		if mErr != nil {
			stmt.Close()
			return fmt.Errorf("marshal submission %s: %w", records[i].ID, mErr)
		}
		if _, err = stmt.ExecContext(ctx, records[i].ID, b.ID, records[i].RowNo, string(records[i].Kind),
			string(records[i].Status), string(payload)); err != nil {
			stmt.Close()
			return fmt.Errorf("copy submission %s: %w", records[i].ID, err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, batchID string) ([]submission.Record, error) {
	if _, err := s.Get(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, status, response_code, response_message, response_xml, processed_at
		   FROM submissions WHERE batch_id = $1 ORDER BY row_no`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []submission.Record
	for rows.Next() {
		var (
			payload     []byte
			status      string
			rec         submission.Record
			processedAt pq.NullTime
		)
		if err := rows.Scan(&payload, &status, &rec.ResponseCode, &rec.ResponseMessage, &rec.ResponseXML, &processedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		code, msg, xml := rec.ResponseCode, rec.ResponseMessage, rec.ResponseXML
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		rec.Status = submission.Status(status)
		rec.ResponseCode, rec.ResponseMessage, rec.ResponseXML = code, msg, xml
		rec.ProcessedAt = nil
		if processedAt.Valid {
			t := processedAt.Time.UTC()
			rec.ProcessedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListProcessing(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM batches WHERE status = $1 ORDER BY created_at`, string(StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list processing batches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = $2 WHERE id = $1 AND status IN ($3, $2)`,
		recordID, string(submission.StatusProcessing), string(submission.StatusPending))
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrInvalid(ctx, recordID)
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, recordID string, result submission.Result) (_ *Batch, _ bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var batchID, status string
	err = tx.QueryRowContext(ctx,
		`SELECT batch_id, status FROM submissions WHERE id = $1 FOR UPDATE`, recordID,
	).Scan(&batchID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("submission %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock submission: %w", err)
	}

	next := result.Status()
	if !submission.Status(status).CanTransition(next) {
		err = fmt.Errorf("submission %s %s -> %s: %w", recordID, status, next, ErrInvalidTransition)
		return nil, false, err
	}

	processedAt := result.ProcessedAt
	if processedAt.IsZero() {
		processedAt = s.now().UTC()
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE submissions
		    SET status = $2, response_code = $3, response_message = $4, response_xml = $5, processed_at = $6
		  WHERE id = $1`,
		recordID, string(next), result.Code, result.Message, result.ResponseXML, processedAt,
	); err != nil {
		return nil, false, fmt.Errorf("update submission: %w", err)
	}

	successInc, errorInc := 0, 1
	if next == submission.StatusSuccess {
		successInc, errorInc = 1, 0
	}
	row := tx.QueryRowContext(ctx,
		`UPDATE batches
		    SET success_count = success_count + $2,
		        error_count   = error_count + $3,
		        pending_count = pending_count - 1,
		        status        = CASE WHEN pending_count - 1 = 0 THEN $4 ELSE status END,
		        completed_at  = CASE WHEN pending_count - 1 = 0 THEN $5 ELSE completed_at END
		  WHERE id = $1
		RETURNING `+batchColumns,
		batchID, successInc, errorInc, string(StatusCompleted), s.now().UTC(),
	)
	b, err := scanBatch(row)
	if err != nil {
		return nil, false, fmt.Errorf("update batch: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	// The record was not terminal, so pending was at least 1 before this call.
	return b, b.PendingCount == 0, nil
}

func (s *PostgresStore) missingOrInvalid(ctx context.Context, recordID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = $1`, recordID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read submission: %w", err)
	}
	return fmt.Errorf("submission %s %s -> %s: %w", recordID, status, submission.StatusProcessing, ErrInvalidTransition)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var (
		b           Batch
		kind        string
		status      string
		completedAt pq.NullTime
	)
	if err := row.Scan(&b.ID, &kind, &b.WSURL, &b.TotalRecords, &b.SuccessCount, &b.ErrorCount,
		&b.PendingCount, &status, &b.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Kind = rndc.Kind(kind)
	b.Status = Status(status)
	b.CreatedAt = b.CreatedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		b.CompletedAt = &t
	}
	return &b, nil
}

func nullTime(t *time.Time) pq.NullTime {
	if t == nil {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: *t, Valid: true}
}
