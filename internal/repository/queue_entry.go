package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/entity"
)

// Filter narrows list and count queries.
type Filter struct {
	Category  constants.Category
	StateCode string
}

// QueueEntryRepository is the persistence contract for the queue store.
// The row is exclusively owned by the store; callers hold ids only.
type QueueEntryRepository interface {
	Create(ctx context.Context, e *entity.QueueEntry) (*entity.QueueEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error)
	List(ctx context.Context, f Filter) ([]*entity.QueueEntry, error)
	ListByStatus(ctx context.Context, status constants.EntryStatus, f Filter) ([]*entity.QueueEntry, error)
	ListParsedAfter(ctx context.Context, afterID uuid.UUID, f Filter, limit int) ([]*entity.QueueEntry, error)
	CountByStatus(ctx context.Context, status constants.EntryStatus, f Filter) (int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status constants.EntryStatus) error
	MarkEmbeddingFailed(ctx context.Context, id uuid.UUID, reason string) error
	ResetErrors(ctx context.Context, id uuid.UUID) error
}

type queueEntryRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewQueueEntryRepository(pool *pgxpool.Pool, log *slog.Logger) QueueEntryRepository {
	return &queueEntryRepo{pool: pool, log: log}
}

const entryColumns = `id, category, state_code, bucket, path, filename, status,
	extracted_data, error_log, records_extracted, records_imported, records_failed,
	processing_started_at, processing_completed_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*entity.QueueEntry, error) {
	var e entity.QueueEntry
	var extracted []byte
	var errLog []byte
	err := row.Scan(
		&e.ID, &e.Category, &e.StateCode, &e.Bucket, &e.Path, &e.Filename, &e.Status,
		&extracted, &errLog, &e.RecordsExtracted, &e.RecordsImported, &e.RecordsFailed,
		&e.ProcessingStartedAt, &e.ProcessingCompletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExtractedData = extracted
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &e.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error_log: %w", err)
		}
	}
	return &e, nil
}

func (r *queueEntryRepo) Create(ctx context.Context, e *entity.QueueEntry) (*entity.QueueEntry, error) {
	// UUIDv7 ids keep the backfill cursor monotonically orderable.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if e.Status == "" {
		e.Status = constants.StatusUploaded
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO queue_entries (id, category, state_code, bucket, path, filename, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+entryColumns,
		id, e.Category, e.StateCode, e.Bucket, e.Path, e.Filename, e.Status,
	)
	created, err := scanEntry(row)
	if err != nil {
		r.log.Error("queue_entry create failed", "filename", e.Filename, "err", err)
		return nil, common.WrapError(err, "create queue entry")
	}
	r.log.Info("queue_entry created", "entry_id", created.ID, "category", created.Category, "status", created.Status)
	return created, nil
}

func (r *queueEntryRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, common.WrapError(err, "get queue entry")
	}
	return e, nil
}

func (r *queueEntryRepo) List(ctx context.Context, f Filter) ([]*entity.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE 1=1`
	var args []any
	q, args = applyFilter(q, args, f)
	q += ` ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, common.WrapError(err, "list queue entries")
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *queueEntryRepo) ListByStatus(ctx context.Context, status constants.EntryStatus, f Filter) ([]*entity.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE status = $1`
	args := []any{status}
	q, args = applyFilter(q, args, f)
	q += ` ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, common.WrapError(err, "list queue entries")
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *queueEntryRepo) ListParsedAfter(ctx context.Context, afterID uuid.UUID, f Filter, limit int) ([]*entity.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries WHERE status = $1 AND id > $2`
	args := []any{constants.StatusParsed, afterID}
	q, args = applyFilter(q, args, f)
	q += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, common.WrapError(err, "list parsed entries")
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *queueEntryRepo) CountByStatus(ctx context.Context, status constants.EntryStatus, f Filter) (int, error) {
	q := `SELECT COUNT(*) FROM queue_entries WHERE status = $1`
	args := []any{status}
	q, args = applyFilter(q, args, f)

	var n int
	if err := r.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, common.WrapError(err, "count queue entries")
	}
	return n, nil
}

func (r *queueEntryRepo) SetStatus(ctx context.Context, id uuid.UUID, status constants.EntryStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_entries SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		r.log.Error("queue_entry status update failed", "entry_id", id, "status", status, "err", err)
		return common.WrapError(err, "set status")
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	r.log.Info("queue_entry status updated", "entry_id", id, "status", status)
	return nil
}

// MarkEmbeddingFailed quarantines an entry so future backfill scans skip it.
func (r *queueEntryRepo) MarkEmbeddingFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, error_log = error_log || to_jsonb($3::text), updated_at = now()
		WHERE id = $1`,
		id, constants.StatusEmbeddingFailed, reason,
	)
	if err != nil {
		r.log.Error("queue_entry quarantine failed", "entry_id", id, "err", err)
		return common.WrapError(err, "mark embedding_failed")
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	r.log.Warn("queue_entry quarantined", "entry_id", id, "reason", reason)
	return nil
}

// ResetErrors clears an entry's error bookkeeping. The explicit retry action
// wipes the slate so the new attempt's failures are not mixed with old ones.
func (r *queueEntryRepo) ResetErrors(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_entries
		SET error_log = '[]'::jsonb, records_failed = 0, updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return common.WrapError(err, "reset errors")
	}
	if tag.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func applyFilter(q string, args []any, f Filter) (string, []any) {
	if f.Category != "" {
		args = append(args, f.Category)
		q += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.StateCode != "" {
		args = append(args, f.StateCode)
		q += fmt.Sprintf(" AND state_code = $%d", len(args))
	}
	return q, args
}

func collectEntries(rows pgx.Rows) ([]*entity.QueueEntry, error) {
	var out []*entity.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
