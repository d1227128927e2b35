package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/exchange-core/internal/database"
	"github.com/rickgao/exchange-core/internal/model"
)

// PostgresStore keeps records in exchange_records. The full record is
// stored as JSONB; indexed columns mirror the fields queries filter on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on a migrated pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, rec model.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO exchange_records
			(id, kind, state, version, terminal, participants, contest_target, created_at, expires_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, string(rec.Kind), string(rec.State), rec.Version, rec.Terminal(),
		rec.Participants, nullable(contestTarget(rec)), rec.CreatedAt, nullableTime(rec.ExpiresAt), payload,
	)
	if database.IsUniqueViolation(err, database.OneContestPerTarget) {
		return fmt.Errorf("%w: %s is already being contested", model.ErrAlreadyActive, contestTarget(rec))
	}
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Record, error) {
	return getRecord(ctx, s.pool, id)
}

func (s *PostgresStore) Update(ctx context.Context, rec model.Record) (model.Record, error) {
	next := rec.Clone()
	next.Version++

	payload, err := json.Marshal(next)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode record: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE exchange_records
		SET state = $2, version = $3, terminal = $4, participants = $5, expires_at = $6, payload = $7
		WHERE id = $1 AND version = $8 AND NOT terminal`,
		next.ID, string(next.State), next.Version, next.Terminal(), next.Participants,
		nullableTime(next.ExpiresAt), payload, rec.Version,
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.Get(ctx, rec.ID)
		if err != nil {
			return model.Record{}, err
		}
		if cur.Version == rec.Version && cur.Terminal() {
			return model.Record{}, fmt.Errorf("%w: %s is %s", model.ErrInvalidState, rec.ID, cur.State)
		}
		return model.Record{}, fmt.Errorf("%w: %s at version %d, have %d",
			model.ErrConcurrentModification, rec.ID, cur.Version, rec.Version)
	}
	return next, nil
}

func (s *PostgresStore) ActiveByParticipant(ctx context.Context, userID string) ([]model.Record, error) {
	return s.list(ctx, `
		SELECT payload, archived_at FROM exchange_records
		WHERE NOT terminal AND $1 = ANY(participants)
		ORDER BY created_at, id`, userID)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]model.Record, error) {
	return s.list(ctx, `
		SELECT payload, archived_at FROM exchange_records
		WHERE NOT terminal
		ORDER BY created_at, id`)
}

func (s *PostgresStore) RecentByParticipant(ctx context.Context, userID string, kind model.Kind, since time.Time) ([]model.Record, error) {
	return s.list(ctx, `
		SELECT payload, archived_at FROM exchange_records
		WHERE kind = $2 AND archived_at >= $3 AND $1 = ANY(participants)
		ORDER BY archived_at DESC`, userID, string(kind), since)
}

func (s *PostgresStore) Archive(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE exchange_records SET archived_at = $2
		WHERE id = $1 AND terminal AND archived_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("archive record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Terminal() {
			return fmt.Errorf("%w: cannot archive %s while %s", model.ErrInvalidState, id, cur.State)
		}
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func getRecord(ctx context.Context, q database.Querier, id string) (model.Record, error) {
	row := q.QueryRow(ctx, `SELECT payload, archived_at FROM exchange_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, fmt.Errorf("%w: %s", model.ErrRecordNotFound, id)
	}
	return rec, err
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var payload []byte
	var archived *time.Time
	if err := row.Scan(&payload, &archived); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, err
		}
		return model.Record{}, fmt.Errorf("scan record: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.Record{}, fmt.Errorf("decode record: %w", err)
	}
	rec.ArchivedAt = archived
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
