package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/exchange-core/internal/database"
	"github.com/rickgao/exchange-core/internal/model"
)

// PostgresStore keeps holds in the escrow_holds table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on a migrated pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const holdColumns = `record_id, leg, account_id, money, items, status, destination, fee, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, h Hold) error {
	items, err := json.Marshal(h.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.RecordID, h.Leg, h.AccountID, h.Money, items, string(h.Status),
		h.Destination, h.Fee, h.CreatedAt, h.UpdatedAt,
	)
	if database.IsUniqueViolation(err, "") {
		return ErrHoldExists
	}
	if err != nil {
		return fmt.Errorf("insert hold %s/%s: %w", h.RecordID, h.Leg, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, recordID, leg string) (Hold, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE record_id = $1 AND leg = $2`,
		recordID, leg,
	)
	h, err := scanHold(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, ErrHoldNotFound
	}
	return h, err
}

func (s *PostgresStore) Swap(ctx context.Context, h Hold, from Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_holds
		SET status = $3, destination = $4, fee = $5, updated_at = $6
		WHERE record_id = $1 AND leg = $2 AND status = $7`,
		h.RecordID, h.Leg, string(h.Status), h.Destination, h.Fee, h.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("update hold %s/%s: %w", h.RecordID, h.Leg, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, h.RecordID, h.Leg); err != nil {
			return err
		}
		return ErrStatusRace
	}
	return nil
}

func (s *PostgresStore) ListByRecord(ctx context.Context, recordID string) ([]Hold, error) {
	return s.list(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE record_id = $1 ORDER BY leg`,
		recordID,
	)
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]Hold, error) {
	return s.list(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE status IN ('pending', 'held', 'releasing', 'refunding')
		ORDER BY record_id, leg`,
	)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Hold, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query holds: %w", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holds: %w", err)
	}
	return out, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	var status string
	var items []byte
	err := row.Scan(&h.RecordID, &h.Leg, &h.AccountID, &h.Money, &items, &status,
		&h.Destination, &h.Fee, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, err
		}
		return Hold{}, fmt.Errorf("scan hold: %w", err)
	}
	h.Status = Status(status)
	if len(items) > 0 && string(items) != "null" {
		var it model.Items
		if err := json.Unmarshal(items, &it); err != nil {
			return Hold{}, fmt.Errorf("decode items: %w", err)
		}
		h.Items = it
	}
	return h, nil
}
