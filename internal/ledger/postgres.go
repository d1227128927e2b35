package ledger

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

// PostgresStore keeps accounts in the accounts and account_items tables.
// Apply locks the account row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on a migrated pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Account, error) {
	return loadAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) Apply(ctx context.Context, e Entry) (model.Account, error) {
	var out model.Account
	err := database.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		items, err := json.Marshal(e.Delta.Items)
		if err != nil {
			return fmt.Errorf("encode items: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (key, account_id, balance_delta, items, applied_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO NOTHING`,
			e.Key, e.AccountID, e.Delta.Balance, items, e.At,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			out, err = loadAccount(ctx, tx, e.AccountID, false)
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, balance, updated_at) VALUES ($1, 0, $2)
			ON CONFLICT (id) DO NOTHING`,
			e.AccountID, e.At,
		); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		cur, err := loadAccount(ctx, tx, e.AccountID, true)
		if err != nil {
			return err
		}
		next, err := ApplyDelta(cur, e.Delta, e.MaxBalance)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`,
			e.AccountID, next.Balance, e.At,
		); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		for id := range e.Delta.Items {
			key := model.NormalizeItemID(id)
			if err := writeItem(ctx, tx, e.AccountID, key, next.Inventory[key]); err != nil {
				return err
			}
		}

		next.ID = e.AccountID
		next.UpdatedAt = e.At
		out = next
		return nil
	})
	if err != nil {
		return model.Account{}, err
	}
	return out, nil
}

func (s *PostgresStore) Applied(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE key = $1)`, key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query entry: %w", err)
	}
	return ok, nil
}

func writeItem(ctx context.Context, tx pgx.Tx, accountID, itemID string, qty int64) error {
	var err error
	if qty == 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM account_items WHERE account_id = $1 AND item_id = $2`,
			accountID, itemID,
		)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO account_items (account_id, item_id, quantity) VALUES ($1, $2, $3)
			ON CONFLICT (account_id, item_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			accountID, itemID, qty,
		)
	}
	if err != nil {
		return fmt.Errorf("write item %s: %w", itemID, err)
	}
	return nil
}

func loadAccount(ctx context.Context, q database.Querier, id string, forUpdate bool) (model.Account, error) {
	acct := model.Account{ID: id}

	query := `SELECT balance, updated_at FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var updated time.Time
	err := q.QueryRow(ctx, query, id).Scan(&acct.Balance, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	acct.UpdatedAt = updated

	rows, err := q.Query(ctx,
		`SELECT item_id, quantity FROM account_items WHERE account_id = $1`, id,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("load items %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item string
		var qty int64
		if err := rows.Scan(&item, &qty); err != nil {
			return model.Account{}, fmt.Errorf("scan item: %w", err)
		}
		if acct.Inventory == nil {
			acct.Inventory = make(model.Items)
		}
		acct.Inventory[item] = qty
	}
	if err := rows.Err(); err != nil {
		return model.Account{}, fmt.Errorf("iterate items: %w", err)
	}
	return acct, nil
}
