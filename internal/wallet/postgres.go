package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/txlog"
)

// PostgresStore keeps balances in PostgreSQL, one row per user and currency.
type PostgresStore struct {
	db         *pgxpool.Pool
	currencies []money.Currency
	journal    *txlog.PostgresLog
}

// NewPostgresStore builds a store backed by PostgreSQL. Journal entries are
// written through journal inside the balance transaction.
func NewPostgresStore(db *pgxpool.Pool, currencies []money.Currency, journal *txlog.PostgresLog) *PostgresStore {
	return &PostgresStore{db: db, currencies: append([]money.Currency(nil), currencies...), journal: journal}
}

// Create provisions a zeroed wallet for the user.
func (s *PostgresStore) Create(ctx context.Context, userID string) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := time.Now().UTC()
	cmd, err := tx.Exec(ctx, `INSERT INTO wallets (user_id, created_at) VALUES ($1, $2)
        ON CONFLICT (user_id) DO NOTHING`, uid, now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrWalletExists
	}

	for _, c := range s.currencies {
		if _, err := tx.Exec(ctx, `INSERT INTO wallet_balances (user_id, currency, amount, updated_at)
            VALUES ($1, $2, 0, $3)`, uid, string(c), now); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Get returns the user's current balances.
func (s *PostgresStore) Get(ctx context.Context, userID string) (Wallet, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	rows, err := s.db.Query(ctx, `SELECT currency, amount::text, updated_at
        FROM wallet_balances WHERE user_id = $1`, uid)
	if err != nil {
		return Wallet{}, err
	}
	balances, updatedAt, err := scanBalances(rows)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{UserID: userID, Balances: balances, UpdatedAt: updatedAt}, nil
}

// TryAdjust applies a single leg.
func (s *PostgresStore) TryAdjust(ctx context.Context, userID string, leg Leg, entry *txlog.Transaction) (Wallet, error) {
	return s.adjust(ctx, userID, []Leg{leg}, entry)
}

// TryAdjustPair applies both legs in one database transaction.
func (s *PostgresStore) TryAdjustPair(ctx context.Context, userID string, debit, credit Leg, entry *txlog.Transaction) (Wallet, error) {
	return s.adjust(ctx, userID, []Leg{debit, credit}, entry)
}

func (s *PostgresStore) adjust(ctx context.Context, userID string, legs []Leg, entry *txlog.Transaction) (Wallet, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// Row locks on every balance of the user serialize writers per wallet.
	rows, err := tx.Query(ctx, `SELECT currency, amount::text, updated_at
        FROM wallet_balances WHERE user_id = $1 ORDER BY currency FOR UPDATE`, uid)
	if err != nil {
		return Wallet{}, err
	}
	current, _, err := scanBalances(rows)
	if err != nil {
		return Wallet{}, err
	}

	next, err := applyLegs(current, legs)
	if err != nil {
		return Wallet{}, err
	}

	now := time.Now().UTC()
	for _, leg := range legs {
		cmd, err := tx.Exec(ctx, `UPDATE wallet_balances
            SET amount = amount + $3::numeric, updated_at = $4
            WHERE user_id = $1 AND currency = $2 AND amount + $3::numeric >= 0`,
			uid, string(leg.Currency), leg.Delta.String(), now)
		if err != nil {
			return Wallet{}, err
		}
		if cmd.RowsAffected() != 1 {
			return Wallet{}, fmt.Errorf("%w: guarded update on %s matched no row", ErrNegativeBalance, leg.Currency)
		}
	}

	if entry != nil && s.journal != nil {
		e := *entry
		e.UserID = userID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		id, err := s.journal.AppendTx(ctx, tx, e)
		if err != nil {
			return Wallet{}, err
		}
		entry.ID = id
		entry.CreatedAt = e.CreatedAt
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}

	return Wallet{UserID: userID, Balances: next, UpdatedAt: now}, nil
}

func scanBalances(rows pgx.Rows) (map[money.Currency]decimal.Decimal, time.Time, error) {
	defer rows.Close()

	balances := make(map[money.Currency]decimal.Decimal)
	var latest time.Time
	for rows.Next() {
		var (
			currency, amount string
			updatedAt        time.Time
		)
		if err := rows.Scan(&currency, &amount, &updatedAt); err != nil {
			return nil, time.Time{}, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parse %s balance: %w", currency, err)
		}
		balances[money.Currency(currency)] = d
		if updatedAt.After(latest) {
			latest = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if len(balances) == 0 {
		return nil, time.Time{}, ErrWalletNotFound
	}
	return balances, latest.UTC(), nil
}
