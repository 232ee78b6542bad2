package txlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLog persists transactions in PostgreSQL.
type PostgresLog struct {
	db *pgxpool.Pool
}

// NewPostgresLog constructs a Postgres-backed transaction log.
func NewPostgresLog(db *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append inserts a transaction outside of any wallet mutation.
func (l *PostgresLog) Append(ctx context.Context, t Transaction) (string, error) {
	return l.AppendTx(ctx, l.db, t)
}

// AppendTx inserts a transaction using q, which is normally the wallet
// store's open transaction so the entry commits together with the balances.
func (l *PostgresLog) AppendTx(ctx context.Context, q Querier, t Transaction) (string, error) {
	userID, err := uuid.Parse(t.UserID)
	if err != nil {
		return "", fmt.Errorf("parse user id: %w", err)
	}
	id := uuid.New()
	if t.ID != "" {
		if id, err = uuid.Parse(t.ID); err != nil {
			return "", fmt.Errorf("parse transaction id: %w", err)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var rate any
	if t.Rate != nil {
		rate = t.Rate.String()
	}

	const query = `
        INSERT INTO transactions (id, user_id, kind, currency, amount, rate, home_value, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING seq`
	var seq int64
	if err := q.QueryRow(ctx, query, id, userID, string(t.Kind), string(t.Currency),
		t.Amount.String(), rate, t.HomeValue.String(), t.CreatedAt.UTC()).Scan(&seq); err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}
	return id.String(), nil
}

// List returns the user's transactions, most recent first.
func (l *PostgresLog) List(ctx context.Context, userID string, filter Filter) ([]Transaction, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}

	var (
		sb   strings.Builder
		args = []any{uid}
	)
	sb.WriteString(`SELECT id, user_id, kind, currency, amount::text, rate::text, home_value::text, created_at, seq
        FROM transactions WHERE user_id = $1`)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		fmt.Fprintf(&sb, " AND kind = $%d", len(args))
	}
	sb.WriteString(" ORDER BY seq DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := l.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t                 Transaction
			id, owner         uuid.UUID
			kind, currency    string
			amount, homeValue string
			rate              *string
		)
		if err := rows.Scan(&id, &owner, &kind, &currency, &amount, &rate, &homeValue, &t.CreatedAt, &t.Seq); err != nil {
			return nil, err
		}
		t.ID = id.String()
		t.UserID = owner.String()
		t.Kind = Kind(kind)
		t.Currency = money.Currency(currency)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if t.HomeValue, err = decimal.NewFromString(homeValue); err != nil {
			return nil, fmt.Errorf("parse home value: %w", err)
		}
		if rate != nil {
			r, err := decimal.NewFromString(*rate)
			if err != nil {
				return nil, fmt.Errorf("parse rate: %w", err)
			}
			t.Rate = &r
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
