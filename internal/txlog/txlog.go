package txlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
)

// Kind classifies a balance-affecting event.
type Kind string

const (
	KindDeposit Kind = "DEPOSIT"
	KindBuy     Kind = "BUY"
	KindSell    Kind = "SELL"
)

// ErrInvalidKind is returned when a kind filter is not one of the known kinds.
var ErrInvalidKind = errors.New("invalid transaction kind")

// ParseKind normalizes a kind filter value. The empty string yields the empty kind (no filter).
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case "", KindDeposit, KindBuy, KindSell:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Transaction is an immutable record of one wallet movement.
//
// Amount is denominated in Currency. For BUY and SELL Currency is the foreign
// side of the trade and Rate is the quote applied; DEPOSIT carries no rate.
// HomeValue is the home-currency equivalent of the movement.
type Transaction struct {
	ID        string
	UserID    string
	Kind      Kind
	Currency  money.Currency
	Amount    decimal.Decimal
	Rate      *decimal.Decimal
	HomeValue decimal.Decimal
	CreatedAt time.Time
	Seq       int64
}

// Filter narrows a List call. Limit <= 0 means no bound.
type Filter struct {
	Kind  Kind
	Limit int
}

// Log is the append-only, per-user ordered transaction record.
type Log interface {
	Append(ctx context.Context, t Transaction) (string, error)
	List(ctx context.Context, userID string, filter Filter) ([]Transaction, error)
}

func (f Filter) matches(t Transaction) bool {
	return f.Kind == "" || f.Kind == t.Kind
}

// Replay rebuilds balances additively from a zero wallet. Entries may be in
// any order; the result only depends on their sum.
func Replay(entries []Transaction, home money.Currency) map[money.Currency]decimal.Decimal {
	out := make(map[money.Currency]decimal.Decimal)
	add := func(c money.Currency, d decimal.Decimal) {
		out[c] = out[c].Add(d)
	}
	for _, t := range entries {
		switch t.Kind {
		case KindDeposit:
			add(home, t.Amount)
		case KindBuy:
			add(home, t.HomeValue.Neg())
			add(t.Currency, t.Amount)
		case KindSell:
			add(t.Currency, t.Amount.Neg())
			add(home, t.HomeValue)
		}
	}
	return out
}
