package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/txlog"
)

var (
	// ErrWalletNotFound is returned when the user has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned when provisioning a wallet twice.
	ErrWalletExists = errors.New("wallet exists")

	// ErrUnknownCurrency indicates a leg in a currency the wallet does not hold.
	ErrUnknownCurrency = errors.New("currency not held by wallet")

	// ErrInvalidLeg indicates a zero delta or a pair touching one currency twice.
	ErrInvalidLeg = errors.New("invalid balance adjustment")

	// ErrInsufficientFunds occurs when a debit leg exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNegativeBalance signals a balance found or driven below zero despite the
	// sufficiency check. It is an integrity failure, never a business outcome.
	ErrNegativeBalance = errors.New("balance would become negative")
)

// Wallet is a user's balance per supported currency.
type Wallet struct {
	UserID    string
	Balances  map[money.Currency]decimal.Decimal
	UpdatedAt time.Time
}

// Balance returns the balance held in c, zero when absent.
func (w Wallet) Balance(c money.Currency) decimal.Decimal {
	return w.Balances[c]
}

// Leg is one signed balance change.
type Leg struct {
	Currency money.Currency
	Delta    decimal.Decimal
}

// Store holds one wallet per user. Adjustments are serialized per user only;
// the sufficiency check, every leg and the optional journal entry commit as
// one unit or not at all. On success the entry's ID and CreatedAt are filled in.
type Store interface {
	Create(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (Wallet, error)
	TryAdjust(ctx context.Context, userID string, leg Leg, entry *txlog.Transaction) (Wallet, error)
	TryAdjustPair(ctx context.Context, userID string, debit, credit Leg, entry *txlog.Transaction) (Wallet, error)
}

// applyLegs returns the balances after legs, leaving current untouched.
func applyLegs(current map[money.Currency]decimal.Decimal, legs []Leg) (map[money.Currency]decimal.Decimal, error) {
	seen := make(map[money.Currency]struct{}, len(legs))
	for _, leg := range legs {
		if leg.Delta.IsZero() {
			return nil, fmt.Errorf("%w: zero delta for %s", ErrInvalidLeg, leg.Currency)
		}
		if _, dup := seen[leg.Currency]; dup {
			return nil, fmt.Errorf("%w: %s adjusted twice", ErrInvalidLeg, leg.Currency)
		}
		seen[leg.Currency] = struct{}{}
		if _, ok := current[leg.Currency]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, leg.Currency)
		}
	}

	next := make(map[money.Currency]decimal.Decimal, len(current))
	for c, amount := range current {
		if amount.IsNegative() {
			return nil, fmt.Errorf("%w: %s holds %s", ErrNegativeBalance, c, amount)
		}
		next[c] = amount
	}
	for _, leg := range legs {
		after := next[leg.Currency].Add(leg.Delta)
		if after.IsNegative() {
			if leg.Delta.IsNegative() {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("%w: %s", ErrNegativeBalance, leg.Currency)
		}
		next[leg.Currency] = after
	}
	return next, nil
}

func copyBalances(in map[money.Currency]decimal.Decimal) map[money.Currency]decimal.Decimal {
	out := make(map[money.Currency]decimal.Decimal, len(in))
	for c, amount := range in {
		out[c] = amount
	}
	return out
}
