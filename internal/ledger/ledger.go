package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/txlog"
	"github.com/kantor-pay/kantor/internal/wallet"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts, amounts with more
	// fractional digits than money.Scale, deposits above the ceiling and trades
	// too small to yield anything at the applied rate.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnsupportedCurrency indicates the foreign side has no quote.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrUnsupportedPair indicates neither side of an exchange is the home currency.
	ErrUnsupportedPair = errors.New("one side of an exchange must be the home currency")

	// ErrSameCurrencyPair indicates an exchange from a currency into itself.
	ErrSameCurrencyPair = errors.New("cannot exchange a currency into itself")

	// ErrInsufficientFunds occurs when the source balance cannot cover the debit.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds

	// ErrWalletNotFound is returned when the user has no wallet.
	ErrWalletNotFound = wallet.ErrWalletNotFound

	// ErrRateSourceUnavailable is a transient dependency failure; callers may retry.
	ErrRateSourceUnavailable = errors.New("exchange rates temporarily unavailable")

	// ErrIntegrity reports an internal consistency failure such as a balance
	// found negative or a journal that no longer reproduces the wallet.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// IsValidation reports whether err was caused by caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnsupportedCurrency) ||
		errors.Is(err, ErrUnsupportedPair) ||
		errors.Is(err, ErrSameCurrencyPair)
}

// Retryable reports whether err is a transient dependency failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateSourceUnavailable)
}

// ExchangeInput describes a home<->foreign conversion request.
type ExchangeInput struct {
	UserID string
	From   money.Currency
	To     money.Currency
	Amount decimal.Decimal
}

// ExchangeResult captures the committed exchange.
type ExchangeResult struct {
	TransactionID string
	Kind          txlog.Kind
	Currency      money.Currency
	Rate          decimal.Decimal
	Debited       decimal.Decimal
	Received      decimal.Decimal
	HomeValue     decimal.Decimal
	Wallet        wallet.Wallet
	CompletedAt   time.Time
}

// DepositInput describes a home-currency top-up.
type DepositInput struct {
	UserID string
	Amount decimal.Decimal
}

// DepositResult captures the committed deposit.
type DepositResult struct {
	TransactionID string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	Wallet        wallet.Wallet
	CompletedAt   time.Time
}
