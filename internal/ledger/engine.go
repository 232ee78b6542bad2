package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/notification"
	"github.com/kantor-pay/kantor/internal/rates"
	"github.com/kantor-pay/kantor/internal/txlog"
	"github.com/kantor-pay/kantor/internal/wallet"
)

// QuoteProvider resolves the current quote snapshot, normally a *rates.Cache.
type QuoteProvider interface {
	Quotes(ctx context.Context) (rates.Snapshot, error)
}

// Config holds the engine's business limits.
type Config struct {
	Home         money.Currency
	DepositMax   decimal.Decimal
	RetryBackoff time.Duration
}

// Engine resolves quotes, validates requests and commits balance changes
// together with their journal entries.
type Engine struct {
	cfg      Config
	quotes   QuoteProvider
	wallets  wallet.Store
	journal  txlog.Log
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewEngine wires an engine. The journal must be the one the wallet store
// appends to; it is read for history and reconciliation.
func NewEngine(cfg Config, quotes QuoteProvider, wallets wallet.Store, journal txlog.Log, notifier notification.Notifier, logger *slog.Logger) (*Engine, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("home currency is required")
	}
	if quotes == nil || wallets == nil || journal == nil {
		return nil, fmt.Errorf("quotes, wallets and journal are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, quotes: quotes, wallets: wallets, journal: journal, notifier: notifier, logger: logger}, nil
}

// Home returns the home currency.
func (e *Engine) Home() money.Currency { return e.cfg.Home }

// Exchange converts between the home currency and a foreign one.
func (e *Engine) Exchange(ctx context.Context, in ExchangeInput) (ExchangeResult, error) {
	if err := validateAmount(in.Amount); err != nil {
		return ExchangeResult{}, err
	}
	if in.From == in.To {
		return ExchangeResult{}, ErrSameCurrencyPair
	}

	var (
		foreign money.Currency
		buying  bool
	)
	switch e.cfg.Home {
	case in.From:
		foreign, buying = in.To, true
	case in.To:
		foreign = in.From
	default:
		return ExchangeResult{}, ErrUnsupportedPair
	}

	snap, err := e.quotesWithRetry(ctx)
	if err != nil {
		return ExchangeResult{}, err
	}
	quote, ok := snap.Quote(foreign)
	if !ok {
		return ExchangeResult{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, foreign)
	}

	var (
		rate      decimal.Decimal
		received  decimal.Decimal
		homeValue decimal.Decimal
		entry     txlog.Transaction
	)
	if buying {
		rate = quote.Ask
		received = money.Quo(in.Amount, rate)
		homeValue = in.Amount
		entry = txlog.Transaction{Kind: txlog.KindBuy, Amount: received}
	} else {
		rate = quote.Bid
		received = money.Truncate(in.Amount.Mul(rate))
		homeValue = received
		entry = txlog.Transaction{Kind: txlog.KindSell, Amount: in.Amount}
	}
	if !received.IsPositive() {
		return ExchangeResult{}, fmt.Errorf("%w: %s %s yields nothing at rate %s", ErrInvalidAmount, in.Amount, in.From, rate)
	}
	entry.UserID = in.UserID
	entry.Currency = foreign
	entry.Rate = &rate
	entry.HomeValue = homeValue

	// Nothing has been applied yet, so an abandoned request can still stop here.
	if err := ctx.Err(); err != nil {
		return ExchangeResult{}, err
	}

	w, err := e.wallets.TryAdjustPair(context.WithoutCancel(ctx), in.UserID,
		wallet.Leg{Currency: in.From, Delta: in.Amount.Neg()},
		wallet.Leg{Currency: in.To, Delta: received},
		&entry)
	if err != nil {
		return ExchangeResult{}, e.storeError(in.UserID, "exchange", err)
	}

	e.logger.Info("exchange committed",
		slog.String("user_id", in.UserID),
		slog.String("transaction_id", entry.ID),
		slog.String("kind", string(entry.Kind)),
		slog.String("from", string(in.From)),
		slog.String("to", string(in.To)),
		slog.String("amount", in.Amount.String()),
		slog.String("rate", rate.String()),
		slog.String("received", received.String()),
		slog.Bool("stale_rates", snap.Stale),
	)
	e.notify(ctx, notification.Message{
		Kind:        notification.KindExchange,
		Destination: in.UserID,
		Body:        fmt.Sprintf("exchanged %s %s for %s %s at %s", in.Amount, in.From, money.Format(received), in.To, rate),
	})

	return ExchangeResult{
		TransactionID: entry.ID,
		Kind:          entry.Kind,
		Currency:      foreign,
		Rate:          rate,
		Debited:       in.Amount,
		Received:      received,
		HomeValue:     homeValue,
		Wallet:        w,
		CompletedAt:   entry.CreatedAt,
	}, nil
}

// Deposit credits the home currency.
func (e *Engine) Deposit(ctx context.Context, in DepositInput) (DepositResult, error) {
	if err := validateAmount(in.Amount); err != nil {
		return DepositResult{}, err
	}
	if e.cfg.DepositMax.IsPositive() && in.Amount.GreaterThan(e.cfg.DepositMax) {
		return DepositResult{}, fmt.Errorf("%w: deposit exceeds maximum of %s", ErrInvalidAmount, e.cfg.DepositMax)
	}
	if err := ctx.Err(); err != nil {
		return DepositResult{}, err
	}

	entry := txlog.Transaction{
		UserID:    in.UserID,
		Kind:      txlog.KindDeposit,
		Currency:  e.cfg.Home,
		Amount:    in.Amount,
		HomeValue: in.Amount,
	}
	w, err := e.wallets.TryAdjust(context.WithoutCancel(ctx), in.UserID,
		wallet.Leg{Currency: e.cfg.Home, Delta: in.Amount}, &entry)
	if err != nil {
		return DepositResult{}, e.storeError(in.UserID, "deposit", err)
	}

	e.logger.Info("deposit committed",
		slog.String("user_id", in.UserID),
		slog.String("transaction_id", entry.ID),
		slog.String("amount", in.Amount.String()),
	)
	e.notify(ctx, notification.Message{
		Kind:        notification.KindDeposit,
		Destination: in.UserID,
		Body:        fmt.Sprintf("deposited %s %s", in.Amount, e.cfg.Home),
	})

	return DepositResult{
		TransactionID: entry.ID,
		Amount:        in.Amount,
		Balance:       w.Balance(e.cfg.Home),
		Wallet:        w,
		CompletedAt:   entry.CreatedAt,
	}, nil
}

// Wallet returns the user's balances.
func (e *Engine) Wallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	return e.wallets.Get(ctx, userID)
}

// Transactions lists the user's journal, most recent first.
func (e *Engine) Transactions(ctx context.Context, userID string, filter txlog.Filter) ([]txlog.Transaction, error) {
	return e.journal.List(ctx, userID, filter)
}

// Quotes returns the current quote snapshot.
func (e *Engine) Quotes(ctx context.Context) (rates.Snapshot, error) {
	snap, err := e.quotes.Quotes(ctx)
	if err != nil && errors.Is(err, rates.ErrSourceUnavailable) {
		return rates.Snapshot{}, fmt.Errorf("%w: %w", ErrRateSourceUnavailable, err)
	}
	return snap, err
}

// Reconcile replays the user's full journal from zero and compares the
// result with the stored wallet.
func (e *Engine) Reconcile(ctx context.Context, userID string) error {
	w, err := e.wallets.Get(ctx, userID)
	if err != nil {
		return err
	}
	entries, err := e.journal.List(ctx, userID, txlog.Filter{})
	if err != nil {
		return err
	}

	replayed := txlog.Replay(entries, e.cfg.Home)
	for c, amount := range w.Balances {
		if !replayed[c].Equal(amount) {
			return e.integrity(userID, fmt.Errorf("%s balance %s but journal yields %s", c, amount, replayed[c]))
		}
	}
	for c, amount := range replayed {
		if _, held := w.Balances[c]; !held && !amount.IsZero() {
			return e.integrity(userID, fmt.Errorf("journal holds %s %s absent from wallet", amount, c))
		}
	}
	return nil
}

func (e *Engine) quotesWithRetry(ctx context.Context) (rates.Snapshot, error) {
	snap, err := e.quotes.Quotes(ctx)
	if err == nil || !errors.Is(err, rates.ErrSourceUnavailable) {
		return snap, err
	}

	e.logger.Warn("rate source unavailable, retrying", slog.Duration("backoff", e.cfg.RetryBackoff), slog.Any("error", err))
	timer := time.NewTimer(e.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return rates.Snapshot{}, ctx.Err()
	case <-timer.C:
	}

	snap, err = e.quotes.Quotes(ctx)
	if err != nil && errors.Is(err, rates.ErrSourceUnavailable) {
		return rates.Snapshot{}, fmt.Errorf("%w: %w", ErrRateSourceUnavailable, err)
	}
	return snap, err
}

func (e *Engine) storeError(userID, op string, err error) error {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, wallet.ErrWalletNotFound):
		return err
	case errors.Is(err, wallet.ErrUnknownCurrency):
		return fmt.Errorf("%w: %v", ErrUnsupportedCurrency, err)
	case errors.Is(err, wallet.ErrNegativeBalance), errors.Is(err, wallet.ErrInvalidLeg):
		return e.integrity(userID, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (e *Engine) integrity(userID string, err error) error {
	e.logger.Error("ledger integrity violation", slog.String("user_id", userID), slog.Any("error", err))
	return fmt.Errorf("%w: %v", ErrIntegrity, err)
}

func (e *Engine) notify(ctx context.Context, msg notification.Message) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !money.FitsScale(amount) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, money.Scale)
	}
	return nil
}
