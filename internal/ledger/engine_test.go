package ledger

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/logging"
	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/rates"
	"github.com/kantor-pay/kantor/internal/txlog"
	"github.com/kantor-pay/kantor/internal/wallet"
)

const home money.Currency = "PLN"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticQuotes struct {
	snap rates.Snapshot
}

func (s staticQuotes) Quotes(context.Context) (rates.Snapshot, error) { return s.snap, nil }

func quotes(pairs map[money.Currency][2]string) staticQuotes {
	q := make(map[money.Currency]rates.Quote, len(pairs))
	for code, p := range pairs {
		q[code] = rates.Quote{Code: code, Bid: dec(p[0]), Ask: dec(p[1])}
	}
	return staticQuotes{snap: rates.Snapshot{Quotes: q, FetchedAt: time.Now()}}
}

type failingSource struct {
	calls atomic.Int32
}

func (s *failingSource) Fetch(context.Context) (map[money.Currency]rates.Quote, error) {
	s.calls.Add(1)
	return nil, errors.Join(rates.ErrSourceUnavailable, context.DeadlineExceeded)
}

type fixture struct {
	engine  *Engine
	wallets wallet.Store
	journal txlog.Log
}

func newFixture(t *testing.T, provider QuoteProvider) fixture {
	t.Helper()
	journal := txlog.NewMemoryLog()
	wallets := wallet.NewMemoryStore([]money.Currency{home, "EUR", "USD"}, journal)
	engine, err := NewEngine(Config{Home: home, DepositMax: dec("100000"), RetryBackoff: time.Millisecond},
		provider, wallets, journal, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := wallets.Create(context.Background(), "user-1"); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return fixture{engine: engine, wallets: wallets, journal: journal}
}

func (f fixture) deposit(t *testing.T, amount string) {
	t.Helper()
	if _, err := f.engine.Deposit(context.Background(), DepositInput{UserID: "user-1", Amount: dec(amount)}); err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
}

func (f fixture) balances(t *testing.T) wallet.Wallet {
	t.Helper()
	w, err := f.engine.Wallet(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w
}

func (f fixture) history(t *testing.T) []txlog.Transaction {
	t.Helper()
	entries, err := f.engine.Transactions(context.Background(), "user-1", txlog.Filter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	return entries
}

func expectBalance(t *testing.T, w wallet.Wallet, c money.Currency, want string) {
	t.Helper()
	if got := w.Balance(c); !got.Equal(dec(want)) {
		t.Fatalf("%s balance: expected %s got %s", c, want, got)
	}
}

func TestExchange_BuyForeign(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}}))
	f.deposit(t, "1000")

	res, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec("100")})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.Received.Equal(dec("25")) || !res.Rate.Equal(dec("4.00")) {
		t.Fatalf("unexpected result received=%s rate=%s", res.Received, res.Rate)
	}

	w := f.balances(t)
	expectBalance(t, w, home, "900")
	expectBalance(t, w, "EUR", "25")

	entries := f.history(t)
	if len(entries) != 2 {
		t.Fatalf("expected deposit and buy entries, got %d", len(entries))
	}
	buy := entries[0]
	if buy.Kind != txlog.KindBuy || buy.Currency != "EUR" || buy.ID != res.TransactionID {
		t.Fatalf("unexpected entry %+v", buy)
	}
	if !buy.Amount.Equal(dec("25")) || !buy.Rate.Equal(dec("4")) || !buy.HomeValue.Equal(dec("100")) {
		t.Fatalf("unexpected amounts amount=%s rate=%s home=%s", buy.Amount, buy.Rate, buy.HomeValue)
	}
}

func TestExchange_SellForeign(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}}))
	wallet.SeedBalance(f.wallets, "user-1", "EUR", dec("10"))

	res, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: "EUR", To: home, Amount: dec("10")})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if res.Kind != txlog.KindSell || !res.Received.Equal(dec("39")) {
		t.Fatalf("unexpected result kind=%s received=%s", res.Kind, res.Received)
	}

	w := f.balances(t)
	expectBalance(t, w, home, "39.00")
	expectBalance(t, w, "EUR", "0")

	entries := f.history(t)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	sell := entries[0]
	if !sell.Amount.Equal(dec("10")) || !sell.Rate.Equal(dec("3.90")) || !sell.HomeValue.Equal(dec("39.00")) {
		t.Fatalf("unexpected sell entry %+v", sell)
	}
}

func TestExchange_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}}))
	f.deposit(t, "50")

	_, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec("100")})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	w := f.balances(t)
	expectBalance(t, w, home, "50")
	expectBalance(t, w, "EUR", "0")
	if n := len(f.history(t)); n != 1 {
		t.Fatalf("expected only the deposit entry, got %d", n)
	}
}

func TestExchange_RateSourceFailingTwiceIsRetryable(t *testing.T) {
	src := &failingSource{}
	cache := rates.NewCache(src, rates.CacheConfig{Freshness: time.Minute, MaxStaleness: time.Minute, RefreshTimeout: time.Second}, logging.Discard())
	f := newFixture(t, cache)
	f.deposit(t, "1000")

	_, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec("100")})
	if !errors.Is(err, ErrRateSourceUnavailable) || !Retryable(err) {
		t.Fatalf("expected retryable rate source error, got %v", err)
	}
	if calls := src.calls.Load(); calls != 2 {
		t.Fatalf("expected one retry, got %d source calls", calls)
	}

	expectBalance(t, f.balances(t), home, "1000")
	if n := len(f.history(t)); n != 1 {
		t.Fatalf("expected only the deposit entry, got %d", n)
	}
}

func TestExchange_Validation(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}, "USD": {"3.60", "3.70"}}))
	f.deposit(t, "1000")

	cases := []struct {
		name string
		in   ExchangeInput
		want error
	}{
		{"zero amount", ExchangeInput{From: home, To: "EUR", Amount: decimal.Zero}, ErrInvalidAmount},
		{"negative amount", ExchangeInput{From: home, To: "EUR", Amount: dec("-1")}, ErrInvalidAmount},
		{"too precise", ExchangeInput{From: home, To: "EUR", Amount: dec("1.000000001")}, ErrInvalidAmount},
		{"yields nothing", ExchangeInput{From: home, To: "EUR", Amount: dec("0.00000001")}, ErrInvalidAmount},
		{"same currency", ExchangeInput{From: home, To: home, Amount: dec("1")}, ErrSameCurrencyPair},
		{"foreign to foreign", ExchangeInput{From: "EUR", To: "USD", Amount: dec("1")}, ErrUnsupportedPair},
		{"unquoted currency", ExchangeInput{From: home, To: "CHF", Amount: dec("1")}, ErrUnsupportedCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.UserID = "user-1"
			_, err := f.engine.Exchange(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsValidation(err) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
	expectBalance(t, f.balances(t), home, "1000")
}

func TestExchange_CancelledBeforeCommitAppliesNothing(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}}))
	f.deposit(t, "1000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.Exchange(ctx, ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec("100")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	expectBalance(t, f.balances(t), home, "1000")
}

func TestExchange_StoredRateReproducesHomeValue(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"4.2956", "4.3824"}}))
	f.deposit(t, "1000")

	for _, amount := range []string{"100", "33.33", "7.01", "0.5"} {
		if _, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec(amount)}); err != nil {
			t.Fatalf("buy %s: %v", amount, err)
		}
	}
	for _, amount := range []string{"3.1", "0.12345678"} {
		if _, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: "EUR", To: home, Amount: dec(amount)}); err != nil {
			t.Fatalf("sell %s: %v", amount, err)
		}
	}

	for _, e := range f.history(t) {
		switch e.Kind {
		case txlog.KindBuy:
			if got := money.Quo(e.HomeValue, *e.Rate); !got.Equal(e.Amount) {
				t.Fatalf("buy %s: recomputed %s stored %s", e.ID, got, e.Amount)
			}
		case txlog.KindSell:
			if got := money.Truncate(e.Amount.Mul(*e.Rate)); !got.Equal(e.HomeValue) {
				t.Fatalf("sell %s: recomputed %s stored %s", e.ID, got, e.HomeValue)
			}
		}
	}
	if err := f.engine.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestExchange_ConcurrentRequestsSerialize(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"3.90", "4.00"}}))
	f.deposit(t, "1000")

	const workers = 25
	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Exchange(context.Background(), ExchangeInput{UserID: "user-1", From: home, To: "EUR", Amount: dec("150")})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 6 || insufficient.Load() != workers-6 {
		t.Fatalf("expected 6 successes, got %d (insufficient %d)", succeeded.Load(), insufficient.Load())
	}
	w := f.balances(t)
	expectBalance(t, w, home, "100")
	expectBalance(t, w, "EUR", "225")

	replayed := txlog.Replay(f.history(t), home)
	for c, amount := range w.Balances {
		if !replayed[c].Equal(amount) {
			t.Fatalf("replay %s: expected %s got %s", c, amount, replayed[c])
		}
	}
}

func TestEngine_RandomSequencesStayNonNegative(t *testing.T) {
	f := newFixture(t, quotes(map[money.Currency][2]string{"EUR": {"4.2956", "4.3824"}, "USD": {"3.9102", "3.9892"}}))
	rng := rand.New(rand.NewSource(42))
	foreign := []money.Currency{"EUR", "USD"}
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		amount := decimal.New(rng.Int63n(50000)+1, -2)
		c := foreign[rng.Intn(len(foreign))]
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = f.engine.Deposit(ctx, DepositInput{UserID: "user-1", Amount: amount})
		case 1:
			_, err = f.engine.Exchange(ctx, ExchangeInput{UserID: "user-1", From: home, To: c, Amount: amount})
		default:
			_, err = f.engine.Exchange(ctx, ExchangeInput{UserID: "user-1", From: c, To: home, Amount: amount.Div(decimal.NewFromInt(4)).Truncate(2)})
		}
		if err != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("step %d: unexpected error %v", i, err)
		}
		for cur, bal := range f.balances(t).Balances {
			if bal.IsNegative() {
				t.Fatalf("step %d: %s balance went negative: %s", i, cur, bal)
			}
		}
	}
	if err := f.engine.Reconcile(ctx, "user-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestEngine_WalletReadIsStable(t *testing.T) {
	f := newFixture(t, quotes(nil))
	f.deposit(t, "12.5")

	first := f.balances(t)
	second := f.balances(t)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical reads, got %+v and %+v", first, second)
	}
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, quotes(nil))

	res, err := f.engine.Deposit(context.Background(), DepositInput{UserID: "user-1", Amount: dec("250.75")})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !res.Balance.Equal(dec("250.75")) || res.TransactionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	entries := f.history(t)
	if len(entries) != 1 || entries[0].Kind != txlog.KindDeposit || entries[0].Rate != nil {
		t.Fatalf("unexpected journal %+v", entries)
	}

	if _, err := f.engine.Deposit(context.Background(), DepositInput{UserID: "user-1", Amount: dec("100000.01")}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}
	if _, err := f.engine.Deposit(context.Background(), DepositInput{UserID: "ghost", Amount: dec("1")}); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	f := newFixture(t, quotes(nil))
	f.deposit(t, "10")
	if err := f.engine.Reconcile(context.Background(), "user-1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	wallet.SeedBalance(f.wallets, "user-1", "EUR", dec("1"))
	if err := f.engine.Reconcile(context.Background(), "user-1"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}
