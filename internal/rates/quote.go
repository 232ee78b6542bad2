package rates

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
)

// ErrSourceUnavailable covers every way the external feed can fail: transport
// errors, timeouts, bad statuses, malformed or partial payloads.
var ErrSourceUnavailable = errors.New("rate source unavailable")

// Quote is a point-in-time bid/ask pair against the home currency.
// Ask applies when buying the foreign currency, Bid when selling it.
type Quote struct {
	Code          money.Currency
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	EffectiveDate string
}

// Valid reports whether 0 < bid <= ask.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && q.Bid.LessThanOrEqual(q.Ask)
}

// Source fetches quotes for the complete supported set or fails as a whole.
type Source interface {
	Fetch(ctx context.Context) (map[money.Currency]Quote, error)
}

// Snapshot is an immutable set of quotes. Callers must not modify Quotes.
type Snapshot struct {
	Quotes    map[money.Currency]Quote
	FetchedAt time.Time
	Stale     bool
}

// Quote looks up the quote for c.
func (s Snapshot) Quote(c money.Currency) (Quote, bool) {
	q, ok := s.Quotes[c]
	return q, ok
}
