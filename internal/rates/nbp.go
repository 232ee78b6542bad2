package rates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kantor-pay/kantor/internal/money"
)

const (
	// DefaultNBPBaseURL is the public NBP API root.
	DefaultNBPBaseURL = "https://api.nbp.pl/api"
	tableCPath        = "/exchangerates/rates/c/{code}/"
)

// NBPConfig configures the NBP table C client.
type NBPConfig struct {
	BaseURL           string
	Currencies        []money.Currency
	Timeout           time.Duration
	RequestsPerSecond float64
}

// NBPSource reads buy/sell rates from the National Bank of Poland table C.
type NBPSource struct {
	client     *resty.Client
	currencies []money.Currency
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ Source = (*NBPSource)(nil)

type nbpTable struct {
	Table    string `json:"table"`
	Currency string `json:"currency"`
	Code     string `json:"code"`
	Rates    []struct {
		No            string          `json:"no"`
		EffectiveDate string          `json:"effectiveDate"`
		Bid           decimal.Decimal `json:"bid"`
		Ask           decimal.Decimal `json:"ask"`
	} `json:"rates"`
}

// NewNBPSource creates an NBP client. Every call is bounded by cfg.Timeout.
func NewNBPSource(cfg NBPConfig, logger *slog.Logger) *NBPSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNBPBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := len(cfg.Currencies)
	if burst < 1 {
		burst = 1
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &NBPSource{
		client:     client,
		currencies: append([]money.Currency(nil), cfg.Currencies...),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Fetch retrieves every configured currency concurrently. A single failure
// fails the whole call.
func (s *NBPSource) Fetch(ctx context.Context) (map[money.Currency]Quote, error) {
	var (
		mu     sync.Mutex
		quotes = make(map[money.Currency]Quote, len(s.currencies))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, code := range s.currencies {
		code := code
		g.Go(func() error {
			q, err := s.fetchOne(gctx, code)
			if err != nil {
				return err
			}
			mu.Lock()
			quotes[code] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if s.logger != nil {
			s.logger.Warn("nbp fetch failed", slog.Any("error", err))
		}
		return nil, err
	}
	return quotes, nil
}

func (s *NBPSource) fetchOne(ctx context.Context, code money.Currency) (Quote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: rate limiter: %v", ErrSourceUnavailable, code, err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("code", string(code)).
		SetQueryParam("format", "json").
		SetResult(&nbpTable{}).
		Get(tableCPath)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, code, err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("%w: %s: status %d", ErrSourceUnavailable, code, resp.StatusCode())
	}

	table, ok := resp.Result().(*nbpTable)
	if !ok || table == nil {
		return Quote{}, fmt.Errorf("%w: %s: empty response", ErrSourceUnavailable, code)
	}
	if got, err := money.ParseCurrency(table.Code); err != nil || got != code {
		return Quote{}, fmt.Errorf("%w: %s: response for %q", ErrSourceUnavailable, code, table.Code)
	}
	if len(table.Rates) == 0 {
		return Quote{}, fmt.Errorf("%w: %s: no rates", ErrSourceUnavailable, code)
	}

	r := table.Rates[0]
	q := Quote{Code: code, Bid: r.Bid, Ask: r.Ask, EffectiveDate: r.EffectiveDate}
	if !q.Valid() {
		return Quote{}, fmt.Errorf("%w: %s: invalid quote bid=%s ask=%s", ErrSourceUnavailable, code, q.Bid, q.Ask)
	}
	return q, nil
}
