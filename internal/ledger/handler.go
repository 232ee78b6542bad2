package ledger

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/middleware"
	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/rates"
	"github.com/kantor-pay/kantor/internal/txlog"
	"github.com/kantor-pay/kantor/internal/wallet"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	retryAfterSeconds   = 5
)

// Handler exposes wallet, exchange and history endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type exchangeRequest struct {
	FromCurrency string          `json:"fromCurrency"`
	ToCurrency   string          `json:"toCurrency"`
	Amount       decimal.Decimal `json:"amount"`
}

type walletResponse struct {
	UserID    string            `json:"userId"`
	Balances  map[string]string `json:"balances"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type transactionResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`
	Rate      *string   `json:"rate"`
	HomeValue string    `json:"homeValue"`
	CreatedAt time.Time `json:"createdAt"`
}

type quoteResponse struct {
	Code          string `json:"code"`
	Bid           string `json:"bid"`
	Ask           string `json:"ask"`
	EffectiveDate string `json:"effectiveDate,omitempty"`
}

// Wallet returns the caller's balances.
func (h *Handler) Wallet(c *fiber.Ctx) error {
	w, err := h.engine.Wallet(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(toWalletResponse(w))
}

// Deposit credits the home currency.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.Deposit(c.UserContext(), DepositInput{UserID: middleware.UserID(c), Amount: req.Amount})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transactionId": res.TransactionID,
		"currency":      string(h.engine.Home()),
		"amount":        money.Format(res.Amount),
		"balance":       money.Format(res.Balance),
		"wallet":        toWalletResponse(res.Wallet),
		"completedAt":   res.CompletedAt,
	})
}

// Exchange converts between the home currency and a foreign one.
func (h *Handler) Exchange(c *fiber.Ctx) error {
	var req exchangeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	from, err := money.ParseCurrency(req.FromCurrency)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "fromCurrency: "+err.Error())
	}
	to, err := money.ParseCurrency(req.ToCurrency)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "toCurrency: "+err.Error())
	}

	res, err := h.engine.Exchange(c.UserContext(), ExchangeInput{
		UserID: middleware.UserID(c),
		From:   from,
		To:     to,
		Amount: req.Amount,
	})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transactionId":  res.TransactionID,
		"type":           string(res.Kind),
		"fromCurrency":   string(from),
		"toCurrency":     string(to),
		"amount":         money.Format(res.Debited),
		"rate":           money.Format(res.Rate),
		"receivedAmount": money.Format(res.Received),
		"wallet":         toWalletResponse(res.Wallet),
		"completedAt":    res.CompletedAt,
	})
}

// Transactions lists the caller's history, most recent first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	filter := txlog.Filter{Limit: defaultHistoryLimit}
	if raw := c.Query("type"); raw != "" {
		kind, err := txlog.ParseKind(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		filter.Kind = kind
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxHistoryLimit {
			return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
		}
		filter.Limit = limit
	}

	entries, err := h.engine.Transactions(c.UserContext(), middleware.UserID(c), filter)
	if err != nil {
		return toHTTPError(c, err)
	}
	out := make([]transactionResponse, 0, len(entries))
	for _, e := range entries {
		item := transactionResponse{
			ID:        e.ID,
			Type:      string(e.Kind),
			Currency:  string(e.Currency),
			Amount:    money.Format(e.Amount),
			HomeValue: money.Format(e.HomeValue),
			CreatedAt: e.CreatedAt,
		}
		if e.Rate != nil {
			r := money.Format(*e.Rate)
			item.Rate = &r
		}
		out = append(out, item)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out})
}

// Rates returns the quotes currently served to exchanges.
func (h *Handler) Rates(c *fiber.Ctx) error {
	snap, err := h.engine.Quotes(c.UserContext())
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"base":      string(h.engine.Home()),
		"rates":     toQuoteResponses(snap),
		"fetchedAt": snap.FetchedAt,
		"stale":     snap.Stale,
	})
}

func toWalletResponse(w wallet.Wallet) walletResponse {
	balances := make(map[string]string, len(w.Balances))
	for c, amount := range w.Balances {
		balances[string(c)] = money.Format(amount)
	}
	return walletResponse{UserID: w.UserID, Balances: balances, UpdatedAt: w.UpdatedAt}
}

func toQuoteResponses(snap rates.Snapshot) []quoteResponse {
	out := make([]quoteResponse, 0, len(snap.Quotes))
	for _, q := range snap.Quotes {
		out = append(out, quoteResponse{
			Code:          string(q.Code),
			Bid:           q.Bid.String(),
			Ask:           q.Ask.String(),
			EffectiveDate: q.EffectiveDate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func toHTTPError(c *fiber.Ctx, err error) error {
	switch {
	case IsValidation(err):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInsufficientFunds):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case Retryable(err):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))
		return fiber.NewError(http.StatusServiceUnavailable, ErrRateSourceUnavailable.Error())
	case errors.Is(err, ErrIntegrity):
		return fiber.NewError(http.StatusInternalServerError, "internal ledger error")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
