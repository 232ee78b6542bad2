package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
)

// SeedBalance is a test helper that sets a balance directly when using the
// in-memory store. It bypasses the journal.
func SeedBalance(s Store, userID string, currency money.Currency, amount decimal.Decimal) {
	mem, ok := s.(*memoryStore)
	if !ok {
		return
	}
	acct, err := mem.lookup(userID)
	if err != nil {
		return
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.balances[currency] = amount
}
