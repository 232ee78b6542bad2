package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
	"github.com/kantor-pay/kantor/internal/txlog"
)

type account struct {
	mu        sync.Mutex
	balances  map[money.Currency]decimal.Decimal
	updatedAt time.Time
}

type memoryStore struct {
	currencies []money.Currency
	journal    txlog.Log

	mu      sync.RWMutex
	wallets map[string]*account
}

// NewMemoryStore builds an in-memory store whose wallets hold the given
// currencies. Entries passed to adjustments are appended to journal while the
// user's wallet is still locked.
func NewMemoryStore(currencies []money.Currency, journal txlog.Log) Store {
	return &memoryStore{
		currencies: append([]money.Currency(nil), currencies...),
		journal:    journal,
		wallets:    make(map[string]*account),
	}
}

func (s *memoryStore) Create(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[userID]; exists {
		return ErrWalletExists
	}
	balances := make(map[money.Currency]decimal.Decimal, len(s.currencies))
	for _, c := range s.currencies {
		balances[c] = decimal.Zero
	}
	s.wallets[userID] = &account{balances: balances, updatedAt: time.Now().UTC()}
	return nil
}

func (s *memoryStore) lookup(userID string) (*account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return acct, nil
}

func (s *memoryStore) Get(_ context.Context, userID string) (Wallet, error) {
	acct, err := s.lookup(userID)
	if err != nil {
		return Wallet{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Wallet{UserID: userID, Balances: copyBalances(acct.balances), UpdatedAt: acct.updatedAt}, nil
}

func (s *memoryStore) TryAdjust(ctx context.Context, userID string, leg Leg, entry *txlog.Transaction) (Wallet, error) {
	return s.adjust(ctx, userID, []Leg{leg}, entry)
}

func (s *memoryStore) TryAdjustPair(ctx context.Context, userID string, debit, credit Leg, entry *txlog.Transaction) (Wallet, error) {
	return s.adjust(ctx, userID, []Leg{debit, credit}, entry)
}

func (s *memoryStore) adjust(ctx context.Context, userID string, legs []Leg, entry *txlog.Transaction) (Wallet, error) {
	acct, err := s.lookup(userID)
	if err != nil {
		return Wallet{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	next, err := applyLegs(acct.balances, legs)
	if err != nil {
		return Wallet{}, err
	}

	prev, prevUpdated := acct.balances, acct.updatedAt
	acct.balances = next
	acct.updatedAt = time.Now().UTC()

	if entry != nil && s.journal != nil {
		e := *entry
		e.UserID = userID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = acct.updatedAt
		}
		id, err := s.journal.Append(ctx, e)
		if err != nil {
			acct.balances, acct.updatedAt = prev, prevUpdated
			return Wallet{}, err
		}
		entry.ID = id
		entry.CreatedAt = e.CreatedAt
	}

	return Wallet{UserID: userID, Balances: copyBalances(next), UpdatedAt: acct.updatedAt}, nil
}
