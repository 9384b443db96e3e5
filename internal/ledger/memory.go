package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a slice-backed in-process ledger.
//
// It is safe for concurrent use. Use this backend when ClickHouse is not
// available — for local development, single-instance deployments, or tests.
// Rows live for the lifetime of the process only.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []Transaction
	credits      []Credit
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendTransaction records one settled movement and returns its id.
func (s *MemoryStore) AppendTransaction(_ context.Context, token, amount string, direction Direction) (string, error) {
	if err := ValidateAmount(amount); err != nil {
		return "", err
	}
	if _, err := ParseDirection(string(direction)); err != nil {
		return "", err
	}

	tx := Transaction{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Token:     token,
		Amount:    amount,
		Direction: direction,
	}

	s.mu.Lock()
	s.transactions = append(s.transactions, tx)
	s.mu.Unlock()

	return tx.ID, nil
}

// AppendCredit records an unredeemed credit and returns its id.
func (s *MemoryStore) AppendCredit(_ context.Context, token, amount string) (string, error) {
	if err := ValidateAmount(amount); err != nil {
		return "", err
	}

	c := Credit{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Token:     token,
		Amount:    amount,
		Redeemed:  false,
	}

	s.mu.Lock()
	s.credits = append(s.credits, c)
	s.mu.Unlock()

	return c.ID, nil
}

// ListTransactions returns one page, newest first.
func (s *MemoryStore) ListTransactions(_ context.Context, page PageRequest) (*TransactionList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := int64(len(s.transactions))

	// Appended in arrival order; walk backwards for newest-first.
	data := make([]Transaction, 0, page.normalize().PageSize)
	start := total - 1 - page.Offset()
	for i := start; i >= 0 && int64(len(data)) < page.normalize().PageSize; i-- {
		data = append(data, s.transactions[i])
	}

	return &TransactionList{Data: data, Pagination: page.paginate(total)}, nil
}

// ListCredits returns one page, oldest first.
func (s *MemoryStore) ListCredits(_ context.Context, page PageRequest) (*CreditList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := int64(len(s.credits))

	data := make([]Credit, 0, page.normalize().PageSize)
	for i := page.Offset(); i < total && int64(len(data)) < page.normalize().PageSize; i++ {
		data = append(data, s.credits[i])
	}

	return &CreditList{Data: data, Pagination: page.paginate(total)}, nil
}

// TransactionCount returns the number of stored transactions (test helper).
func (s *MemoryStore) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

// CreditCount returns the number of stored credits (test helper).
func (s *MemoryStore) CreditCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credits)
}
