// Package ledger is the append-only store of settled transactions and
// unredeemed credits.
//
// Rows are immutable once written — there is no update path, and a bad write
// can only be corrected by a compensating row. Monetary amounts travel as
// decimal strings end-to-end; they are validated on the way in but never
// converted to floats.
//
// Two backends are available:
//   - ClickHouseStore — append-only columnar storage, recommended for production.
//   - MemoryStore — in-process slice-backed store for development and tests.
//
// Both implement the Store interface so they are fully interchangeable.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies a transaction relative to the gateway's wallet.
type Direction string

const (
	// Outgoing is value the gateway spent (a minted payment token).
	Outgoing Direction = "Outgoing"
	// Incoming is value the gateway redeemed back (change from the upstream).
	Incoming Direction = "Incoming"
)

// ParseDirection converts a stored string into a Direction. Unknown values are
// rejected rather than silently mapped to Outgoing — miscategorizing a ledger
// row is worse than failing the read.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Incoming, Outgoing:
		return Direction(s), nil
	}
	return "", fmt.Errorf("ledger: unknown direction %q", s)
}

// ValidateAmount checks that s is a well-formed decimal string. The original
// string is what gets stored; the parsed value is discarded.
func ValidateAmount(s string) error {
	if s == "" {
		return fmt.Errorf("ledger: empty amount")
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("ledger: invalid amount %q: %w", s, err)
	}
	return nil
}

type (
	// Transaction is one settled movement of value. Append-only.
	Transaction struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		Token     string    `json:"token"`
		Amount    string    `json:"amount"`
		Direction Direction `json:"direction"`
	}

	// Credit is leftover change received as a token but not yet swept into
	// the wallet balance. Redeemed starts false; sweeping is done by an
	// external process, never by the gateway.
	Credit struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		Token     string    `json:"token"`
		Amount    string    `json:"amount"`
		Redeemed  bool      `json:"redeemed"`
	}

	// Pagination describes one page of a listing.
	Pagination struct {
		Total      int64 `json:"total"`
		Page       int64 `json:"page"`
		PageSize   int64 `json:"page_size"`
		TotalPages int64 `json:"total_pages"`
	}

	// TransactionList is one page of transactions, newest first.
	TransactionList struct {
		Data       []Transaction `json:"data"`
		Pagination Pagination    `json:"pagination"`
	}

	// CreditList is one page of credits, oldest first.
	CreditList struct {
		Data       []Credit   `json:"data"`
		Pagination Pagination `json:"pagination"`
	}
)

// PageRequest selects a listing page. Zero values fall back to the defaults.
type PageRequest struct {
	Page     int64
	PageSize int64
}

const (
	defaultPage     = 1
	defaultPageSize = 10
)

// normalize applies the page=1 / pageSize=10 defaults.
func (p PageRequest) normalize() PageRequest {
	if p.Page < 1 {
		p.Page = defaultPage
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	return p
}

// Offset is the number of rows skipped before this page starts.
func (p PageRequest) Offset() int64 {
	p = p.normalize()
	return (p.Page - 1) * p.PageSize
}

// paginate computes the Pagination block for total rows under this request.
func (p PageRequest) paginate(total int64) Pagination {
	p = p.normalize()
	return Pagination{
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: (total + p.PageSize - 1) / p.PageSize,
	}
}

// Store is the append-only ledger interface.
//
// Ordering is deliberately asymmetric: transactions list newest-first (an
// operator usually wants the latest settlements), credits oldest-first (the
// sweep process drains them in arrival order).
type Store interface {
	AppendTransaction(ctx context.Context, token, amount string, direction Direction) (string, error)
	AppendCredit(ctx context.Context, token, amount string) (string, error)
	ListTransactions(ctx context.Context, page PageRequest) (*TransactionList, error)
	ListCredits(ctx context.Context, page PageRequest) (*CreditList, error)
}
