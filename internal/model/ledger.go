package model

import (
	"fmt"
	"time"
)

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// SourceKind names the entity a ledger entry was produced for.
type SourceKind string

const (
	SourceDeposit      SourceKind = "deposit"
	SourceWithdrawal   SourceKind = "withdrawal"
	SourceGift         SourceKind = "gift"
	SourceReveal       SourceKind = "reveal"
	SourceSubscription SourceKind = "subscription"
	SourcePayment      SourceKind = "payment"
	SourceRefund       SourceKind = "refund"
	SourceExternal     SourceKind = "external"
)

// SourceRef points a ledger entry at the record that caused it.
type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   int64      `json:"id"`
}

func (r SourceRef) Validate() error {
	switch r.Kind {
	case SourceDeposit, SourceWithdrawal, SourceGift, SourceReveal,
		SourceSubscription, SourcePayment, SourceRefund, SourceExternal:
	default:
		return Invalid("source.kind", fmt.Sprintf("unknown source kind %q", r.Kind))
	}
	if r.ID <= 0 {
		return Invalid("source.id", "must be positive")
	}
	return nil
}

func (r SourceRef) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

type LedgerEntry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description"`
	Reference     string    `json:"reference,omitempty"`
	Source        SourceRef `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

// Posting is a request to move money on one account.
type Posting struct {
	UserID      int64
	Amount      int64
	Description string
	Reference   string
	Source      SourceRef
}

func (p Posting) Validate() error {
	if p.UserID <= 0 {
		return Invalid("user_id", "must be positive")
	}
	if p.Amount <= 0 {
		return Invalid("amount", "must be positive")
	}
	return p.Source.Validate()
}

// NextEntry computes the entry produced by applying p to an account holding balance.
func NextEntry(balance int64, dir Direction, p Posting) (LedgerEntry, error) {
	e := LedgerEntry{
		UserID:        p.UserID,
		Direction:     dir,
		Amount:        p.Amount,
		BalanceBefore: balance,
		Description:   p.Description,
		Reference:     p.Reference,
		Source:        p.Source,
	}
	switch dir {
	case Credit:
		e.BalanceAfter = balance + p.Amount
	case Debit:
		if p.Amount > balance {
			return LedgerEntry{}, ErrInsufficientBalance
		}
		e.BalanceAfter = balance - p.Amount
	default:
		return LedgerEntry{}, Invalid("direction", string(dir))
	}
	return e, nil
}
