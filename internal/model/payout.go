package model

import "time"

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutRejected   PayoutStatus = "rejected"
)

// Open reports whether the request still blocks a new one for the same user.
func (s PayoutStatus) Open() bool {
	return s == PayoutPending || s == PayoutProcessing
}

type PayoutRequest struct {
	ID               int64        `json:"id"`
	UserID           int64        `json:"user_id"`
	Amount           int64        `json:"amount"`
	Fee              int64        `json:"fee"`
	NetAmount        int64        `json:"net_amount"`
	DestinationPhone string       `json:"destination_phone"`
	Provider         Provider     `json:"provider"`
	Status           PayoutStatus `json:"status"`
	ProcessedBy      *int64       `json:"processed_by,omitempty"`
	ProcessedAt      *time.Time   `json:"processed_at,omitempty"`
	RejectionReason  *string      `json:"rejection_reason,omitempty"`
	LedgerEntryID    *int64       `json:"ledger_entry_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}
