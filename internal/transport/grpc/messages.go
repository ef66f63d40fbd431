package grpc

import "ledgerpay/internal/model"

type PostingRequest struct {
	UserID      int64           `json:"user_id"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Source      model.SourceRef `json:"source"`
}

func (r *PostingRequest) posting() model.Posting {
	return model.Posting{
		UserID:      r.UserID,
		Amount:      r.Amount,
		Description: r.Description,
		Reference:   r.Reference,
		Source:      r.Source,
	}
}

type EntryResponse struct {
	Entry model.LedgerEntry `json:"entry"`
}

type BalanceRequest struct {
	UserID int64 `json:"user_id"`
}

type BalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success bool `json:"success"`
}
