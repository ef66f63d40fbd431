package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"ledgerpay/internal/model"
	"ledgerpay/internal/payment"
	"ledgerpay/internal/service"
	"ledgerpay/internal/unlock"
	"ledgerpay/internal/webhook"
	"ledgerpay/internal/withdrawal"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxWebhookBody = 64 << 10

type Handler struct {
	ledger      service.LedgerService
	payments    *payment.Manager
	unlock      *unlock.Engine
	withdrawals *withdrawal.Manager
	webhooks    *webhook.Dispatcher
	validate    *validator.Validate
}

func NewHandler(
	ledger service.LedgerService,
	payments *payment.Manager,
	engine *unlock.Engine,
	withdrawals *withdrawal.Manager,
	webhooks *webhook.Dispatcher,
) *Handler {
	return &Handler{
		ledger:      ledger,
		payments:    payments,
		unlock:      engine,
		withdrawals: withdrawals,
		webhooks:    webhooks,
		validate:    model.NewValidator(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Webhook acknowledges every structurally valid delivery. Only a bad
// signature or a payload without its identifying fields is refused.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.webhooks.Handle(r.Context(), provider, r.Header, body)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	p, err := h.payments.Get(r.Context(), ref)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !owns(r, p.UserID) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	if !p.Status.Terminal() {
		if p, err = h.payments.Refresh(r.Context(), ref); err != nil {
			h.fail(w, err)
			return
		}
	}
	out := map[string]any{
		"reference": p.InternalReference,
		"purpose":   p.Purpose,
		"status":    p.Status,
		"amount":    p.Amount,
		"currency":  p.Currency,
	}
	if p.Status == model.StatusProcessing && p.PaymentURL != nil {
		out["payment_url"] = *p.PaymentURL
	}
	if p.FailureReason != nil {
		out["failure_reason"] = *p.FailureReason
	}
	respondJSON(w, http.StatusOK, out)
}

type depositRequest struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	Provider string `json:"provider" validate:"required"`
	Phone    string `json:"phone" validate:"omitempty,e164"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}
	provider, err := model.ParseProvider(req.Provider)
	if err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.unlock.Deposit(r.Context(), userID(r), req.Amount, provider, req.Phone)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, p)
}

type revealRequest struct {
	Mode           string `json:"mode" validate:"required,oneof=wallet provider"`
	MessageID      int64  `json:"message_id" validate:"gte=0"`
	ConversationID int64  `json:"conversation_id" validate:"gte=0"`
	StoryID        int64  `json:"story_id" validate:"gte=0"`
	Provider       string `json:"provider" validate:"required_if=Mode provider"`
	Phone          string `json:"phone" validate:"omitempty,e164"`
}

func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if !h.decode(w, r, &req) {
		return
	}
	target := model.RevealMeta{MessageID: req.MessageID, ConversationID: req.ConversationID, StoryID: req.StoryID}

	var (
		u   *unlock.Unlock
		err error
	)
	if req.Mode == "wallet" {
		u, err = h.unlock.RevealWithWallet(r.Context(), userID(r), target)
	} else {
		var provider model.Provider
		if provider, err = model.ParseProvider(req.Provider); err == nil {
			u, err = h.unlock.RevealWithProvider(r.Context(), userID(r), target, provider, req.Phone)
		}
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	respondUnlock(w, u)
}

type giftRequest struct {
	Mode          string `json:"mode" validate:"required,oneof=wallet provider"`
	TransactionID int64  `json:"transaction_id" validate:"gt=0"`
	RecipientID   int64  `json:"recipient_id" validate:"gt=0"`
	Price         int64  `json:"price" validate:"gt=0"`
	Provider      string `json:"provider" validate:"required_if=Mode provider"`
	Phone         string `json:"phone" validate:"omitempty,e164"`
}

func (h *Handler) Gift(w http.ResponseWriter, r *http.Request) {
	var req giftRequest
	if !h.decode(w, r, &req) {
		return
	}
	gift := model.GiftMeta{TransactionID: req.TransactionID, RecipientID: req.RecipientID}

	var (
		u   *unlock.Unlock
		err error
	)
	if req.Mode == "wallet" {
		u, err = h.unlock.GiftWithWallet(r.Context(), userID(r), gift, req.Price)
	} else {
		var provider model.Provider
		if provider, err = model.ParseProvider(req.Provider); err == nil {
			u, err = h.unlock.GiftWithProvider(r.Context(), userID(r), gift, req.Price, provider, req.Phone)
		}
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	respondUnlock(w, u)
}

type subscriptionRequest struct {
	SubscriptionID int64  `json:"subscription_id" validate:"gte=0"`
	TargetUserID   int64  `json:"target_user_id" validate:"gt=0"`
	Provider       string `json:"provider" validate:"required"`
	Phone          string `json:"phone" validate:"omitempty,e164"`
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	provider, err := model.ParseProvider(req.Provider)
	if err != nil {
		h.fail(w, err)
		return
	}
	sub := model.SubscriptionMeta{SubscriptionID: req.SubscriptionID, TargetUserID: req.TargetUserID}
	u, err := h.unlock.Subscribe(r.Context(), userID(r), sub, provider, req.Phone)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondUnlock(w, u)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	bal, err := h.ledger.Balance(r.Context(), userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID(r), "balance": bal})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	entries, err := h.ledger.Entries(r.Context(), userID(r), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type withdrawalRequest struct {
	Amount   int64  `json:"amount"`
	Phone    string `json:"phone"`
	Provider string `json:"provider"`
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.withdrawals.Request(r.Context(), withdrawal.Request{
		UserID:   userID(r),
		Amount:   req.Amount,
		Phone:    req.Phone,
		Provider: model.Provider(req.Provider),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.withdrawals.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !owns(r, p.UserID) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) StartWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.withdrawals.StartProcessing(r.Context(), id, userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.withdrawals.Approve(r.Context(), id, userID(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.withdrawals.Reject(r.Context(), id, userID(r), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.fail(w, model.FromValidator(err))
		return false
	}
	return true
}

// fail maps the error taxonomy to a status code. Internal errors are logged
// and hidden from the caller.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("http: request failed", "error", err)
		respondError(w, status, "internal_error")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSignatureMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicate),
		errors.Is(err, model.ErrOpenPayout),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrProviderRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondUnlock answers 200 for an already held grant, 201 for a wallet
// unlock and 202 when a provider charge was opened.
func respondUnlock(w http.ResponseWriter, u *unlock.Unlock) {
	switch {
	case u.Already:
		respondJSON(w, http.StatusOK, u)
	case u.Payment != nil:
		respondJSON(w, http.StatusAccepted, u)
	default:
		respondJSON(w, http.StatusCreated, u)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func userID(r *http.Request) int64 {
	if c := claimsFrom(r.Context()); c != nil {
		return c.UserID
	}
	return 0
}

func owns(r *http.Request, owner int64) bool {
	c := claimsFrom(r.Context())
	return c != nil && (c.UserID == owner || c.Role == roleAdmin)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
