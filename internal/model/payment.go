package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Purpose string

const (
	PurposeDeposit      Purpose = "deposit"
	PurposeWithdrawal   Purpose = "withdrawal"
	PurposeGift         Purpose = "gift"
	PurposeSubscription Purpose = "subscription"
	PurposeReveal       Purpose = "reveal_identity"
)

type Provider string

const (
	ProviderCinetPay Provider = "cinetpay"
	ProviderFedaPay  Provider = "fedapay"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderCinetPay, ProviderFedaPay:
		return p, nil
	}
	return "", Invalid("provider", fmt.Sprintf("unsupported provider %q", s))
}

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusProcessing PaymentStatus = "processing"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
	StatusCancelled  PaymentStatus = "cancelled"
	StatusRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
// completed -> refunded is the only move out of a terminal state.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted:
		return to == StatusRefunded
	}
	return false
}

type PaymentAttempt struct {
	ID                int64         `json:"id"`
	UserID            int64         `json:"user_id"`
	Purpose           Purpose       `json:"purpose"`
	Provider          Provider      `json:"provider"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	InternalReference string        `json:"internal_reference"`
	ProviderReference *string       `json:"provider_reference,omitempty"`
	PaymentURL        *string       `json:"payment_url,omitempty"`
	Meta              PaymentMeta   `json:"-"`
	FailureReason     *string       `json:"failure_reason,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	LastPolledAt      *time.Time    `json:"last_polled_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PaymentMeta is the purpose-specific linkage of an attempt. The concrete
// types below are the only implementations.
type PaymentMeta interface {
	Purpose() Purpose
	// ReferencePrefix is prepended to the internal reference so webhooks can
	// be routed without a lookup.
	ReferencePrefix() string
}

type DepositMeta struct{}

func (DepositMeta) Purpose() Purpose        { return PurposeDeposit }
func (DepositMeta) ReferencePrefix() string { return "PAY-" }

type WithdrawalMeta struct {
	PayoutID int64 `json:"payout_id"`
}

func (WithdrawalMeta) Purpose() Purpose        { return PurposeWithdrawal }
func (WithdrawalMeta) ReferencePrefix() string { return "PAYOUT-" }

type GiftMeta struct {
	TransactionID int64 `json:"transaction_id"`
	RecipientID   int64 `json:"recipient_id"`
}

func (GiftMeta) Purpose() Purpose        { return PurposeGift }
func (GiftMeta) ReferencePrefix() string { return "GIFT-" }

// RevealMeta carries exactly one target: a message, a conversation or a story.
type RevealMeta struct {
	MessageID      int64 `json:"message_id,omitempty"`
	ConversationID int64 `json:"conversation_id,omitempty"`
	StoryID        int64 `json:"story_id,omitempty"`
}

func (RevealMeta) Purpose() Purpose { return PurposeReveal }

func (m RevealMeta) ReferencePrefix() string {
	if m.ConversationID != 0 {
		return "REVEAL-CONV-"
	}
	return "REVEAL-"
}

// Target resolves the grant kind and target id the reveal unlocks.
func (m RevealMeta) Target() (GrantKind, int64, error) {
	set := 0
	var kind GrantKind
	var id int64
	if m.MessageID > 0 {
		set, kind, id = set+1, GrantRevealMessage, m.MessageID
	}
	if m.ConversationID > 0 {
		set, kind, id = set+1, GrantRevealConversation, m.ConversationID
	}
	if m.StoryID > 0 {
		set, kind, id = set+1, GrantRevealStory, m.StoryID
	}
	if set != 1 {
		return "", 0, Invalid("reveal", "exactly one of message, conversation or story is required")
	}
	return kind, id, nil
}

type SubscriptionMeta struct {
	SubscriptionID int64 `json:"subscription_id"`
	TargetUserID   int64 `json:"target_user_id"`
}

func (SubscriptionMeta) Purpose() Purpose        { return PurposeSubscription }
func (SubscriptionMeta) ReferencePrefix() string { return "PREM-" }

// EncodeMeta serialises meta for storage alongside the purpose column.
func EncodeMeta(m PaymentMeta) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeMeta restores the typed meta for purpose.
func DecodeMeta(purpose Purpose, raw []byte) (PaymentMeta, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		m   PaymentMeta
		err error
	)
	switch purpose {
	case PurposeDeposit:
		m = DepositMeta{}
	case PurposeWithdrawal:
		var v WithdrawalMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case PurposeGift:
		var v GiftMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case PurposeSubscription:
		var v SubscriptionMeta
		err = json.Unmarshal(raw, &v)
		m = v
	case PurposeReveal:
		var v RevealMeta
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown payment purpose %q", purpose)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", purpose, err)
	}
	return m, nil
}

// referencePrefixes is ordered longest first so REVEAL-CONV- wins over REVEAL-.
var referencePrefixes = []struct {
	prefix  string
	purpose Purpose
}{
	{"REVEAL-CONV-", PurposeReveal},
	{"REVEAL-", PurposeReveal},
	{"PAYOUT-", PurposeWithdrawal},
	{"GIFT-", PurposeGift},
	{"PREM-", PurposeSubscription},
	{"PAY-", PurposeDeposit},
}

// PurposeFromReference routes an internal reference by its prefix.
func PurposeFromReference(ref string) (Purpose, error) {
	for _, p := range referencePrefixes {
		if strings.HasPrefix(ref, p.prefix) && len(ref) > len(p.prefix) {
			return p.purpose, nil
		}
	}
	return "", Invalid("reference", fmt.Sprintf("unrecognised reference %q", ref))
}
