package model

import "time"

type GrantKind string

const (
	GrantRevealMessage      GrantKind = "reveal_message"
	GrantRevealConversation GrantKind = "reveal_conversation"
	GrantRevealStory        GrantKind = "reveal_story"
	GrantSubscription       GrantKind = "subscription"
	GrantGift               GrantKind = "gift"
)

// FeatureGrant is unique per (SubjectUserID, TargetID, Kind). Ledger entries
// paid for a grant carry it as their source.
type FeatureGrant struct {
	ID            int64      `json:"id"`
	SubjectUserID int64      `json:"subject_user_id"`
	TargetID      int64      `json:"target_id"`
	Kind          GrantKind  `json:"kind"`
	Amount        int64      `json:"amount"`
	PaymentID     *int64     `json:"payment_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (g FeatureGrant) ActiveAt(t time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}

type GrantKey struct {
	SubjectUserID int64
	TargetID      int64
	Kind          GrantKind
}

func (g FeatureGrant) Key() GrantKey {
	return GrantKey{SubjectUserID: g.SubjectUserID, TargetID: g.TargetID, Kind: g.Kind}
}
