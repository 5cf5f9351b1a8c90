package models

import (
	"time"

	id "idlink/pkg/domain"
)

// Defaults for code issuance. Both are overridable through configuration.
const (
	DefaultCodeLength = 6
	DefaultCodeTTL    = 15 * time.Minute
	// DefaultSweepGrace keeps an expired pending row around for a while after
	// expiry before the lazy sweep removes it.
	DefaultSweepGrace = 15 * time.Minute
)

// PendingVerification is an outstanding one-time code for a chat identity.
//
// Invariants:
//   - at most one per ChatID (re-issuing replaces alias, code and expiry)
//   - CanonicalAlias is the directory's canonical form, never the raw input
//   - Code is CodeLength decimal digits, leading zeros preserved
type PendingVerification struct {
	ChatID         id.ChatID `json:"chat_id"`
	CanonicalAlias id.Alias  `json:"canonical_alias"`
	Code           string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// NewPendingVerification builds a pending row expiring ttl after now.
func NewPendingVerification(chatID id.ChatID, alias id.Alias, code string, now time.Time, ttl time.Duration) *PendingVerification {
	return &PendingVerification{
		ChatID:         chatID,
		CanonicalAlias: alias,
		Code:           code,
		ExpiresAt:      now.Add(ttl),
	}
}

// IsActive reports whether the code can still be redeemed at now.
func (p *PendingVerification) IsActive(now time.Time) bool {
	return p != nil && now.Before(p.ExpiresAt)
}

// ConfirmedMapping is the durable link between a chat identity and an
// institutional identity. It is never edited; admin unverify deletes it.
type ConfirmedMapping struct {
	ChatID         id.ChatID `json:"chat_id"`
	CanonicalAlias id.Alias  `json:"canonical_alias"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}

// Lookup is the per-chat-identity view returned by the store: either side may be nil.
type Lookup struct {
	Confirmed *ConfirmedMapping
	Pending   *PendingVerification
}

// State is the verification state of a chat identity.
type State string

const (
	StateUnverified State = "unverified"
	StatePending    State = "pending"
	StateVerified   State = "verified"
)

// State derives the state machine position at now. An expired pending row
// that has not been swept yet counts as unverified.
func (l Lookup) State(now time.Time) State {
	switch {
	case l.Confirmed != nil:
		return StateVerified
	case l.Pending.IsActive(now):
		return StatePending
	default:
		return StateUnverified
	}
}

// SweepCutoff is the lazy-sweep predicate boundary: pending rows whose
// ExpiresAt is at or before the returned instant are deleted.
func SweepCutoff(now time.Time, grace time.Duration) time.Time {
	return now.Add(-grace)
}

// IsWellFormedCode reports whether code has exactly length decimal digits.
func IsWellFormedCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
