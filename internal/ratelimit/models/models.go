package models

import id "idlink/pkg/domain"

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed bool `json:"allowed"`
	Limit   int  `json:"limit"`
}

// Attempt names the state machine operation being limited.
type Attempt string

const (
	AttemptBegin   Attempt = "begin"
	AttemptConfirm Attempt = "confirm"
)

// Key builds the bucket key for an attempt by a chat identity.
func Key(attempt Attempt, chatID id.ChatID) string {
	return "rl:" + string(attempt) + ":" + chatID.String()
}
