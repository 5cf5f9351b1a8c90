// Package lock serializes state machine check-then-act windows per chat
// identity and per canonical alias.
package lock

import (
	"slices"

	id "idlink/pkg/domain"
)

// ChatKey is the lock key guarding a chat identity's rows.
func ChatKey(chatID id.ChatID) string { return "chat:" + chatID.String() }

// AliasKey is the lock key guarding a canonical alias.
func AliasKey(alias id.Alias) string { return "alias:" + alias.String() }

// normalize sorts and de-duplicates keys so every caller acquires in the same
// order.
func normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
