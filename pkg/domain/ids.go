package domain

import (
	"strings"

	dErrors "idlink/pkg/domain-errors"
)

const (
	maxChatIDLength = 64
	maxAliasLength  = 64
	maxGroupLength  = 64
)

// ChatID identifies a member on the chat platform (e.g. a Discord snowflake).
// Invariant: non-empty, at most 64 characters of [A-Za-z0-9_.:-].
//
// Usage: construct via ParseChatID at trust boundaries; direct casting bypasses validation.
type ChatID string

// Alias is an institutional identifier as typed by a user or as canonicalized by
// the directory. Invariant: lower-case, 1..64 characters of [a-z0-9._-].
type Alias string

// Group identifies a chat-platform group (guild/server) in which the verified
// role is granted.
type Group string

// ParseChatID validates a chat identity received from the adapter.
func ParseChatID(s string) (ChatID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "chat id is required")
	}
	if len(s) > maxChatIDLength || !allowed(s, true) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "chat id is malformed")
	}
	return ChatID(s), nil
}

// ParseAlias normalizes and validates a claimed alias. Aliases are matched
// case-insensitively by the directory, so they are folded to lower case here.
func ParseAlias(s string) (Alias, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "alias is required")
	}
	if len(s) > maxAliasLength || !allowed(s, false) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "alias is malformed")
	}
	return Alias(s), nil
}

// ParseGroup validates a group identifier. Groups are optional on some calls,
// so an empty group is returned as-is.
func ParseGroup(s string) (Group, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxGroupLength || !allowed(s, true) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "group is malformed")
	}
	return Group(s), nil
}

func (c ChatID) String() string { return string(c) }
func (c ChatID) IsNil() bool    { return c == "" }

func (a Alias) String() string { return string(a) }
func (a Alias) IsNil() bool    { return a == "" }

func (g Group) String() string { return string(g) }
func (g Group) IsNil() bool    { return g == "" }

func allowed(s string, chatCharset bool) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		case chatCharset && (r >= 'A' && r <= 'Z' || r == ':'):
		default:
			return false
		}
	}
	return true
}
