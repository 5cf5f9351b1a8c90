// Package access asks the chat adapter to grant or revoke the verified role.
package access

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"idlink/internal/verification/ports"
	id "idlink/pkg/domain"
	strs "idlink/pkg/platform/strings"
)

const (
	ActionGrant  = "grant"
	ActionRevoke = "revoke"

	maxConcurrentRevokes = 8
)

// GroupFailure records a revoke that did not go through.
type GroupFailure struct {
	Group id.Group
	Err   error
}

// RevokeAll revokes chatID in every group concurrently. Failures are
// collected and returned; they never stop the other revokes.
func RevokeAll(ctx context.Context, n ports.Notifier, groups []id.Group, chatID id.ChatID) (revoked int, failures []GroupFailure) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxConcurrentRevokes)
	for _, group := range groups {
		g.Go(func() error {
			err := n.Revoke(ctx, group, chatID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, GroupFailure{Group: group, Err: err})
				return nil
			}
			revoked++
			return nil
		})
	}
	_ = g.Wait()
	return revoked, failures
}

// toGroups parses configured group names. Malformed names are logged and
// skipped so one typo does not disable every grant.
func toGroups(names []string, logger *slog.Logger) []id.Group {
	groups, rejected := strs.ParseUnique(names, id.ParseGroup)
	for _, name := range rejected {
		logger.Warn("ignoring malformed access group", "group", name)
	}
	return groups
}
