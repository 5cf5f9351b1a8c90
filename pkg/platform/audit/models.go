package audit

import (
	"context"
	"time"

	id "idlink/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers changes to the identity link itself.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers rejected or throttled attempts worth alerting on.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from the verification state machine to capture key actions.
// Keep it transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	ChatID    id.ChatID
	Alias     id.Alias
	Group     id.Group
	Action    string
	// Reason is the internal outcome behind an ambiguous user-facing reply
	// (e.g. "alias_not_found", "alias_taken"). Never shown to the requester.
	Reason    string
	RequestID string
	// ActorID tracks who performed the action when different from ChatID,
	// e.g. the adapter-side administrator issuing an unverify.
	ActorID string
}

type AuditEvent string

const (
	EventCodeIssued         AuditEvent = "code_issued"
	EventCodeRejected       AuditEvent = "code_rejected"
	EventBeginDeflected     AuditEvent = "begin_deflected"
	EventMappingConfirmed   AuditEvent = "mapping_confirmed"
	EventMappingRemoved     AuditEvent = "mapping_removed"
	EventMappingLookedUp    AuditEvent = "mapping_looked_up"
	EventAccessGrantFailed  AuditEvent = "access_grant_failed"
	EventAccessRevokeFailed AuditEvent = "access_revoke_failed"
	EventRateLimitExceeded  AuditEvent = "rate_limit_exceeded"
	EventPendingSwept       AuditEvent = "pending_swept"
	EventDeliveryRolledBack AuditEvent = "delivery_rolled_back"
	EventAccessRegranted    AuditEvent = "access_regranted"
	EventConfirmConflict    AuditEvent = "confirm_conflict"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventMappingConfirmed: CategoryCompliance,
	EventMappingRemoved:   CategoryCompliance,
	EventMappingLookedUp:  CategoryCompliance,

	EventCodeRejected:      CategorySecurity,
	EventBeginDeflected:    CategorySecurity,
	EventRateLimitExceeded: CategorySecurity,
	EventConfirmConflict:   CategorySecurity,

	EventCodeIssued:         CategoryOperations,
	EventAccessGrantFailed:  CategoryOperations,
	EventAccessRevokeFailed: CategoryOperations,
	EventPendingSwept:       CategoryOperations,
	EventDeliveryRolledBack: CategoryOperations,
	EventAccessRegranted:    CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByChatID(ctx context.Context, chatID id.ChatID) ([]Event, error)
}
