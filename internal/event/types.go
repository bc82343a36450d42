package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the cached delivery status of an email. The event log is
// authoritative; Status is a projection that must always be derivable by
// replaying the log in order.
type Status string

const (
	StatusScheduled        Status = "SCHEDULED"
	StatusQueued           Status = "QUEUED"
	StatusSent             Status = "SENT"
	StatusDeliveryDelayed  Status = "DELIVERY_DELAYED"
	StatusDelivered        Status = "DELIVERED"
	StatusOpened           Status = "OPENED"
	StatusClicked          Status = "CLICKED"
	StatusBounced          Status = "BOUNCED"
	StatusRejected         Status = "REJECTED"
	StatusRenderingFailure Status = "RENDERING_FAILURE"
	StatusComplained       Status = "COMPLAINED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusSuppressed       Status = "SUPPRESSED"
)

// TerminalForDelivery reports whether no further status transition is
// possible. DELIVERED is deliberately non-terminal: opens, clicks and
// complaints may still arrive.
func (s Status) TerminalForDelivery() bool {
	switch s {
	case StatusBounced, StatusRejected, StatusRenderingFailure,
		StatusFailed, StatusCancelled, StatusSuppressed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value. The stores validate
// status columns through this on scan, so a hand-edited row fails loudly
// instead of flowing into the transition table.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusQueued, StatusSent, StatusDeliveryDelayed,
		StatusDelivered, StatusOpened, StatusClicked, StatusBounced,
		StatusRejected, StatusRenderingFailure, StatusComplained,
		StatusFailed, StatusCancelled, StatusSuppressed:
		return true
	}
	return false
}

// statusRank orders the non-terminal progression. A notification only moves
// the cached status forward; arriving below the current rank appends an
// event without touching the projection.
var statusRank = map[Status]int{
	StatusScheduled:       0,
	StatusQueued:          1,
	StatusSent:            2,
	StatusDeliveryDelayed: 3,
	StatusDelivered:       4,
	StatusOpened:          5,
	StatusClicked:         6,
	StatusComplained:      7,
}

// Type is a webhook event type, namespaced email.* / domain.* / contact.*.
// webhook.test is synthetic: produced only by manual verification sends and
// never appended to the event log.
type Type string

const (
	TypeEmailScheduled        Type = "email.scheduled"
	TypeEmailQueued           Type = "email.queued"
	TypeEmailSent             Type = "email.sent"
	TypeEmailDeliveryDelayed  Type = "email.delivery_delayed"
	TypeEmailDelivered        Type = "email.delivered"
	TypeEmailOpened           Type = "email.opened"
	TypeEmailClicked          Type = "email.clicked"
	TypeEmailBounced          Type = "email.bounced"
	TypeEmailRejected         Type = "email.rejected"
	TypeEmailRenderingFailure Type = "email.rendering_failure"
	TypeEmailComplained       Type = "email.complained"
	TypeEmailFailed           Type = "email.failed"
	TypeEmailCancelled        Type = "email.cancelled"
	TypeEmailSuppressed       Type = "email.suppressed"
	TypeDomainVerified        Type = "domain.verified"
	TypeContactCreated        Type = "contact.created"
	TypeContactUpdated        Type = "contact.updated"
	TypeContactDeleted        Type = "contact.deleted"
	TypeWebhookTest           Type = "webhook.test"
)

// AllTypes lists every event type a subscription may register for.
var AllTypes = []Type{
	TypeEmailScheduled, TypeEmailQueued, TypeEmailSent,
	TypeEmailDeliveryDelayed, TypeEmailDelivered, TypeEmailOpened,
	TypeEmailClicked, TypeEmailBounced, TypeEmailRejected,
	TypeEmailRenderingFailure, TypeEmailComplained, TypeEmailFailed,
	TypeEmailCancelled, TypeEmailSuppressed,
	TypeDomainVerified,
	TypeContactCreated, TypeContactUpdated, TypeContactDeleted,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	if t == TypeWebhookTest {
		return true
	}
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// BounceType classifies a bounce notification. Only permanent (hard)
// bounces count against domain reputation.
type BounceType string

const (
	BouncePermanent    BounceType = "Permanent"
	BounceTransient    BounceType = "Transient"
	BounceUndetermined BounceType = "Undetermined"
)

// Hard reports whether the bounce is permanent.
func (b BounceType) Hard() bool { return b == BouncePermanent }

// BounceDetail carries the provider's bounce classification.
type BounceDetail struct {
	Type           BounceType `json:"type"`
	SubType        string     `json:"subType,omitempty"`
	DiagnosticCode string     `json:"diagnosticCode,omitempty"`
}

// ComplaintDetail carries the provider's complaint (FBL) classification.
type ComplaintDetail struct {
	Type      string `json:"complaintType,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// OpenDetail carries open-tracking metadata.
type OpenDetail struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// ClickDetail carries click-tracking metadata.
type ClickDetail struct {
	URL       string `json:"url"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Email is the projection row the state machine mutates. Owned by the
// external relational store; never deleted while log entries reference it.
type Email struct {
	ID         uuid.UUID
	TeamID     int64
	DomainID   int64
	ContactID  *uuid.UUID
	CampaignID *uuid.UUID
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LogEntry is one immutable event-log record. Ordering key is
// (EmailID, OccurredAt, Seq); Seq breaks same-timestamp ties.
type LogEntry struct {
	ID         uuid.UUID
	EmailID    uuid.UUID
	TeamID     int64
	DomainID   int64
	Type       Type
	OccurredAt time.Time
	Seq        int64
	Detail     json.RawMessage
}
