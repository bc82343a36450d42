package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-events/internal/event"
)

// Payload is the wire body POSTed to customer endpoints.
type Payload struct {
	ID        string     `json:"id"`
	Type      event.Type `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	Data      any        `json:"data"`
}

// emailEventData is the data schema shared by every email.* event. The
// variant member (bounce, complaint, click, open) matches the event type.
type emailEventData struct {
	EmailID    string                 `json:"emailId"`
	TeamID     int64                  `json:"teamId"`
	DomainID   int64                  `json:"domainId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Bounce     *event.BounceDetail    `json:"bounce,omitempty"`
	Complaint  *event.ComplaintDetail `json:"complaint,omitempty"`
	Open       *event.OpenDetail      `json:"open,omitempty"`
	Click      *event.ClickDetail     `json:"click,omitempty"`
}

// BuildPayload maps one event-log entry onto its wire payload. The switch
// is exhaustive over the event taxonomy; a type that reaches the default
// arm is a programming error surfaced at dispatch time, not silently
// delivered with an empty body.
func BuildPayload(deliveryID uuid.UUID, entry event.LogEntry) (Payload, error) {
	p := Payload{
		ID:        deliveryID.String(),
		Type:      entry.Type,
		CreatedAt: entry.OccurredAt.UTC(),
	}

	data := emailEventData{
		EmailID:    entry.EmailID.String(),
		TeamID:     entry.TeamID,
		DomainID:   entry.DomainID,
		OccurredAt: entry.OccurredAt.UTC(),
	}

	switch entry.Type {
	case event.TypeEmailBounced:
		var b event.BounceDetail
		if err := decodeDetail(entry.Detail, &b); err != nil {
			return p, err
		}
		data.Bounce = &b
	case event.TypeEmailComplained:
		var c event.ComplaintDetail
		if err := decodeDetail(entry.Detail, &c); err != nil {
			return p, err
		}
		data.Complaint = &c
	case event.TypeEmailOpened:
		var o event.OpenDetail
		if err := decodeDetail(entry.Detail, &o); err != nil {
			return p, err
		}
		data.Open = &o
	case event.TypeEmailClicked:
		var c event.ClickDetail
		if err := decodeDetail(entry.Detail, &c); err != nil {
			return p, err
		}
		data.Click = &c
	case event.TypeEmailScheduled, event.TypeEmailQueued, event.TypeEmailSent,
		event.TypeEmailDeliveryDelayed, event.TypeEmailDelivered,
		event.TypeEmailRejected, event.TypeEmailRenderingFailure,
		event.TypeEmailFailed, event.TypeEmailCancelled, event.TypeEmailSuppressed:
		// Lifecycle-only events carry no variant member.
	case event.TypeDomainVerified, event.TypeContactCreated,
		event.TypeContactUpdated, event.TypeContactDeleted:
		// Non-email events pass their stored detail through untouched.
		if len(entry.Detail) > 0 {
			p.Data = entry.Detail
			return p, nil
		}
		p.Data = map[string]any{}
		return p, nil
	default:
		return p, fmt.Errorf("no payload mapping for event type %q", entry.Type)
	}

	p.Data = data
	return p, nil
}

// TestPayload is the synthetic webhook.test body. The data member is shaped
// like a delivered email event so receivers exercise their real parsing
// path, not a special case.
func TestPayload(deliveryID uuid.UUID, now time.Time) Payload {
	return Payload{
		ID:        deliveryID.String(),
		Type:      event.TypeWebhookTest,
		CreatedAt: now.UTC(),
		Data: emailEventData{
			EmailID:    uuid.New().String(),
			OccurredAt: now.UTC(),
		},
	}
}

func decodeDetail(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event detail: %w", err)
	}
	return nil
}
