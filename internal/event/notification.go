package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the provider's vocabulary for delivery-lifecycle notifications.
type Kind string

const (
	KindSend             Kind = "Send"
	KindDelivery         Kind = "Delivery"
	KindDeliveryDelay    Kind = "DeliveryDelay"
	KindBounce           Kind = "Bounce"
	KindComplaint        Kind = "Complaint"
	KindOpen             Kind = "Open"
	KindClick            Kind = "Click"
	KindReject           Kind = "Reject"
	KindRenderingFailure Kind = "RenderingFailure"
	KindFailed           Kind = "Failed"
	KindCancelled        Kind = "Cancelled"
	KindSuppressed       Kind = "Suppressed"
)

// ErrUnknownNotification is returned for notification kinds outside the
// transition table. Unknown kinds are a validation error, never a silent
// drop.
var ErrUnknownNotification = errors.New("unknown notification kind")

// ErrMalformedNotification is returned when a notification fails structural
// validation before it reaches the transition table.
var ErrMalformedNotification = errors.New("malformed notification")

// Notification is an asynchronous provider message describing one
// delivery-lifecycle fact for one message.
type Notification struct {
	// ProviderMessageID identifies the email at the provider; the ingest
	// path resolves it to our email row. Doubles as the dedup key when
	// NotificationID is absent.
	ProviderMessageID string          `json:"providerMessageId"`
	NotificationID    string          `json:"notificationId,omitempty"`
	Kind              Kind            `json:"notificationType"`
	OccurredAt        time.Time       `json:"occurredAt"`
	Detail            json.RawMessage `json:"detail,omitempty"`
}

// Validate checks structural requirements before the transition table is
// consulted. Detail payloads are validated per kind so a malformed bounce
// never reaches the log.
func (n Notification) Validate() error {
	if n.ProviderMessageID == "" {
		return fmt.Errorf("%w: providerMessageId is required", ErrMalformedNotification)
	}
	if n.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt is required", ErrMalformedNotification)
	}
	if _, ok := kindTable[n.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNotification, n.Kind)
	}
	switch n.Kind {
	case KindBounce:
		b, err := n.Bounce()
		if err != nil {
			return err
		}
		switch b.Type {
		case BouncePermanent, BounceTransient, BounceUndetermined:
		default:
			return fmt.Errorf("%w: bounce type %q", ErrMalformedNotification, b.Type)
		}
	case KindClick:
		c, err := n.Click()
		if err != nil {
			return err
		}
		if c.URL == "" {
			return fmt.Errorf("%w: click without url", ErrMalformedNotification)
		}
	}
	return nil
}

// Bounce decodes the bounce detail payload.
func (n Notification) Bounce() (BounceDetail, error) {
	var b BounceDetail
	if len(n.Detail) == 0 {
		return b, fmt.Errorf("%w: bounce without detail", ErrMalformedNotification)
	}
	if err := json.Unmarshal(n.Detail, &b); err != nil {
		return b, fmt.Errorf("%w: bounce detail: %v", ErrMalformedNotification, err)
	}
	return b, nil
}

// Complaint decodes the complaint detail payload. Missing detail is
// tolerated; some FBL sources send none.
func (n Notification) Complaint() (ComplaintDetail, error) {
	var c ComplaintDetail
	if len(n.Detail) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(n.Detail, &c); err != nil {
		return c, fmt.Errorf("%w: complaint detail: %v", ErrMalformedNotification, err)
	}
	return c, nil
}

// Click decodes the click detail payload.
func (n Notification) Click() (ClickDetail, error) {
	var c ClickDetail
	if len(n.Detail) == 0 {
		return c, fmt.Errorf("%w: click without detail", ErrMalformedNotification)
	}
	if err := json.Unmarshal(n.Detail, &c); err != nil {
		return c, fmt.Errorf("%w: click detail: %v", ErrMalformedNotification, err)
	}
	return c, nil
}

// DedupKey returns the idempotency key for this notification: the
// provider-supplied notification id when present, else the
// (providerMessageId, kind, occurredAt) triple.
func (n Notification) DedupKey() string {
	if n.NotificationID != "" {
		return "nid:" + n.NotificationID
	}
	return fmt.Sprintf("trip:%s:%s:%d", n.ProviderMessageID, n.Kind, n.OccurredAt.UTC().UnixMilli())
}
