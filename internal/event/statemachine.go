package event

import "fmt"

// Transition is the outcome of applying one notification to a status.
type Transition struct {
	EventType     Type
	NewStatus     Status
	StatusChanged bool
}

// kindTable is the closed mapping from provider notification kind to the
// event type it appends and the status it proposes. Adding a kind is a
// single-point change here plus a constant.
var kindTable = map[Kind]struct {
	eventType Type
	status    Status
}{
	KindSend:             {TypeEmailSent, StatusSent},
	KindDelivery:         {TypeEmailDelivered, StatusDelivered},
	KindDeliveryDelay:    {TypeEmailDeliveryDelayed, StatusDeliveryDelayed},
	KindBounce:           {TypeEmailBounced, StatusBounced},
	KindComplaint:        {TypeEmailComplained, StatusComplained},
	KindOpen:             {TypeEmailOpened, StatusOpened},
	KindClick:            {TypeEmailClicked, StatusClicked},
	KindReject:           {TypeEmailRejected, StatusRejected},
	KindRenderingFailure: {TypeEmailRenderingFailure, StatusRenderingFailure},
	KindFailed:           {TypeEmailFailed, StatusFailed},
	KindCancelled:        {TypeEmailCancelled, StatusCancelled},
	KindSuppressed:       {TypeEmailSuppressed, StatusSuppressed},
}

// Apply is the pure, total transition function. Every accepted notification
// yields exactly one event type; the cached status only moves forward:
//
//   - once a terminal-for-delivery status is reached (bounce, reject,
//     rendering failure, failed, cancelled, suppressed) later notifications
//     still append events but never change the status;
//   - a terminal notification wins from any non-terminal status, so
//     DELIVERY_DELAYED never blocks a later BOUNCED;
//   - non-terminal notifications advance the status only when they rank
//     above it, so a late Open after Click (or after Delivery has already
//     been superseded) appends without reverting;
//   - a Complaint after DELIVERED/OPENED/CLICKED moves the status to
//     COMPLAINED. Delivered-then-complained is therefore two log entries
//     and one forward status change.
//
// Unknown kinds are rejected with ErrUnknownNotification.
func Apply(current Status, n Notification) (Transition, error) {
	row, ok := kindTable[n.Kind]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownNotification, n.Kind)
	}

	next := current
	switch {
	case current.TerminalForDelivery():
		// Append-only territory.
	case row.status.TerminalForDelivery():
		next = row.status
	case statusRank[row.status] > statusRank[current]:
		next = row.status
	}

	return Transition{
		EventType:     row.eventType,
		NewStatus:     next,
		StatusChanged: next != current,
	}, nil
}

// ApplyType advances a status using an already-recorded event type. This is
// the replay-side twin of Apply: folding a stored log forward through
// ApplyType reproduces the cached projection.
func ApplyType(current Status, t Type) Status {
	for _, row := range kindTable {
		if row.eventType != t {
			continue
		}
		switch {
		case current.TerminalForDelivery():
			return current
		case row.status.TerminalForDelivery():
			return row.status
		case statusRank[row.status] > statusRank[current]:
			return row.status
		}
		return current
	}
	return current
}

// Replay folds a sequence of notifications (already in timestamp order)
// over an initial status. Used by tests and the status-repair path to prove
// the projection matches the log.
func Replay(initial Status, ns []Notification) (Status, error) {
	cur := initial
	for _, n := range ns {
		tr, err := Apply(cur, n)
		if err != nil {
			return cur, err
		}
		cur = tr.NewStatus
	}
	return cur, nil
}
