// Package api is the HTTP boundary: provider notification ingest, webhook
// subscription management, and domain reputation reads.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/dispatch"
	"github.com/ignite/email-events/internal/event"
	"github.com/ignite/email-events/internal/eventlog"
	"github.com/ignite/email-events/internal/pkg/httputil"
	"github.com/ignite/email-events/internal/registry"
	"github.com/ignite/email-events/internal/reputation"
)

// EventLog is the ingest path's persistence surface.
type EventLog interface {
	EmailByProviderMessageID(ctx context.Context, providerMessageID string) (event.Email, error)
	Append(ctx context.Context, email event.Email, n event.Notification) (event.LogEntry, event.Transition, bool, error)
	RepairStatus(ctx context.Context, emailID uuid.UUID, initial event.Status) (event.Status, error)
}

// Registry is the subscription CRUD surface.
type Registry interface {
	Create(ctx context.Context, sub *registry.Subscription) error
	Get(ctx context.Context, id uuid.UUID) (registry.Subscription, error)
	ListByTeam(ctx context.Context, teamID int64) ([]registry.Subscription, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Reputation aggregates and reads domain counters.
type Reputation interface {
	Record(ctx context.Context, entry event.LogEntry) (bool, error)
	Snapshot(ctx context.Context, domainID int64) (reputation.Window, error)
}

// Deliverer fans accepted events out and runs synchronous test sends.
type Deliverer interface {
	FanOut(ctx context.Context, entry event.LogEntry) (int, error)
	SendTest(ctx context.Context, sub registry.Subscription) dispatch.TestResult
}

// Handlers carries the pipeline collaborators behind each endpoint.
type Handlers struct {
	events EventLog
	subs   Registry
	rep    Reputation
	disp   Deliverer
	repCfg config.ReputationConfig
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(events EventLog, subs Registry, rep Reputation, disp Deliverer, repCfg config.ReputationConfig) *Handlers {
	return &Handlers{events: events, subs: subs, rep: rep, disp: disp, repCfg: repCfg}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status":  "healthy",
		"service": "email-events",
	})
}

// ingestResponse is the body for accepted (or deduplicated) notifications.
type ingestResponse struct {
	EmailID       string       `json:"emailId,omitempty"`
	EventType     event.Type   `json:"eventType,omitempty"`
	Status        event.Status `json:"status,omitempty"`
	StatusChanged bool         `json:"statusChanged"`
	Duplicate     bool         `json:"duplicate"`
	Deliveries    int          `json:"deliveries"`
}

// IngestNotification runs the full inbound pipeline for one provider
// notification: validate, resolve the email, append with dedup (the store
// computes the transition under the email row lock), then feed reputation
// and fan-out. A duplicate appends nothing but still re-runs reputation
// and fan-out with the stored entry; both are idempotent, so a provider
// retry after a failed fan-out converges instead of stranding the event
// without its deliveries.
func (h *Handlers) IngestNotification(w http.ResponseWriter, r *http.Request) {
	var n event.Notification
	if !httputil.Decode(w, r, &n) {
		return
	}

	if err := n.Validate(); err != nil {
		code := "malformed_notification"
		if errors.Is(err, event.ErrUnknownNotification) {
			code = "unknown_notification_kind"
		}
		httputil.JSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: err.Error(),
			Code:  code,
		})
		return
	}

	email, err := h.events.EmailByProviderMessageID(r.Context(), n.ProviderMessageID)
	if err != nil {
		if errors.Is(err, eventlog.ErrEmailNotFound) {
			httputil.NotFound(w, "no email for provider message id")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	entry, tr, appended, err := h.events.Append(r.Context(), email, n)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	// Counter failures must not reject an already-logged notification.
	if _, err := h.rep.Record(r.Context(), entry); err != nil {
		log.Printf("[API] Reputation record for domain %d: %v", entry.DomainID, err)
	}

	deliveries, err := h.disp.FanOut(r.Context(), entry)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, ingestResponse{
		EmailID:       email.ID.String(),
		EventType:     entry.Type,
		Status:        tr.NewStatus,
		StatusChanged: appended && tr.StatusChanged,
		Duplicate:     !appended,
		Deliveries:    deliveries,
	})
}

// subscriptionResponse is a subscription with the secret withheld.
type subscriptionResponse struct {
	ID                  string       `json:"id"`
	TeamID              int64        `json:"teamId"`
	URL                 string       `json:"url"`
	Enabled             bool         `json:"enabled"`
	EventTypes          []event.Type `json:"eventTypes"`
	DomainID            *int64       `json:"domainId,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

func toResponse(s registry.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                  s.ID.String(),
		TeamID:              s.TeamID,
		URL:                 s.URL,
		Enabled:             s.Enabled,
		EventTypes:          s.EventTypes,
		DomainID:            s.DomainID,
		ConsecutiveFailures: s.ConsecutiveFailures,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

type createWebhookRequest struct {
	TeamID     int64    `json:"teamId"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes"`
	DomainID   *int64   `json:"domainId,omitempty"`
}

// CreateWebhook registers a subscription. The secret is accepted on create
// and never echoed back.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		httputil.BadRequest(w, "url is required")
		return
	}
	if req.Secret == "" {
		httputil.BadRequest(w, "secret is required")
		return
	}

	types := make([]event.Type, len(req.EventTypes))
	for i, t := range req.EventTypes {
		types[i] = event.Type(t)
	}

	sub := registry.Subscription{
		TeamID:     req.TeamID,
		URL:        req.URL,
		Secret:     []byte(req.Secret),
		Enabled:    true,
		EventTypes: types,
		DomainID:   req.DomainID,
	}
	if err := h.subs.Create(r.Context(), &sub); err != nil {
		if errors.Is(err, registry.ErrNoEventTypes) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, toResponse(sub))
}

// ListWebhooks lists a team's subscriptions.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	teamID, err := strconv.ParseInt(r.URL.Query().Get("team"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "team query parameter is required")
		return
	}

	subs, err := h.subs.ListByTeam(r.Context(), teamID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	out := make([]subscriptionResponse, len(subs))
	for i, s := range subs {
		out[i] = toResponse(s)
	}
	httputil.OK(w, out)
}

// GetWebhook fetches one subscription.
func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriptionFromPath(w, r)
	if !ok {
		return
	}
	httputil.OK(w, toResponse(sub))
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetWebhookEnabled enables or disables a subscription. Enabling clears the
// consecutive-failure counter.
func (h *Handlers) SetWebhookEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	var req setEnabledRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if err := h.subs.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.NotFound(w, "subscription not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"enabled": req.Enabled})
}

// DeleteWebhook removes a subscription. Pending deliveries for it are
// cancelled at pop time.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	if err := h.subs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.NotFound(w, "subscription not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

// TestWebhook fires a synchronous webhook.test at the endpoint and returns
// the outcome. One attempt, no retry, nothing persisted.
func (h *Handlers) TestWebhook(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscriptionFromPath(w, r)
	if !ok {
		return
	}
	httputil.OK(w, h.disp.SendTest(r.Context(), sub))
}

// reputationResponse wraps the window read with the window length so
// callers know what period the counters cover.
type reputationResponse struct {
	reputation.Window
	WindowDays int `json:"windowDays"`
}

// GetDomainReputation reads the rolling counters for one domain and
// classifies them.
func (h *Handlers) GetDomainReputation(w http.ResponseWriter, r *http.Request) {
	domainID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid domain id")
		return
	}

	win, err := h.rep.Snapshot(r.Context(), domainID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, reputationResponse{Window: win, WindowDays: h.repCfg.WindowDays})
}

// RepairEmailStatus recomputes one email's status from its log and writes
// the result back over the cached projection.
func (h *Handlers) RepairEmailStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}
	status, err := h.events.RepairStatus(r.Context(), id, event.StatusScheduled)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"emailId": id.String(), "status": status})
}

func (h *Handlers) subscriptionFromPath(w http.ResponseWriter, r *http.Request) (registry.Subscription, bool) {
	id, ok := idFromPath(w, r)
	if !ok {
		return registry.Subscription{}, false
	}
	sub, err := h.subs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.NotFound(w, "subscription not found")
			return registry.Subscription{}, false
		}
		httputil.InternalError(w, err)
		return registry.Subscription{}, false
	}
	return sub, true
}

func idFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
