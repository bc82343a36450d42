// Package schema applies the idempotent DDL for the event pipeline. Every
// statement is safe to re-run, so both binaries call Ensure at startup and
// whichever gets there first wins.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS emails (
		id UUID PRIMARY KEY,
		team_id BIGINT NOT NULL,
		domain_id BIGINT NOT NULL,
		contact_id UUID,
		campaign_id UUID,
		provider_message_id TEXT,
		status TEXT NOT NULL DEFAULT 'SCHEDULED',
		sent_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		opened_at TIMESTAMPTZ,
		clicked_at TIMESTAMPTZ,
		bounced_at TIMESTAMPTZ,
		complained_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS emails_provider_message_id_idx
		ON emails (provider_message_id) WHERE provider_message_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS email_events (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		email_id UUID NOT NULL REFERENCES emails(id),
		team_id BIGINT NOT NULL,
		domain_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		detail JSONB,
		dedup_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS email_events_dedup_key_idx
		ON email_events (dedup_key)`,
	`CREATE INDEX IF NOT EXISTS email_events_email_order_idx
		ON email_events (email_id, occurred_at, seq)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id UUID PRIMARY KEY,
		team_id BIGINT NOT NULL,
		url TEXT NOT NULL,
		secret BYTEA NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		event_types TEXT[] NOT NULL,
		domain_id BIGINT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_subscriptions_team_idx
		ON webhook_subscriptions (team_id)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id UUID PRIMARY KEY,
		subscription_id UUID NOT NULL REFERENCES webhook_subscriptions(id),
		event_id UUID NOT NULL REFERENCES email_events(id),
		team_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		in_flight BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS webhook_deliveries_pair_idx
		ON webhook_deliveries (subscription_id, event_id)`,
	`CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx
		ON webhook_deliveries (next_retry_at)
		WHERE status = 'pending' AND next_retry_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS webhook_call_attempts (
		id UUID PRIMARY KEY,
		delivery_id UUID NOT NULL REFERENCES webhook_deliveries(id),
		attempt_number INTEGER NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		http_status INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		terminal BOOLEAN NOT NULL DEFAULT FALSE,
		next_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_call_attempts_delivery_idx
		ON webhook_call_attempts (delivery_id, attempt_number)`,
}

// Ensure applies the schema. The first failing statement aborts; partial
// application is fine because every statement is idempotent.
func Ensure(ctx context.Context, db *sql.DB) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
