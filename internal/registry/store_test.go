package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-events/internal/event"
)

func subRows(subs ...Subscription) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "team_id", "url", "secret", "enabled", "event_types", "domain_id",
		"consecutive_failures", "created_at", "updated_at",
	})
	for _, s := range subs {
		types := make([]string, len(s.EventTypes))
		for i, t := range s.EventTypes {
			types[i] = string(t)
		}
		var domainID any
		if s.DomainID != nil {
			domainID = *s.DomainID
		}
		rows.AddRow(s.ID, s.TeamID, s.URL, s.Secret, s.Enabled,
			pq.StringArray(types), domainID, s.ConsecutiveFailures,
			time.Now(), time.Now())
	}
	return rows
}

func TestCreate_RejectsEmptyEventTypes(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	err = store.Create(context.Background(), &Subscription{TeamID: 1, URL: "https://x.test"})
	assert.ErrorIs(t, err, ErrNoEventTypes)
}

func TestCreate_RejectsUnknownEventType(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	err = store.Create(context.Background(), &Subscription{
		TeamID:     1,
		URL:        "https://x.test",
		EventTypes: []event.Type{"email.teleported"},
	})
	assert.Error(t, err)
}

func TestCreate_InsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO webhook_subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	sub := &Subscription{
		TeamID:     1,
		URL:        "https://hooks.example.com/in",
		Secret:     []byte("whsec_abc"),
		Enabled:    true,
		EventTypes: []event.Type{event.TypeEmailDelivered, event.TypeEmailBounced},
	}
	require.NoError(t, store.Create(context.Background(), sub))
	assert.NotEqual(t, uuid.Nil, sub.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveSubscriptionsFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sub := Subscription{
		ID:         uuid.New(),
		TeamID:     1,
		URL:        "https://hooks.example.com/in",
		Secret:     []byte("whsec_abc"),
		Enabled:    true,
		EventTypes: []event.Type{event.TypeEmailDelivered},
	}
	mock.ExpectQuery(`SELECT (.|\n)+FROM webhook_subscriptions(.|\n)+ANY\(event_types\)`).
		WithArgs(int64(1), "email.delivered", nil).
		WillReturnRows(subRows(sub))

	store := NewStore(db)
	subs, err := store.ActiveSubscriptionsFor(context.Background(), 1, event.TypeEmailDelivered, nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)
	assert.True(t, subs[0].Subscribed(event.TypeEmailDelivered))
	assert.False(t, subs[0].Subscribed(event.TypeEmailOpened))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEnabled_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE webhook_subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	err = store.SetEnabled(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestRecordDeliveryOutcome_SuccessResetsCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`SET consecutive_failures = 0`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	disabled, err := store.RecordDeliveryOutcome(context.Background(), uuid.New(), true, 3)
	require.NoError(t, err)
	assert.False(t, disabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryOutcome_AutoDisable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Third consecutive terminal failure trips the breaker.
	mock.ExpectQuery(`consecutive_failures \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "enabled"}).AddRow(3, false))

	store := NewStore(db)
	disabled, err := store.RecordDeliveryOutcome(context.Background(), uuid.New(), false, 3)
	require.NoError(t, err)
	assert.True(t, disabled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryOutcome_FailureBelowThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`consecutive_failures \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "enabled"}).AddRow(1, true))

	store := NewStore(db)
	disabled, err := store.RecordDeliveryOutcome(context.Background(), uuid.New(), false, 3)
	require.NoError(t, err)
	assert.False(t, disabled)
}
