package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-events/internal/event"
)

func testEmail() event.Email {
	return event.Email{
		ID:       uuid.New(),
		TeamID:   42,
		DomainID: 7,
		Status:   event.StatusSent,
	}
}

func testNotification(kind event.Kind) event.Notification {
	return event.Notification{
		ProviderMessageID: "pm-123",
		Kind:              kind,
		OccurredAt:        time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEmailByProviderMessageID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT id, team_id, domain_id, contact_id, campaign_id, status, created_at, updated_at`).
		WithArgs("pm-123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "domain_id", "contact_id", "campaign_id", "status", "created_at", "updated_at",
		}).AddRow(id, 42, 7, nil, nil, "SENT", now, now))

	store := NewStore(db)
	email, err := store.EmailByProviderMessageID(context.Background(), "pm-123")
	require.NoError(t, err)
	assert.Equal(t, id, email.ID)
	assert.Equal(t, event.StatusSent, email.Status)
	assert.Nil(t, email.ContactID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailByProviderMessageID_RejectsUnknownStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, team_id, domain_id, contact_id, campaign_id, status, created_at, updated_at`).
		WithArgs("pm-123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "team_id", "domain_id", "contact_id", "campaign_id", "status", "created_at", "updated_at",
		}).AddRow(uuid.New(), 42, 7, nil, nil, "EXPLODED", now, now))

	store := NewStore(db)
	_, err = store.EmailByProviderMessageID(context.Background(), "pm-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXPLODED")
}

func TestEmailByProviderMessageID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, team_id`).
		WithArgs("pm-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewStore(db)
	_, err = store.EmailByProviderMessageID(context.Background(), "pm-missing")
	assert.ErrorIs(t, err, ErrEmailNotFound)
}

func expectStatusLock(mock sqlmock.Sqlmock, email event.Email, current event.Status) {
	mock.ExpectQuery(`SELECT status FROM emails WHERE id = \$1 FOR UPDATE`).
		WithArgs(email.ID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(current)))
}

func TestAppend_StatusChanged(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	email := testEmail()
	n := testNotification(event.KindDelivery)

	mock.ExpectBegin()
	expectStatusLock(mock, email, event.StatusSent)
	mock.ExpectQuery(`INSERT INTO email_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(101)))
	mock.ExpectExec(`UPDATE emails SET status = \$2, delivered_at = COALESCE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	entry, tr, appended, err := store.Append(context.Background(), email, n)
	require.NoError(t, err)
	assert.True(t, appended)
	assert.True(t, tr.StatusChanged)
	assert.Equal(t, event.StatusDelivered, tr.NewStatus)
	assert.Equal(t, int64(101), entry.Seq)
	assert.Equal(t, event.TypeEmailDelivered, entry.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DuplicateReturnsStoredEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	email := testEmail()
	n := testNotification(event.KindDelivery)
	storedID := uuid.New()

	mock.ExpectBegin()
	expectStatusLock(mock, email, event.StatusDelivered)
	// ON CONFLICT DO NOTHING returns no rows for the duplicate; the store
	// then resolves the entry the first accept committed.
	mock.ExpectQuery(`INSERT INTO email_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectQuery(`SELECT id, email_id, team_id, domain_id, event_type, occurred_at, seq, detail`).
		WithArgs(n.DedupKey()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email_id", "team_id", "domain_id", "event_type", "occurred_at", "seq", "detail",
		}).AddRow(storedID, email.ID, email.TeamID, email.DomainID, "email.delivered", n.OccurredAt, int64(101), nil))
	mock.ExpectRollback()

	store := NewStore(db)
	entry, tr, appended, err := store.Append(context.Background(), email, n)
	require.NoError(t, err)
	assert.False(t, appended)
	assert.Equal(t, storedID, entry.ID)
	assert.Equal(t, event.TypeEmailDelivered, entry.Type)
	assert.False(t, tr.StatusChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_EventWithoutStatusChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// An Open after a bounce appends but never reverts the status.
	email := testEmail()
	email.Status = event.StatusBounced
	n := testNotification(event.KindOpen)

	mock.ExpectBegin()
	expectStatusLock(mock, email, event.StatusBounced)
	mock.ExpectQuery(`INSERT INTO email_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE emails SET opened_at = COALESCE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	_, tr, appended, err := store.Append(context.Background(), email, n)
	require.NoError(t, err)
	assert.True(t, appended)
	assert.False(t, tr.StatusChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_RecomputesAgainstLockedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The caller read SENT, but a concurrent bounce committed first. The
	// transition is recomputed under the row lock, so the delivery appends
	// without reverting the terminal status.
	email := testEmail()
	require.Equal(t, event.StatusSent, email.Status)
	n := testNotification(event.KindDelivery)

	mock.ExpectBegin()
	expectStatusLock(mock, email, event.StatusBounced)
	mock.ExpectQuery(`INSERT INTO email_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(12)))
	mock.ExpectExec(`UPDATE emails SET delivered_at = COALESCE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	_, tr, appended, err := store.Append(context.Background(), email, n)
	require.NoError(t, err)
	assert.True(t, appended)
	assert.False(t, tr.StatusChanged)
	assert.Equal(t, event.StatusBounced, tr.NewStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emailID := uuid.New()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "email_id", "team_id", "domain_id", "event_type", "occurred_at", "seq", "detail"}).
		AddRow(uuid.New(), emailID, 1, 1, "email.sent", base, 1, nil).
		AddRow(uuid.New(), emailID, 1, 1, "email.delivered", base.Add(time.Minute), 2, nil).
		AddRow(uuid.New(), emailID, 1, 1, "email.opened", base.Add(2*time.Minute), 3, nil)

	mock.ExpectQuery(`SELECT id, email_id, team_id, domain_id, event_type, occurred_at, seq, detail`).
		WithArgs(emailID).
		WillReturnRows(rows)

	store := NewStore(db)
	status, err := store.ReplayStatus(context.Background(), emailID, event.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, event.StatusOpened, status)
	require.NoError(t, mock.ExpectationsWereMet())
}
