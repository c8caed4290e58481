package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestCreateAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO phoenix_accounts")).
		WithArgs("alice", sql.NullString{}, []byte(nil), sql.NullString{},
			[]byte(nil), sql.NullString{}, int64(0), int64(0), int64(0),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acct, err := store.CreateAccount(context.Background(), account.Account{ID: "alice"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acct.CreatedAt.IsZero() {
		t.Fatal("created_at not stamped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM phoenix_accounts WHERE id = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetAccount(context.Background(), "ghost"); err == nil {
		t.Fatal("expected not-found error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAccountByAddressMatchesAuxWallet(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "public_address", "encrypted_secret", "aux_address",
		"aux_encrypted_secret", "referred_by", "referral_count",
		"accumulated_commission", "paid_volume", "created_at", "updated_at",
	}).AddRow("alice", "main-addr", []byte{1}, "aux-addr", []byte{2}, nil,
		int64(0), int64(0), int64(0), time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE public_address = $1 OR aux_address = $1")).
		WithArgs("aux-addr").
		WillReturnRows(rows)

	acct, err := store.GetAccountByAddress(context.Background(), "aux-addr")
	if err != nil {
		t.Fatalf("GetAccountByAddress: %v", err)
	}
	if acct.AuxAddress != "aux-addr" {
		t.Fatalf("aux address = %q", acct.AuxAddress)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateIntentNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE phoenix_intents SET")).
		WithArgs("missing", "completed", sql.NullString{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateIntent(context.Background(), transfer.Intent{
		ID:     "missing",
		Status: transfer.StatusCompleted,
	})
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimJobLost(t *testing.T) {
	store, mock := newMockStore(t)

	// The conditional update matches nothing, then the plain read shows the
	// job already firing.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE phoenix_jobs SET status = $2")).
		WithArgs("job-1", "firing", sqlmock.AnyArg(), "armed").
		WillReturnError(sql.ErrNoRows)

	rows := sqlmock.NewRows([]string{
		"id", "account_id", "source", "destination", "amount", "tier", "kind",
		"cadence", "fire_at", "next_run", "last_run", "status", "occurrence",
		"bump_phase", "created_at", "updated_at",
	}).AddRow("job-1", "alice", "src", "dst", int64(100), "scheduled",
		"recurring", "@every 1m", nil, time.Now(), nil, "firing", int64(1),
		0, time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("FROM phoenix_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, claimed, err := store.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed {
		t.Fatal("claim should have been lost")
	}
	if job.Status != schedule.StatusFiring {
		t.Fatalf("status = %s, want firing", job.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertJobConflictKeepsOccurrence(t *testing.T) {
	store, mock := newMockStore(t)

	// Re-arming an existing job returns the row the database kept, with the
	// occurrence count the conflict clause left untouched.
	existing := time.Now().UTC().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "account_id", "source", "destination", "amount", "tier", "kind",
		"cadence", "fire_at", "next_run", "last_run", "status", "occurrence",
		"bump_phase", "created_at", "updated_at",
	}).AddRow("job-1", "alice", "src", "dst", int64(250), "scheduled",
		"recurring", "@every 1m", nil, time.Now(), nil, "armed", int64(4),
		0, existing, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO phoenix_jobs")).
		WillReturnRows(rows)

	job, err := store.UpsertJob(context.Background(), schedule.Job{
		ID:        "job-1",
		AccountID: "alice",
		Amount:    250,
		Kind:      schedule.KindRecurring,
		Cadence:   "@every 1m",
		Status:    schedule.StatusArmed,
	})
	if err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if job.Occurrence != 4 {
		t.Fatalf("occurrence = %d, want the stored 4", job.Occurrence)
	}
	if job.Amount != 250 {
		t.Fatalf("amount = %d, want 250", job.Amount)
	}
	if !job.CreatedAt.Equal(existing) {
		t.Fatal("created_at should come from the existing row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetReceiptByRefMiss(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM phoenix_receipts WHERE ref = $1")).
		WithArgs("ref-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetReceiptByRef(context.Background(), "ref-1"); err == nil {
		t.Fatal("expected miss error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
