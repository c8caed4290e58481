package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

// openTestDB connects to the database named by TEST_POSTGRES_DSN. Tests are
// skipped when the variable is unset. The schema must already be migrated.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, table := range []string{
			"phoenix_commissions", "phoenix_followups", "phoenix_receipts",
			"phoenix_intents", "phoenix_jobs", "phoenix_accounts",
		} {
			db.Exec("DELETE FROM " + table)
		}
		db.Close()
	})
	return db
}

func TestIntegrationAccountLifecycle(t *testing.T) {
	store := New(openTestDB(t))
	ctx := context.Background()

	created, err := store.CreateAccount(ctx, account.Account{ID: "it-alice"})
	require.NoError(t, err)

	created.PublicAddress = "it-main"
	created.EncryptedSecret = []byte{1, 2, 3}
	created.AuxAddress = "it-aux"
	created.AuxEncryptedSecret = []byte{4, 5, 6}
	_, err = store.UpdateAccount(ctx, created)
	require.NoError(t, err)

	byAux, err := store.GetAccountByAddress(ctx, "it-aux")
	require.NoError(t, err)
	assert.Equal(t, "it-alice", byAux.ID)
}

func TestIntegrationJobClaim(t *testing.T) {
	store := New(openTestDB(t))
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, account.Account{ID: "it-bob"})
	require.NoError(t, err)

	job, err := store.UpsertJob(ctx, schedule.Job{
		ID:          schedule.DeterministicID("it-bob", "dest", "@every 1m"),
		AccountID:   "it-bob",
		Source:      "src",
		Destination: "dest",
		Amount:      100,
		Tier:        "scheduled",
		Kind:        schedule.KindRecurring,
		Cadence:     "@every 1m",
		NextRun:     time.Now().UTC().Add(-time.Minute),
		Status:      schedule.StatusArmed,
	})
	require.NoError(t, err)

	due, err := store.ListDueJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	_, claimed, err := store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim should lose")
}

func TestIntegrationReceiptRefDedup(t *testing.T) {
	store := New(openTestDB(t))
	ctx := context.Background()

	_, err := store.CreateAccount(ctx, account.Account{ID: "it-carol"})
	require.NoError(t, err)

	intent, err := store.CreateIntent(ctx, transfer.Intent{
		AccountID:   "it-carol",
		Source:      "src",
		Destination: "dst",
		Amount:      100,
		Tier:        "immediate",
		Status:      transfer.StatusPending,
	})
	require.NoError(t, err)

	rcpt, err := store.CreateReceipt(ctx, transfer.Receipt{
		IntentID: intent.ID,
		Ref:      "it-ref-1",
		Status:   transfer.ReceiptBuilt,
	})
	require.NoError(t, err)

	found, err := store.GetReceiptByRef(ctx, "it-ref-1")
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, found.ID)

	// The ref column is unique; a second receipt with the same ref fails.
	_, err = store.CreateReceipt(ctx, transfer.Receipt{
		IntentID: intent.ID,
		Ref:      "it-ref-1",
		Status:   transfer.ReceiptBuilt,
	})
	assert.Error(t, err, "expected unique violation for duplicate ref")
}
