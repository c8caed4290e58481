// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/referral"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage"
)

// Store is the PostgreSQL-backed implementation of the storage interfaces.
type Store struct {
	db *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.FollowupStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.CommissionStore = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// Accounts ---------------------------------------------------------------------

type accountRow struct {
	ID                    string         `db:"id"`
	PublicAddress         sql.NullString `db:"public_address"`
	EncryptedSecret       []byte         `db:"encrypted_secret"`
	AuxAddress            sql.NullString `db:"aux_address"`
	AuxEncryptedSecret    []byte         `db:"aux_encrypted_secret"`
	ReferredBy            sql.NullString `db:"referred_by"`
	ReferralCount         int64          `db:"referral_count"`
	AccumulatedCommission int64          `db:"accumulated_commission"`
	PaidVolume            int64          `db:"paid_volume"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

func (r accountRow) toDomain() account.Account {
	return account.Account{
		ID:                    r.ID,
		PublicAddress:         r.PublicAddress.String,
		EncryptedSecret:       r.EncryptedSecret,
		AuxAddress:            r.AuxAddress.String,
		AuxEncryptedSecret:    r.AuxEncryptedSecret,
		ReferredBy:            r.ReferredBy.String,
		ReferralCount:         r.ReferralCount,
		AccumulatedCommission: r.AccumulatedCommission,
		PaidVolume:            r.PaidVolume,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const accountColumns = `id, public_address, encrypted_secret, aux_address,
	aux_encrypted_secret, referred_by, referral_count, accumulated_commission,
	paid_volume, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phoenix_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		acct.ID, toNullString(acct.PublicAddress), acct.EncryptedSecret,
		toNullString(acct.AuxAddress), acct.AuxEncryptedSecret,
		toNullString(acct.ReferredBy), acct.ReferralCount,
		acct.AccumulatedCommission, acct.PaidVolume,
		acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phoenix_accounts SET
			public_address = $2, encrypted_secret = $3, aux_address = $4,
			aux_encrypted_secret = $5, referred_by = $6, referral_count = $7,
			accumulated_commission = $8, paid_volume = $9, updated_at = $10
		WHERE id = $1`,
		acct.ID, toNullString(acct.PublicAddress), acct.EncryptedSecret,
		toNullString(acct.AuxAddress), acct.AuxEncryptedSecret,
		toNullString(acct.ReferredBy), acct.ReferralCount,
		acct.AccumulatedCommission, acct.PaidVolume, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, fmt.Errorf("account %s not found", acct.ID)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+accountColumns+` FROM phoenix_accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("account %s not found", id)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("query account: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccountByAddress(ctx context.Context, address string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+` FROM phoenix_accounts
		WHERE public_address = $1 OR aux_address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("no account for address %s", address)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("query account by address: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+accountColumns+` FROM phoenix_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]account.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListReferrals(ctx context.Context, referrerID string) ([]account.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+` FROM phoenix_accounts
		WHERE referred_by = $1 ORDER BY created_at`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	out := make([]account.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Intents ----------------------------------------------------------------------

type intentRow struct {
	ID           string         `db:"id"`
	AccountID    string         `db:"account_id"`
	Source       string         `db:"source"`
	Destination  string         `db:"destination"`
	Amount       int64          `db:"amount"`
	Tier         string         `db:"tier"`
	ScheduledFor sql.NullTime   `db:"scheduled_for"`
	JobID        sql.NullString `db:"job_id"`
	Status       string         `db:"status"`
	Error        sql.NullString `db:"error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r intentRow) toDomain() transfer.Intent {
	intent := transfer.Intent{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Source:      r.Source,
		Destination: r.Destination,
		Amount:      r.Amount,
		Tier:        r.Tier,
		JobID:       r.JobID.String,
		Status:      transfer.IntentStatus(r.Status),
		Error:       r.Error.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ScheduledFor.Valid {
		t := r.ScheduledFor.Time
		intent.ScheduledFor = &t
	}
	return intent
}

const intentColumns = `id, account_id, source, destination, amount, tier,
	scheduled_for, job_id, status, error, created_at, updated_at`

func (s *Store) CreateIntent(ctx context.Context, intent transfer.Intent) (transfer.Intent, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now

	var scheduledFor sql.NullTime
	if intent.ScheduledFor != nil {
		scheduledFor = sql.NullTime{Time: *intent.ScheduledFor, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phoenix_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		intent.ID, intent.AccountID, intent.Source, intent.Destination,
		intent.Amount, intent.Tier, scheduledFor, toNullString(intent.JobID),
		string(intent.Status), toNullString(intent.Error),
		intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return transfer.Intent{}, fmt.Errorf("insert intent: %w", err)
	}
	return intent, nil
}

func (s *Store) UpdateIntent(ctx context.Context, intent transfer.Intent) (transfer.Intent, error) {
	intent.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phoenix_intents SET status = $2, error = $3, updated_at = $4
		WHERE id = $1`,
		intent.ID, string(intent.Status), toNullString(intent.Error), intent.UpdatedAt)
	if err != nil {
		return transfer.Intent{}, fmt.Errorf("update intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transfer.Intent{}, fmt.Errorf("intent %s not found", intent.ID)
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (transfer.Intent, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+intentColumns+` FROM phoenix_intents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Intent{}, fmt.Errorf("intent %s not found", id)
	}
	if err != nil {
		return transfer.Intent{}, fmt.Errorf("query intent: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListIntents(ctx context.Context, accountID string) ([]transfer.Intent, error) {
	var rows []intentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+intentColumns+` FROM phoenix_intents
		WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	out := make([]transfer.Intent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Receipts ---------------------------------------------------------------------

type receiptRow struct {
	ID          string         `db:"id"`
	IntentID    string         `db:"intent_id"`
	Ref         string         `db:"ref"`
	TxID        sql.NullString `db:"tx_id"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	ConfirmedAt sql.NullTime   `db:"confirmed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r receiptRow) toDomain() transfer.Receipt {
	return transfer.Receipt{
		ID:          r.ID,
		IntentID:    r.IntentID,
		Ref:         r.Ref,
		TxID:        r.TxID.String,
		Status:      transfer.ReceiptStatus(r.Status),
		Error:       r.Error.String,
		SubmittedAt: fromNullTime(r.SubmittedAt),
		ConfirmedAt: fromNullTime(r.ConfirmedAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const receiptColumns = `id, intent_id, ref, tx_id, status, error,
	submitted_at, confirmed_at, created_at, updated_at`

func (s *Store) CreateReceipt(ctx context.Context, rcpt transfer.Receipt) (transfer.Receipt, error) {
	if rcpt.ID == "" {
		rcpt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rcpt.CreatedAt = now
	rcpt.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phoenix_receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rcpt.ID, rcpt.IntentID, rcpt.Ref, toNullString(rcpt.TxID),
		string(rcpt.Status), toNullString(rcpt.Error),
		toNullTime(rcpt.SubmittedAt), toNullTime(rcpt.ConfirmedAt),
		rcpt.CreatedAt, rcpt.UpdatedAt)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	return rcpt, nil
}

func (s *Store) UpdateReceipt(ctx context.Context, rcpt transfer.Receipt) (transfer.Receipt, error) {
	rcpt.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phoenix_receipts SET
			tx_id = $2, status = $3, error = $4, submitted_at = $5,
			confirmed_at = $6, updated_at = $7
		WHERE id = $1`,
		rcpt.ID, toNullString(rcpt.TxID), string(rcpt.Status),
		toNullString(rcpt.Error), toNullTime(rcpt.SubmittedAt),
		toNullTime(rcpt.ConfirmedAt), rcpt.UpdatedAt)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("update receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transfer.Receipt{}, fmt.Errorf("receipt %s not found", rcpt.ID)
	}
	return rcpt, nil
}

func (s *Store) GetReceipt(ctx context.Context, id string) (transfer.Receipt, error) {
	var row receiptRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+receiptColumns+` FROM phoenix_receipts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Receipt{}, fmt.Errorf("receipt %s not found", id)
	}
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("query receipt: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetReceiptByRef(ctx context.Context, ref string) (transfer.Receipt, error) {
	var row receiptRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+receiptColumns+` FROM phoenix_receipts WHERE ref = $1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Receipt{}, fmt.Errorf("no receipt for ref %s", ref)
	}
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("query receipt by ref: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListReceipts(ctx context.Context, intentID string) ([]transfer.Receipt, error) {
	var rows []receiptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+receiptColumns+` FROM phoenix_receipts
		WHERE intent_id = $1 ORDER BY created_at`, intentID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	out := make([]transfer.Receipt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Followups --------------------------------------------------------------------

type followupRow struct {
	ID          string         `db:"id"`
	IntentID    string         `db:"intent_id"`
	Ref         string         `db:"ref"`
	Kind        string         `db:"kind"`
	Source      string         `db:"source"`
	Destination string         `db:"destination"`
	Amount      int64          `db:"amount"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r followupRow) toDomain() transfer.Followup {
	return transfer.Followup{
		ID:       r.ID,
		IntentID: r.IntentID,
		Ref:      r.Ref,
		Op: transfer.Operation{
			Kind:        transfer.OpKind(r.Kind),
			Source:      r.Source,
			Destination: r.Destination,
			Amount:      r.Amount,
		},
		Status:    transfer.FollowupStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const followupColumns = `id, intent_id, ref, kind, source, destination,
	amount, status, attempts, last_error, created_at, updated_at`

func (s *Store) CreateFollowup(ctx context.Context, f transfer.Followup) (transfer.Followup, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phoenix_followups (`+followupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.IntentID, f.Ref, string(f.Op.Kind), f.Op.Source,
		f.Op.Destination, f.Op.Amount, string(f.Status), f.Attempts,
		toNullString(f.LastError), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return transfer.Followup{}, fmt.Errorf("insert followup: %w", err)
	}
	return f, nil
}

func (s *Store) UpdateFollowup(ctx context.Context, f transfer.Followup) (transfer.Followup, error) {
	f.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phoenix_followups SET
			status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1`,
		f.ID, string(f.Status), f.Attempts, toNullString(f.LastError), f.UpdatedAt)
	if err != nil {
		return transfer.Followup{}, fmt.Errorf("update followup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return transfer.Followup{}, fmt.Errorf("followup %s not found", f.ID)
	}
	return f, nil
}

func (s *Store) ListPendingFollowups(ctx context.Context) ([]transfer.Followup, error) {
	var rows []followupRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+followupColumns+` FROM phoenix_followups
		WHERE status = $1 ORDER BY created_at`, string(transfer.FollowupPending))
	if err != nil {
		return nil, fmt.Errorf("list pending followups: %w", err)
	}
	out := make([]transfer.Followup, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Jobs -------------------------------------------------------------------------

type jobRow struct {
	ID          string         `db:"id"`
	AccountID   string         `db:"account_id"`
	Source      string         `db:"source"`
	Destination string         `db:"destination"`
	Amount      int64          `db:"amount"`
	Tier        string         `db:"tier"`
	Kind        string         `db:"kind"`
	Cadence     sql.NullString `db:"cadence"`
	FireAt      sql.NullTime   `db:"fire_at"`
	NextRun     sql.NullTime   `db:"next_run"`
	LastRun     sql.NullTime   `db:"last_run"`
	Status      string         `db:"status"`
	Occurrence  int64          `db:"occurrence"`
	BumpPhase   int            `db:"bump_phase"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r jobRow) toDomain() schedule.Job {
	return schedule.Job{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Source:      r.Source,
		Destination: r.Destination,
		Amount:      r.Amount,
		Tier:        r.Tier,
		Kind:        schedule.Kind(r.Kind),
		Cadence:     r.Cadence.String,
		FireAt:      fromNullTime(r.FireAt),
		NextRun:     fromNullTime(r.NextRun),
		LastRun:     fromNullTime(r.LastRun),
		Status:      schedule.Status(r.Status),
		Occurrence:  r.Occurrence,
		BumpPhase:   r.BumpPhase,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const jobColumns = `id, account_id, source, destination, amount, tier, kind,
	cadence, fire_at, next_run, last_run, status, occurrence, bump_phase,
	created_at, updated_at`

func (s *Store) UpsertJob(ctx context.Context, job schedule.Job) (schedule.Job, error) {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	// On conflict the existing row keeps its occurrence count and creation
	// time; everything else re-arms from the new job.
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO phoenix_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source, destination = EXCLUDED.destination,
			amount = EXCLUDED.amount, tier = EXCLUDED.tier,
			kind = EXCLUDED.kind, cadence = EXCLUDED.cadence,
			fire_at = EXCLUDED.fire_at, next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run, status = EXCLUDED.status,
			bump_phase = EXCLUDED.bump_phase, updated_at = EXCLUDED.updated_at
		RETURNING `+jobColumns,
		job.ID, job.AccountID, job.Source, job.Destination, job.Amount,
		job.Tier, string(job.Kind), toNullString(job.Cadence),
		toNullTime(job.FireAt), toNullTime(job.NextRun), toNullTime(job.LastRun),
		string(job.Status), job.Occurrence, job.BumpPhase,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return schedule.Job{}, fmt.Errorf("upsert job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateJob(ctx context.Context, job schedule.Job) (schedule.Job, error) {
	job.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phoenix_jobs SET
			next_run = $2, last_run = $3, status = $4, occurrence = $5,
			bump_phase = $6, amount = $7, updated_at = $8
		WHERE id = $1`,
		job.ID, toNullTime(job.NextRun), toNullTime(job.LastRun),
		string(job.Status), job.Occurrence, job.BumpPhase, job.Amount,
		job.UpdatedAt)
	if err != nil {
		return schedule.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schedule.Job{}, fmt.Errorf("job %s not found", job.ID)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (schedule.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM phoenix_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Job{}, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return schedule.Job{}, fmt.Errorf("query job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListJobs(ctx context.Context, accountID string) ([]schedule.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM phoenix_jobs
		WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]schedule.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]schedule.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM phoenix_jobs
		WHERE status = $1 AND next_run IS NOT NULL AND next_run <= $2
		ORDER BY next_run`, string(schedule.StatusArmed), now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	out := make([]schedule.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListArmedJobs(ctx context.Context) ([]schedule.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM phoenix_jobs
		WHERE status = $1 ORDER BY next_run`, string(schedule.StatusArmed))
	if err != nil {
		return nil, fmt.Errorf("list armed jobs: %w", err)
	}
	out := make([]schedule.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ClaimJob flips an armed job to firing in one statement, so only one
// instance wins when several poll the same table.
func (s *Store) ClaimJob(ctx context.Context, id string) (schedule.Job, bool, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE phoenix_jobs SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, string(schedule.StatusFiring), time.Now().UTC(),
		string(schedule.StatusArmed))
	if errors.Is(err, sql.ErrNoRows) {
		job, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return schedule.Job{}, false, gerr
		}
		return job, false, nil
	}
	if err != nil {
		return schedule.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return row.toDomain(), true, nil
}

// Commissions ------------------------------------------------------------------

type commissionRow struct {
	ID           string    `db:"id"`
	PayerAccount string    `db:"payer_account"`
	Referrer     string    `db:"referrer"`
	Amount       int64     `db:"amount"`
	IntentID     string    `db:"intent_id"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *Store) AppendCommission(ctx context.Context, evt referral.CommissionEvent) (referral.CommissionEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phoenix_commissions (id, payer_account, referrer, amount, intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.PayerAccount, evt.Referrer, evt.Amount, evt.IntentID, evt.CreatedAt)
	if err != nil {
		return referral.CommissionEvent{}, fmt.Errorf("insert commission: %w", err)
	}
	return evt, nil
}

func (s *Store) ListCommissions(ctx context.Context, referrerID string) ([]referral.CommissionEvent, error) {
	var rows []commissionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, payer_account, referrer, amount, intent_id, created_at
		FROM phoenix_commissions WHERE referrer = $1 ORDER BY created_at`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	out := make([]referral.CommissionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, referral.CommissionEvent{
			ID:           r.ID,
			PayerAccount: r.PayerAccount,
			Referrer:     r.Referrer,
			Amount:       r.Amount,
			IntentID:     r.IntentID,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}
