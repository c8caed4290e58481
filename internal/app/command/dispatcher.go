// Package command maps chat commands onto the transfer engine.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	domaintransfer "github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/services/conversation"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	"github.com/ekmloo/phoenix/internal/app/services/referral"
	"github.com/ekmloo/phoenix/internal/app/services/scheduler"
	"github.com/ekmloo/phoenix/internal/app/services/transfer"
	"github.com/ekmloo/phoenix/internal/app/services/vault"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// Request is one command issued by an account.
type Request struct {
	AccountID string   `json:"account_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
}

// Result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPending = "pending"
)

// Result is the dispatcher's reply. ReceiptID and JobID are set when the
// command produced a submission or touched a scheduled job.
type Result struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ReceiptID string `json:"receipt_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// dialogTTL bounds how long a command waits for follow-up input.
const dialogTTL = 5 * time.Minute

// Dispatcher routes commands to the owning service. Unknown input while a
// dialog is pending is fed to the waiting command instead.
type Dispatcher struct {
	accounts  storage.AccountStore
	vault     *vault.Service
	transfers *transfer.Service
	schedules *scheduler.Service
	referrals *referral.Service
	dialogs   conversation.Store
	log       *logger.Logger
}

func NewDispatcher(
	accounts storage.AccountStore,
	vaultSvc *vault.Service,
	transfers *transfer.Service,
	schedules *scheduler.Service,
	referrals *referral.Service,
	dialogs conversation.Store,
	log *logger.Logger,
) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("command")
	}
	if dialogs == nil {
		dialogs = conversation.NewMemoryStore()
	}
	return &Dispatcher{
		accounts:  accounts,
		vault:     vaultSvc,
		transfers: transfers,
		schedules: schedules,
		referrals: referrals,
		dialogs:   dialogs,
		log:       log,
	}
}

func errResult(format string, args ...interface{}) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

func okResult(format string, args ...interface{}) Result {
	return Result{Status: StatusOK, Message: fmt.Sprintf(format, args...)}
}

// Handle executes one command. It never returns an error for user mistakes;
// those come back as error results with a readable message.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Result {
	cmd := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(req.Command), "/"))
	if req.AccountID == "" {
		return errResult("account id is required")
	}

	switch cmd {
	case "start":
		return d.start(ctx, req)
	case "wallet":
		return d.wallet(ctx, req)
	case "balance":
		return d.balance(ctx, req)
	case "send":
		return d.send(ctx, req)
	case "schedule":
		return d.schedule(ctx, req)
	case "bump":
		return d.bump(ctx, req)
	case "customwallet":
		return d.customWallet(ctx, req)
	case "referral":
		return d.referralSummary(ctx, req)
	case "referrals":
		return d.referralList(ctx, req)
	case "cancel":
		return d.cancel(ctx, req)
	}

	// Not a command: maybe a dialog is waiting for this input.
	if st, ok, err := d.dialogs.Get(ctx, req.AccountID); err == nil && ok {
		return d.resume(ctx, req, st)
	}
	return errResult("unknown command %q", req.Command)
}

// resume feeds free-form input to the command that asked for it.
func (d *Dispatcher) resume(ctx context.Context, req Request, st conversation.State) Result {
	if err := d.dialogs.Clear(ctx, req.AccountID); err != nil {
		d.log.WithError(err).Warn("clear dialog state")
	}
	input := strings.TrimSpace(strings.Join(append([]string{req.Command}, req.Args...), " "))

	switch st.Command {
	case "customwallet":
		return d.createAuxWallet(ctx, req.AccountID, input)
	default:
		return errResult("nothing pending for input %q", input)
	}
}

func (d *Dispatcher) start(ctx context.Context, req Request) Result {
	if _, err := d.accounts.GetAccount(ctx, req.AccountID); err != nil {
		if _, cerr := d.accounts.CreateAccount(ctx, account.Account{ID: req.AccountID}); cerr != nil {
			return errResult("could not register account: %v", cerr)
		}
	}

	if len(req.Args) > 0 && req.Args[0] != "" {
		referrerID := req.Args[0]
		if _, err := d.referrals.Link(ctx, req.AccountID, referrerID); err != nil {
			if errors.Is(err, referral.ErrSelfReferral) {
				return okResult("Welcome back! You cannot refer yourself.")
			}
			d.log.WithError(err).WithField("referrer", referrerID).Warn("referral link failed")
			return okResult("Welcome! (Referral could not be applied.)")
		}
		return okResult("Welcome! You were referred by %s. Use /wallet to create your wallet.", referrerID)
	}
	return okResult("Welcome! Use /wallet to create your wallet.")
}

func (d *Dispatcher) wallet(ctx context.Context, req Request) Result {
	addr, err := d.vault.CreateWallet(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, vault.ErrAlreadyExists) {
			acct, gerr := d.accounts.GetAccount(ctx, req.AccountID)
			if gerr != nil {
				return errResult("could not load wallet: %v", gerr)
			}
			return okResult("Your wallet address: %s", acct.PublicAddress)
		}
		return errResult("could not create wallet: %v", err)
	}
	return okResult("Wallet created. Your address: %s", addr)
}

func (d *Dispatcher) balance(ctx context.Context, req Request) Result {
	bal, err := d.transfers.Balance(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, transfer.ErrNoWallet) {
			return errResult("no wallet yet, use /wallet first")
		}
		return errResult("could not fetch balance: %v", err)
	}
	return okResult("Balance: %s", domaintransfer.FormatAmount(bal))
}

func (d *Dispatcher) send(ctx context.Context, req Request) Result {
	if len(req.Args) < 2 {
		return errResult("usage: /send <destination> <amount>")
	}
	dest := req.Args[0]
	amount, err := domaintransfer.ParseAmount(req.Args[1])
	if err != nil {
		return errResult("bad amount %q: %v", req.Args[1], err)
	}

	_, rcpt, err := d.transfers.Execute(ctx, transfer.ExecuteRequest{
		AccountID:   req.AccountID,
		Destination: dest,
		Amount:      amount,
		Tier:        feepolicy.TierImmediate,
	})
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrNoWallet):
			return errResult("no wallet yet, use /wallet first")
		case errors.Is(err, transfer.ErrInsufficientFunds):
			return errResult("insufficient funds for %s plus fees", domaintransfer.FormatAmount(amount))
		case errors.Is(err, feepolicy.ErrInvalidAmount):
			return errResult("bad amount %q", req.Args[1])
		}
		return errResult("transfer failed: %v", err)
	}

	res := okResult("Sent %s (tx %s)", domaintransfer.FormatAmount(amount), rcpt.TxID)
	res.ReceiptID = rcpt.ID
	return res
}

func (d *Dispatcher) schedule(ctx context.Context, req Request) Result {
	if len(req.Args) < 3 {
		return errResult("usage: /schedule <destination> <amount> <when>")
	}
	dest := req.Args[0]
	amount, err := domaintransfer.ParseAmount(req.Args[1])
	if err != nil {
		return errResult("bad amount %q: %v", req.Args[1], err)
	}
	when := strings.Join(req.Args[2:], " ")

	// An RFC 3339 timestamp schedules a one-shot transfer; anything else is
	// treated as a recurring cadence.
	if fireAt, terr := time.Parse(time.RFC3339, when); terr == nil {
		job, err := d.schedules.ScheduleOnce(ctx, req.AccountID, dest, amount, fireAt)
		if err != nil {
			return d.scheduleError(err)
		}
		res := okResult("Scheduled %s for %s", domaintransfer.FormatAmount(amount), fireAt.Format(time.RFC3339))
		res.JobID = job.ID
		return res
	}

	job, err := d.schedules.ScheduleRecurring(ctx, req.AccountID, dest, amount, when)
	if err != nil {
		return d.scheduleError(err)
	}
	res := okResult("Scheduled %s every %q", domaintransfer.FormatAmount(amount), when)
	res.JobID = job.ID
	return res
}

func (d *Dispatcher) scheduleError(err error) Result {
	switch {
	case errors.Is(err, transfer.ErrNoWallet):
		return errResult("no wallet yet, use /wallet first")
	case errors.Is(err, scheduler.ErrInvalidCadence):
		return errResult("cadence not understood: %v", err)
	case errors.Is(err, feepolicy.ErrInvalidAmount):
		return errResult("amount must be positive")
	}
	return errResult("could not schedule: %v", err)
}

func (d *Dispatcher) bump(ctx context.Context, req Request) Result {
	if len(req.Args) < 2 {
		return errResult("usage: /bump start <destination> [cadence] | /bump stop <destination>")
	}
	action, dest := strings.ToLower(req.Args[0]), req.Args[1]

	switch action {
	case "start":
		cadence := "@every 1m"
		if len(req.Args) > 2 {
			cadence = strings.Join(req.Args[2:], " ")
		}
		job, err := d.schedules.StartBump(ctx, req.AccountID, dest, cadence)
		if err != nil {
			switch {
			case errors.Is(err, scheduler.ErrAuxWalletRequired):
				return errResult("bump needs an auxiliary wallet, use /customwallet first")
			case errors.Is(err, transfer.ErrNoWallet):
				return errResult("no wallet yet, use /wallet first")
			case errors.Is(err, transfer.ErrInsufficientFunds):
				return errResult("insufficient funds for the activation fee")
			}
			return errResult("could not start bump: %v", err)
		}
		res := okResult("Bump started against %s", dest)
		res.JobID = job.ID
		return res

	case "stop":
		jobs, err := d.schedules.Jobs(ctx, req.AccountID)
		if err != nil {
			return errResult("could not list jobs: %v", err)
		}
		for _, job := range jobs {
			if job.Kind != schedule.KindBump || job.Destination != dest {
				continue
			}
			if job.Status != schedule.StatusArmed && job.Status != schedule.StatusFiring {
				continue
			}
			if _, err := d.schedules.Cancel(ctx, req.AccountID, job.ID); err != nil {
				continue
			}
			res := okResult("Bump against %s stopped", dest)
			res.JobID = job.ID
			return res
		}
		return errResult("no active bump against %s", dest)
	}
	return errResult("usage: /bump start <destination> [cadence] | /bump stop <destination>")
}

func (d *Dispatcher) customWallet(ctx context.Context, req Request) Result {
	if len(req.Args) == 0 {
		st := conversation.State{Command: "customwallet", Prompt: "suffix"}
		if err := d.dialogs.Set(ctx, req.AccountID, st, dialogTTL); err != nil {
			return errResult("could not start dialog: %v", err)
		}
		return Result{Status: StatusPending, Message: "Reply with the hex suffix you want (up to 4 characters)."}
	}
	return d.createAuxWallet(ctx, req.AccountID, req.Args[0])
}

func (d *Dispatcher) createAuxWallet(ctx context.Context, accountID, suffix string) Result {
	addr, err := d.vault.CreateAuxWallet(ctx, accountID, suffix)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return errResult("no wallet yet, use /wallet first")
		}
		return errResult("could not create custom wallet: %v", err)
	}
	return okResult("Custom wallet ready: %s", addr)
}

func (d *Dispatcher) referralSummary(ctx context.Context, req Request) Result {
	sum, err := d.referrals.Summary(ctx, req.AccountID)
	if err != nil {
		return errResult("could not load referral summary: %v", err)
	}
	return okResult("Referrals: %d, volume %s, earned %s",
		sum.ReferralCount,
		domaintransfer.FormatAmount(sum.TotalVolume),
		domaintransfer.FormatAmount(sum.TotalEarned))
}

func (d *Dispatcher) referralList(ctx context.Context, req Request) Result {
	referred, err := d.referrals.Referred(ctx, req.AccountID)
	if err != nil {
		return errResult("could not list referrals: %v", err)
	}
	if len(referred) == 0 {
		return okResult("No referrals yet. Share /start %s to invite.", req.AccountID)
	}
	ids := make([]string, 0, len(referred))
	for _, r := range referred {
		ids = append(ids, r.ID)
	}
	return okResult("Your referrals: %s", strings.Join(ids, ", "))
}

func (d *Dispatcher) cancel(ctx context.Context, req Request) Result {
	if len(req.Args) < 1 {
		return errResult("usage: /cancel <job-id>")
	}
	job, err := d.schedules.Cancel(ctx, req.AccountID, req.Args[0])
	if err != nil {
		return errResult("could not cancel: %v", err)
	}
	res := okResult("Job cancelled after %d occurrence(s)", job.Occurrence)
	res.JobID = job.ID
	return res
}
