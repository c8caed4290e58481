package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ekmloo/phoenix/internal/app/command"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/notify"
	"github.com/ekmloo/phoenix/internal/app/services/conversation"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	referralsvc "github.com/ekmloo/phoenix/internal/app/services/referral"
	schedulersvc "github.com/ekmloo/phoenix/internal/app/services/scheduler"
	transfersvc "github.com/ekmloo/phoenix/internal/app/services/transfer"
	vaultsvc "github.com/ekmloo/phoenix/internal/app/services/vault"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/internal/app/storage/memory"
	"github.com/ekmloo/phoenix/internal/app/system"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts    storage.AccountStore
	Intents     storage.IntentStore
	Receipts    storage.ReceiptStore
	Followups   storage.FollowupStore
	Jobs        storage.JobStore
	Commissions storage.CommissionStore
}

// Options carries the non-store dependencies and tunables. MasterKey is
// required; everything else has a sane default.
type Options struct {
	MasterKey    []byte
	OperatorSeed []byte

	Chain    chain.Client
	Notifier notify.Notifier
	Dialogs  conversation.Store
	Metrics  *metrics.Metrics

	Fees     feepolicy.Config
	Pipeline transfersvc.PipelineConfig

	SchedulerPoll time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Stores     Stores
	Metrics    *metrics.Metrics
	Vault      *vaultsvc.Service
	Fees       *feepolicy.Service
	Transfers  *transfersvc.Service
	Referrals  *referralsvc.Service
	Scheduler  *schedulersvc.Service
	Dispatcher *command.Dispatcher
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Intents == nil {
		stores.Intents = mem
	}
	if stores.Receipts == nil {
		stores.Receipts = mem
	}
	if stores.Followups == nil {
		stores.Followups = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}
	if stores.Commissions == nil {
		stores.Commissions = mem
	}

	if opts.Chain == nil {
		opts.Chain = chain.NewMock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Dialogs == nil {
		opts.Dialogs = conversation.NewMemoryStore()
	}
	if opts.SchedulerPoll <= 0 {
		opts.SchedulerPoll = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}

	if len(opts.OperatorSeed) == 0 {
		seed, err := vaultsvc.DeriveDataKey(opts.MasterKey, "operator-seed-v1")
		if err != nil {
			return nil, fmt.Errorf("derive operator seed: %w", err)
		}
		opts.OperatorSeed = seed
	}
	vaultService, err := vaultsvc.New(stores.Accounts, opts.MasterKey, opts.OperatorSeed, log)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	feeService, err := feepolicy.New(opts.Fees)
	if err != nil {
		return nil, fmt.Errorf("init fee policy: %w", err)
	}

	referralService := referralsvc.New(stores.Accounts, stores.Commissions, opts.Metrics, log)
	pipeline := transfersvc.NewPipeline(opts.Chain, vaultService, stores.Receipts, stores.Followups, opts.Pipeline, log)
	transferService := transfersvc.NewService(
		stores.Accounts, stores.Intents, feeService, pipeline, opts.Chain,
		referralService, opts.Notifier, opts.Metrics, vaultService.OperatorAddress(), log,
	)
	schedulerService := schedulersvc.New(
		stores.Jobs, stores.Accounts, transferService, feeService, opts.Metrics,
		vaultService.OperatorAddress(), schedulersvc.Config{PollInterval: opts.SchedulerPoll}, log,
	)
	retrier := transfersvc.NewPayoutRetrier(stores.Followups, pipeline, opts.Metrics, opts.RetryInterval, opts.MaxRetries, log)

	dispatcher := command.NewDispatcher(stores.Accounts, vaultService, transferService, schedulerService, referralService, opts.Dialogs, log)

	manager := system.NewManager()
	for _, svc := range []system.Service{schedulerService, retrier} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Stores:     stores,
		Metrics:    opts.Metrics,
		Vault:      vaultService,
		Fees:       feeService,
		Transfers:  transferService,
		Referrals:  referralService,
		Scheduler:  schedulerService,
		Dispatcher: dispatcher,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
