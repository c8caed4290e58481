// Package app composes the transaction engine into a running application.
//
// # Architecture Role
//
// The app package sits above the service packages and is responsible for
// wiring them together with their storage and lifecycle dependencies. It is
// NOT a business logic layer; business rules live under
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Accounts, wallets, referral state
//	│   ├── transfer/       # Intents, operations, receipts, followups
//	│   ├── schedule/       # Scheduled and recurring jobs
//	│   └── referral/       # Commission events and summaries
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (AccountStore, JobStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic (vault, feepolicy, transfer, ...)
//	├── command/            # Chat command dispatcher
//	├── conversation/       # Multi-step dialog state (under services/)
//	├── httpapi/            # HTTP API handlers and routing
//	├── notify/             # Outbound user notifications
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/phoenixd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      ├──► internal/app/storage/  (persistence)
//	      └──► internal/chain/        (ledger access)
//
// When adding a new domain, create its models under internal/app/domain/,
// extend storage/interfaces.go and both implementations, build the service
// under internal/app/services/, and wire it here.
package app
