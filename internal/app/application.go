package app

import (
	"context"
	"fmt"

	"github.com/CLS-Network/settlement_layer/internal/app/attest"
	"github.com/CLS-Network/settlement_layer/internal/app/domain/request"
	"github.com/CLS-Network/settlement_layer/internal/app/ledger"
	"github.com/CLS-Network/settlement_layer/internal/app/services/agreements"
	biddingsvc "github.com/CLS-Network/settlement_layer/internal/app/services/bidding"
	"github.com/CLS-Network/settlement_layer/internal/app/services/coordinator"
	"github.com/CLS-Network/settlement_layer/internal/app/services/refunds"
	royaltysvc "github.com/CLS-Network/settlement_layer/internal/app/services/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/internal/app/storage/memory"
	"github.com/CLS-Network/settlement_layer/internal/app/system"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Requests   storage.RequestStore
	Sessions   storage.SessionStore
	Agreements storage.AgreementStore
	Payments   storage.PaymentStore
	Refunds    storage.RefundStore
	Events     storage.EventStore
}

// Application ties the settlement services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger      ledger.Ledger
	Agreements  *agreements.Service
	Coordinator *coordinator.Service
	Bidding     *biddingsvc.Service
	Royalty     *royaltysvc.Service
	Refunds     *refunds.Service
	Events      storage.EventStore
}

// New builds a fully initialised application. The attestation verifier is
// mandatory: no oracle callback is trusted without it.
func New(stores Stores, native ledger.Ledger, verifier attest.Verifier, oracle coordinator.Oracle, log *logger.Logger) (*Application, error) {
	if verifier == nil {
		return nil, fmt.Errorf("attestation verifier is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if native == nil {
		native = ledger.NewMemory()
	}
	if oracle == nil {
		log.Warn("no oracle configured; decryption requests resolve only via the timeout path")
		oracle = coordinator.NopOracle{}
	}

	mem := memory.New()
	if stores.Requests == nil {
		stores.Requests = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Agreements == nil {
		stores.Agreements = mem
	}
	if stores.Payments == nil {
		stores.Payments = mem
	}
	if stores.Refunds == nil {
		stores.Refunds = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}

	manager := system.NewManager()

	agreementService := agreements.New(stores.Agreements, log)
	refundService := refunds.New(stores.Refunds, stores.Events, native, log)
	coordService := coordinator.New(stores.Requests, stores.Events, verifier, oracle, log)
	biddingService := biddingsvc.New(stores.Sessions, stores.Agreements, stores.Events, refundService, coordService, native, log)
	royaltyService := royaltysvc.New(stores.Agreements, stores.Payments, stores.Events, refundService, coordService, native, log)

	coordService.RegisterHandler(request.KindBidding, biddingService)
	coordService.RegisterHandler(request.KindVerification, royaltyService)
	refundService.AttachClaimer(coordService)

	for _, name := range []string{"agreements", "bidding", "royalty", "refunds"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(coordinator.NewWatchdog(coordService, log)); err != nil {
		return nil, fmt.Errorf("register watchdog: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Ledger:      native,
		Agreements:  agreementService,
		Coordinator: coordService,
		Bidding:     biddingService,
		Royalty:     royaltyService,
		Refunds:     refundService,
		Events:      stores.Events,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
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
