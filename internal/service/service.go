package service

import (
	"time"

	"circulation-service/config"
	"circulation-service/internal/store"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

const (
	idempotencyTTL  = 24 * time.Hour
	availabilityTTL = 30 * time.Second
	borrowLockTTL   = 10 * time.Second
)

// Options wires the collaborators of the circulation services. Nil
// collaborators are allowed: no cache, no event stream, no notifications.
type Options struct {
	Policy   config.PolicyConfig
	Clock    Clock
	Cache    Cache
	Events   EventPublisher
	Notifier Notifier
}

// Circulation bundles the desk services over one store
type Circulation struct {
	Ledger    *StockLedger
	Loans     *LoanService
	Queue     *ReservationQueue
	Locations *LocationResolver
}

// core is what every circulation service shares
type core struct {
	store    *store.Store
	clock    Clock
	policy   config.PolicyConfig
	fines    FinePolicy
	cache    Cache
	dispatch *dispatcher
	logger   *zap.Logger
}

// New builds the circulation services
func New(st *store.Store, opts Options) *Circulation {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Cache == nil {
		opts.Cache = noCache{}
	}

	logger := util.Component("circulation")
	dispatch := &dispatcher{
		events:   opts.Events,
		notifier: opts.Notifier,
		cache:    opts.Cache,
		logger:   logger,
	}
	c := &core{
		store:    st,
		clock:    opts.Clock,
		policy:   opts.Policy,
		fines:    FinePolicy{PerDay: opts.Policy.FinePerDay},
		cache:    opts.Cache,
		dispatch: dispatch,
		logger:   logger,
	}

	queue := &ReservationQueue{core: c}
	ledger := &StockLedger{core: c, queue: queue}
	return &Circulation{
		Ledger:    ledger,
		Loans:     &LoanService{core: c, ledger: ledger, queue: queue},
		Queue:     queue,
		Locations: &LocationResolver{core: c},
	}
}

func (c *core) now() time.Time {
	return c.clock.Now().UTC()
}
