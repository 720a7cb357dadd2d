// Package bank is the top-level facade wiring the shared connection pool
// and notification bus to every component (C1-C12), the way the teacher's
// cmd/klingond/main.go wires storage, the wallet service, and the swap
// coordinator off one Node. Deployment surfaces (cmd/bankd) depend only
// on this package.
package bank

import (
	"context"
	"time"

	"github.com/klingon-exchange/corebank/internal/accounts"
	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/cashin"
	"github.com/klingon-exchange/corebank/internal/cashout"
	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/internal/exchange"
	"github.com/klingon-exchange/corebank/internal/gc"
	"github.com/klingon-exchange/corebank/internal/ledger"
	"github.com/klingon-exchange/corebank/internal/notify"
	"github.com/klingon-exchange/corebank/internal/tan"
	"github.com/klingon-exchange/corebank/internal/withdrawal"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Bank aggregates every component's engine over one shared pool.
type Bank struct {
	Pool       *dbx.Pool
	Bus        *notify.Bus
	Accounts   *accounts.Registry
	Tan        *tan.Engine
	Ledger     *ledger.Engine
	Withdrawal *withdrawal.Engine
	Exchange   *exchange.Engine
	Cashout    *cashout.Engine
	Cashin     *cashin.Engine
	GC         *gc.Sweeper

	cfg *config.Config
	log *logging.Logger
}

// Open connects to the database, runs schema bootstrap, and wires every
// component. Callers must call Start to launch the background workers
// (notification bus, cash-in poller, garbage collector) and Close to
// release resources on shutdown.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Bank, error) {
	pool, err := dbx.Open(&cfg.Database, log)
	if err != nil {
		return nil, err
	}

	bus := notify.New(cfg.Database.DSN, cfg.Notify.ReconnectBackoff, cfg.Notify.MaxBackoff, log)

	defaultMaxDebt := amount.Amount{Val: cfg.DefaultMaxDebtVal, Frac: cfg.DefaultMaxDebtFrac}
	accountRegistry := accounts.New(pool, log, defaultMaxDebt)
	tanEngine := tan.New(pool, log)
	ledgerEngine := ledger.New(pool, bus, log, cfg.Admin.Login)
	withdrawalEngine := withdrawal.New(ledgerEngine, bus, log)
	exchangeEngine := exchange.New(ledgerEngine, bus, log)
	cashoutEngine := cashout.New(ledgerEngine, &cfg.Conversion, cfg.Admin.Login, log)

	// The fiat adapter isn't modeled, so a cash-in row's debit_payto is
	// resolved to a regional exchange login by matching it against the
	// internal payto of an account flagged as an exchange and taking that
	// account's login; a real deployment would consult the nexus-side
	// account mapping the out-of-scope adapter maintains.
	resolveExchange := func(ctx context.Context, debitPayto string) (string, bool) {
		snap, berr := ledgerEngine.LookupByPayto(ctx, debitPayto)
		if berr != nil || snap == nil || !snap.IsTalerExchange {
			return "", false
		}
		return snap.Login, true
	}
	cashinEngine := cashin.New(ledgerEngine, &cfg.Conversion, cfg.Admin.Login, resolveExchange, log)

	gcSweeper := gc.New(pool, cfg.GC, log)

	return &Bank{
		Pool: pool, Bus: bus, Accounts: accountRegistry, Tan: tanEngine,
		Ledger: ledgerEngine, Withdrawal: withdrawalEngine, Exchange: exchangeEngine,
		Cashout: cashoutEngine, Cashin: cashinEngine, GC: gcSweeper,
		cfg: cfg, log: log.Component("bank"),
	}, nil
}

// Start launches every background worker.
func (b *Bank) Start() error {
	if err := b.Bus.Start(); err != nil {
		return err
	}
	b.Cashin.Start(5 * time.Second)
	b.GC.Start()
	b.log.Info("bank started")
	return nil
}

// Close stops every background worker and releases the pool.
func (b *Bank) Close() error {
	b.Cashin.Stop()
	b.GC.Stop()
	b.Bus.Stop()
	return b.Pool.Close()
}

// EnsureAdmin creates the admin account on first boot if it doesn't
// already exist, mirroring the teacher's startup-time bootstrap of
// durable singletons (peer store, wallet keys) before serving traffic.
func (b *Bank) EnsureAdmin(ctx context.Context, now time.Time) error {
	existing, berr := b.Ledger.LookupByLogin(ctx, b.cfg.Admin.Login)
	if berr != nil {
		return berr
	}
	if existing != nil {
		return nil
	}
	_, berr = b.Accounts.Create(ctx, accounts.CreateRequest{
		Login:    b.cfg.Admin.Login,
		Password: b.cfg.Admin.Password,
		Name:     "Bank Administrator",
		IsAdmin:  true,
	})
	if berr != nil {
		return berr
	}
	b.log.Info("admin account created", "login", b.cfg.Admin.Login)
	return nil
}
