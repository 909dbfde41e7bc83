// Package di is the composition root: it wires databases, stores, services,
// and background loops together in dependency order, and knows how to tear
// the whole graph down again on startup failure or shutdown.
package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrader/core/internal/broker"
	"github.com/papertrader/core/internal/candles"
	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/database"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/execution"
	"github.com/papertrader/core/internal/execution/fill"
	"github.com/papertrader/core/internal/feedhealth"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ledger"
	"github.com/papertrader/core/internal/mtm"
	"github.com/papertrader/core/internal/pricing"
	"github.com/papertrader/core/internal/risk"
	"github.com/papertrader/core/internal/scheduler"
	"github.com/papertrader/core/internal/server"
	"github.com/papertrader/core/internal/server/stream"
	"github.com/papertrader/core/internal/settings"
	"github.com/papertrader/core/internal/ticks"
	"github.com/papertrader/core/internal/wallet"
	"github.com/papertrader/core/internal/watchlist"
)

// App is the fully wired application graph. Start launches every background
// loop in dependency order; Shutdown stops them in the cooperative shutdown
// order described on Shutdown.
type App struct {
	Log zerolog.Logger
	Cfg *config.Config

	CoreDB   *database.DB
	ConfigDB *database.DB

	EventBus *events.Bus
	TickBus  *ticks.Bus

	Instruments *instruments.Store
	FeedHealth  *feedhealth.Monitor
	Oracle      *pricing.Oracle
	Candles     *candles.Engine
	Broker      *broker.Adapter
	Ledger      *ledger.Ledger
	Wallet      *wallet.Store
	Risk        *risk.Checker
	FillEngine  *fill.Engine
	Execution   *execution.Service
	MTM         *mtm.Engine
	Stream      *stream.Hub
	Scheduler   *scheduler.Scheduler
	Settings    *settings.Service
	Watchlist   *watchlist.Store

	Server *server.Server
}

// Wire builds the entire dependency graph without starting any background
// loop. On failure it closes any database handles it already opened and
// returns a nil App; on success callers call Start once ready.
func Wire(cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{Log: log, Cfg: cfg}

	coreDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "core.db"), Profile: database.ProfileLedger, Name: "core",
	})
	if err != nil {
		return nil, fmt.Errorf("open core database: %w", err)
	}
	app.CoreDB = coreDB
	if err := coreDB.MigrateSchemas("orders", "ledger", "wallet", "watchlist"); err != nil {
		app.Close()
		return nil, fmt.Errorf("migrate core database: %w", err)
	}

	configDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "config.db"), Profile: database.ProfileStandard, Name: "config",
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open config database: %w", err)
	}
	app.ConfigDB = configDB
	if err := configDB.Migrate(); err != nil {
		app.Close()
		return nil, fmt.Errorf("migrate config database: %w", err)
	}

	settingsRepo := settings.NewRepository(configDB.Conn(), log)
	if err := cfg.UpdateFromSettings(settingsRepo); err != nil {
		app.Close()
		return nil, fmt.Errorf("load settings overrides: %w", err)
	}
	app.Settings = settings.NewService(settingsRepo, log)

	app.EventBus = events.NewBus(log)
	app.TickBus = ticks.New(log, time.Duration(cfg.TickBusFlushIntervalMS)*time.Millisecond)

	app.Instruments = instruments.New()
	app.FeedHealth = feedhealth.New(
		log, app.TickBus, app.EventBus,
		time.Duration(cfg.FeedMaxTickAgeMS)*time.Millisecond, cfg.FeedMinTickRate, cfg.FeedMinActiveTokens,
	)
	app.Oracle = pricing.New(
		app.TickBus, app.FeedHealth, app.Instruments,
		time.Duration(cfg.FeedMaxTickAgeMS)*time.Millisecond, cfg.PaperTradingMode,
	)
	app.Candles = candles.New(log, app.TickBus, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute})

	tokens := broker.NewStaticTokenSource(cfg.BrokerAPIKey)
	app.Broker = broker.NewAdapter(cfg.BrokerWSURL, tokens, app.Instruments, app.TickBus, app.EventBus, log)
	app.EventBus.Subscribe(events.BrokerSessionState, func(e *events.Event) {
		to, _ := e.Data["to"].(string)
		state := broker.SessionState(to)
		app.FeedHealth.SetSessionState(state)
		app.FeedHealth.SetWebsocketConnected(state == broker.Connected)
	})

	app.Ledger = ledger.New(log, app.EventBus)
	app.Wallet = wallet.New(coreDB.Conn(), log, app.Ledger, app.EventBus, wallet.DefaultClassifier)
	app.Watchlist = watchlist.New(coreDB.Conn(), log)
	app.Risk = risk.New(cfg, log)
	app.FillEngine = fill.New(
		app.TickBus, time.Duration(cfg.FillTickMaxAgeSeconds)*time.Second,
		cfg.FillSlippageBPSEquity, cfg.FillSlippageBPSFutures, cfg.FillSlippageBPSOptions,
	)
	app.Execution = execution.New(
		coreDB.Conn(), log, cfg,
		app.Instruments, app.Oracle, app.Risk, app.Wallet, app.Ledger, app.FillEngine, app.EventBus,
		time.Duration(cfg.ExecutionScanIntervalMS)*time.Millisecond,
	)
	app.MTM = mtm.New(log, app.TickBus, app.Wallet, app.Execution, time.Duration(cfg.MTMFlushIntervalMS)*time.Millisecond)

	app.Stream = stream.New(log, app.TickBus, app.Broker, app.Wallet, app.Watchlist, app.MTM, cfg.IndexInstrumentKeys)

	app.Scheduler = scheduler.New(log)
	expirySweep := scheduler.NewExpirySweep(log, app.Wallet, app.Instruments, app.Execution)
	if err := app.Scheduler.AddJob("0 35 15 * * MON-FRI", expirySweep); err != nil {
		app.Close()
		return nil, fmt.Errorf("register expiry sweep job: %w", err)
	}

	app.Server = server.New(server.Config{
		Log: log, Cfg: cfg, DB: coreDB, Execution: app.Execution, Wallet: app.Wallet,
		Instruments: app.Instruments, BrokerAdapter: app.Broker, Stream: app.Stream,
		Settings: app.Settings, Watchlist: app.Watchlist, DevMode: cfg.DevMode,
	})

	return app, nil
}

// Start launches every background loop in dependency order: lowest-level
// feeds first, so nothing downstream observes a tick before the components
// that classify and price it exist.
func (a *App) Start() {
	a.TickBus.Start()
	a.FeedHealth.Start()
	a.Candles.Start()
	a.Broker.Start()
	a.Execution.Start()
	a.MTM.Start()
	a.Scheduler.Start()
}

// Shutdown runs the cooperative shutdown sequence: stop the scheduler, stop
// the broker adapter, drain the Tick Bus, flush MTM snapshots, stop the
// remaining loops, close SSE connections, then close the databases. The HTTP
// server itself is stopped by the caller before Shutdown runs, since it owns
// the process's accept loop.
func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Broker.Stop()
	a.TickBus.Stop()
	a.MTM.Stop()
	a.FeedHealth.Stop()
	a.Candles.Stop()
	a.Execution.Stop()
	a.Stream.Close()
	a.Close()
}

// Close releases database handles. Safe to call on a partially wired App
// after a Wire failure.
func (a *App) Close() {
	if a.CoreDB != nil {
		_ = a.CoreDB.Close()
	}
	if a.ConfigDB != nil {
		_ = a.ConfigDB.Close()
	}
}
