package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"flywheel-engine/internal/admin"
	"flywheel-engine/internal/amm"
	"flywheel-engine/internal/balances"
	"flywheel-engine/internal/chain"
	"flywheel-engine/internal/chainws"
	"flywheel-engine/internal/claim"
	"flywheel-engine/internal/config"
	"flywheel-engine/internal/custody"
	"flywheel-engine/internal/deposit"
	"flywheel-engine/internal/flywheel"
	"flywheel-engine/internal/health"
	"flywheel-engine/internal/notify"
	"flywheel-engine/internal/platform"
	"flywheel-engine/internal/pricing"
	"flywheel-engine/internal/reactive"
	"flywheel-engine/internal/store"
	"flywheel-engine/internal/txexec"
	"flywheel-engine/internal/webhook"
)

func main() {
	setupLogger()
	log.Info().Msg("🚀 Flywheel Engine starting...")

	// Load config
	cfg, err := config.NewManager("config/config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Open store
	st, err := store.Open(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	// Initialize RPC client and blockhash cache
	rpcCfg := cfg.Get().RPC
	rpc := chain.NewClient(
		cfg.GetPrimaryRPCURL(),
		cfg.GetFallbackRPCURL(),
		os.Getenv(rpcCfg.PrimaryAPIKeyEnv),
		time.Duration(rpcCfg.TimeoutSeconds)*time.Second,
	)

	blockhash := chain.NewBlockhashCache(
		rpc,
		cfg.GetBlockhashRefresh(),
		time.Duration(cfg.Get().Chain.BlockhashTTLSeconds)*time.Second,
	)
	if err := blockhash.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start blockhash cache")
	}

	// Initialize custody and AMM clients
	custodyCfg := cfg.Get().Custody
	custodyClient := custody.NewClient(
		custodyCfg.BaseURL,
		cfg.GetCustodyToken(),
		time.Duration(custodyCfg.TimeoutSeconds)*time.Second,
	)

	ammCfg := cfg.Get().AMM
	ammClient := amm.NewClient(
		ammCfg.BaseURL,
		ammCfg.SlippageBps,
		time.Duration(ammCfg.TimeoutSeconds)*time.Second,
		cfg.GetAMMAPIKeys(),
		time.Duration(ammCfg.PriceTTLSec)*time.Second,
	)

	exec := txexec.New(rpc, custodyClient)
	advisor := pricing.NewEngine(ammClient, time.Duration(cfg.Get().Pricing.CacheTTLSec)*time.Second)

	notifyCfg := cfg.Get().Notify
	notifier := notify.New(notifyCfg.WebhookURL, time.Duration(notifyCfg.TimeoutSeconds)*time.Second)

	// Register background schedulers
	registry := flywheel.NewRegistry()

	mm := flywheel.New(st, rpc, ammClient, exec, advisor, blockhash, cfg, notifier)
	registry.Register(mm)
	registry.Register(claim.NewFast(st, ammClient, exec, blockhash, cfg, notifier))
	registry.Register(claim.NewSlow(st, ammClient, exec, blockhash, cfg, notifier))

	launcher := deposit.NewCurveLauncher(custodyClient, ammClient, exec)
	watcher := deposit.New(st, rpc, exec, blockhash, launcher, cfg, notifier)
	registry.Register(watcher)

	registry.Register(balances.NewRefresher(st, rpc, ammClient, ammClient, cfg))

	if cfg.Get().Platform.Enabled {
		loop, err := platform.NewLoop(st, rpc, ammClient, ammClient, exec, blockhash, cfg, notifier)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize platform loop")
		}
		registry.Register(loop)
	}

	// Reactive engine consumes webhook trade events and counter-trades
	// through the flywheel scheduler.
	engine := reactive.New(st, mm, cfg)
	engine.Start()

	// Dependency probes behind /health
	checker := health.NewChecker(10*time.Second,
		health.Probe{Name: "store", Check: st.Ping},
		health.Probe{Name: "rpc", Check: func(ctx context.Context) error {
			_, err := rpc.GetBlockHeight(ctx)
			return err
		}},
		health.Probe{Name: "amm", Check: ammClient.Ping},
		health.Probe{Name: "custody", Check: custodyClient.Ping},
	)
	healthCtx, healthCancel := context.WithCancel(context.Background())
	checker.Start(healthCtx)

	// Pubsub deposit detection. Optional: the watcher's poll loop covers
	// every deposit on its own, the socket only shortens the wait.
	var pubsub *chainws.Client
	var monitor *chainws.DepositMonitor
	if wsURL := cfg.GetWSURL(); wsURL != "" {
		wsCfg := cfg.Get().WebSocket
		pubsub = chainws.NewClient(
			wsURL,
			time.Duration(wsCfg.ReconnectDelayMs)*time.Millisecond,
			time.Duration(wsCfg.PingIntervalMs)*time.Millisecond,
		)
		pubsub.SetCallbacks(nil, func(err error) {
			log.Warn().Err(err).Msg("pubsub connection dropped")
		})
		if err := pubsub.Connect(); err != nil {
			log.Warn().Err(err).Msg("pubsub connect failed (deposit detection will use polling)")
			pubsub = nil
		} else {
			monitor = chainws.NewDepositMonitor(pubsub, st, watcher,
				time.Duration(cfg.Get().Deposit.PollIntervalSec)*time.Second)
			monitor.Start()
		}
	}

	// HTTP surface: webhook ingest, admin API, health
	verifier := admin.NewVerifier(cfg)
	service := admin.NewService(st, cfg, registry, notifier)
	server := webhook.NewServer(cfg, engine, checker, verifier, service)

	for _, kind := range registry.Kinds() {
		registry.Get(kind).Start()
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()

	srvCfg := cfg.Get().Server
	log.Info().
		Str("host", srvCfg.ListenHost).
		Int("port", srvCfg.ListenPort).
		Strs("schedulers", registry.Kinds()).
		Msg("flywheel engine started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	server.Shutdown()
	if monitor != nil {
		monitor.Stop()
	}
	if pubsub != nil {
		pubsub.Close()
	}
	engine.Stop()
	registry.StopAll()
	healthCancel()
	blockhash.Stop()
	st.Close()
	log.Info().Msg("goodbye 👋")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
