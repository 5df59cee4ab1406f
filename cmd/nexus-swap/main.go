package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-trading/nexus-swap/internal/adapters/helius"
	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/adapters/rugcheck"
	"github.com/nexus-trading/nexus-swap/internal/amount"
	"github.com/nexus-trading/nexus-swap/internal/audit"
	"github.com/nexus-trading/nexus-swap/internal/bus"
	"github.com/nexus-trading/nexus-swap/internal/clickhouse"
	"github.com/nexus-trading/nexus-swap/internal/config"
	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/features"
	"github.com/nexus-trading/nexus-swap/internal/observability"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/risk"
	"github.com/nexus-trading/nexus-swap/internal/scheduler"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/nexus-trading/nexus-swap/internal/storage/memory"
	"github.com/nexus-trading/nexus-swap/internal/storage/postgres"
	"github.com/nexus-trading/nexus-swap/internal/storage/sqlite"
	"github.com/nexus-trading/nexus-swap/internal/strategy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// paperOwner signs nothing; it only names the simulated wallet.
const paperOwner solana.Pubkey = "PaperWa11et1111111111111111111111111111111"

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file read before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to read %s: %v\n", *envFile, err)
	}

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Str("strategy", string(cfg.Strategy.Kind)).
		Int("pairs", len(cfg.Strategy.Pairs)).
		Str("storage", cfg.Storage.Driver).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("nexus-swap starting")

	// 4. Signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 5. Storage.
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("storage unavailable")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("storage close failed")
		}
	}()

	// 6. External services.
	jup := jupiter.NewClient(cfg.Jupiter)
	reports := rugcheck.NewClient(cfg.RugCheck.API)
	registry := observability.SwapMetrics()

	gate := risk.New(cfg.RugCheck.Policy, reports, store)

	// 7. Wallet gateway.
	var (
		wallet       execution.WalletGateway
		liveRPC      *solana.LiveRPCClient
		liveWallet   *solana.Wallet
		feeEstimator *solana.PriorityFeeEstimator
	)
	if cfg.General.DryRun {
		owner := paperOwner
		if cfg.Solana.PaperOwner != "" {
			owner = solana.Pubkey(cfg.Solana.PaperOwner)
		}
		lamports := cfg.Solana.PaperStartSOL.Shift(solana.SOLDecimals).IntPart()
		wallet = solana.NewPaperWallet(owner, uint64(lamports), cfg.Solana.PaperConfirmDelay)
		log.Info().Str("owner", owner.Short()).Str("sol", cfg.Solana.PaperStartSOL.String()).Msg("wallet: paper")
	} else {
		signer, err := solana.NewKeypairSigner(cfg.Solana.RPC.PrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("wallet: invalid private key")
		}
		liveRPC = solana.NewLiveRPCClient(cfg.Solana.RPC)
		defer liveRPC.Close()

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := liveRPC.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Solana.RPC.Endpoint).Msg("solana RPC health check failed (continuing)")
		}
		healthCancel()

		var watcher *solana.SignatureWatcher
		if cfg.Solana.UseWatcher {
			watcher = solana.NewSignatureWatcher(cfg.Solana.Watcher)
		}
		liveWallet = solana.NewWallet(liveRPC, signer, watcher, cfg.Solana.Wallet)
		wallet = liveWallet
		feeEstimator = solana.NewPriorityFeeEstimator(liveRPC)
		log.Info().Str("owner", signer.PublicKey().Short()).Bool("watcher", watcher != nil).Msg("wallet: live")
	}

	// 8. Swap pipeline.
	pipeline := execution.NewPipeline(cfg.Pipeline, jup, wallet, execution.NewSignSlot())
	if feeEstimator != nil {
		pipeline.SetFeeEstimator(feeEstimator)
	}
	if !cfg.General.DryRun && cfg.Helius.APIKey != "" {
		pipeline.AddPostTradeHook(execution.NewHoldingsRecorder(helius.NewClient(cfg.Helius), jup, store, store))
	} else {
		log.Info().Msg("holdings recorder disabled (dry run or no Helius key)")
	}

	// 9. Positions and strategy.
	tracker := position.NewTracker(cfg.Strategy.Exits)

	var feed *features.PriceFeed
	deps := strategy.Deps{Tracker: tracker}
	if cfg.Strategy.Kind == strategy.KindPump {
		feed = features.NewPriceFeed(features.NewEngine(cfg.Strategy.Features), jup, cfg.Mints())
		deps.Indicators = feed
	}
	strat, err := strategy.New(cfg.Strategy.Config, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("strategy setup failed")
	}

	amounts := amount.NewCalculator(wallet, cfg.Amount, nil)

	// 10. Sinks: ClickHouse, Kafka, audit trail.
	var writer *clickhouse.TradeWriter
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("clickhouse: connect failed")
		}
		if err := chClient.EnsureSchema(ctx, cfg.ClickHouse.TablePrefix); err != nil {
			log.Fatal().Err(err).Msg("clickhouse: schema setup failed")
		}
		writer = clickhouse.NewTradeWriter(chClient, cfg.ClickHouse.TablePrefix, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
	}

	var producer bus.Producer
	var kafka *bus.KafkaProducer
	if cfg.Kafka.Enabled {
		kafka, err = bus.NewProducer(cfg.Kafka.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithSchemaVersion(cfg.Kafka.SchemaVersion),
			bus.WithLinger(cfg.Kafka.Linger),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka: producer setup failed")
		}
		producer = kafka
	} else {
		producer = bus.NewStubProducer()
	}
	events := bus.NewEventPublisher(producer, cfg.General.InstanceID)
	trail := audit.NewTrail(producer, cfg.Kafka.AuditBuffer)

	// 11. Callback fan-out.
	gate.SetOnDecision(func(d risk.Decision) {
		trail.RecordRiskCheck(d)
		events.RecordDecision(d)
	})
	restarts := registry.GetCounter(observability.MetricPipelineRestarts, nil)
	pipeline.SetOnTransition(func(rec execution.TransitionRecord) {
		trail.RecordTransition(rec)
		if rec.Event == execution.EventRestart {
			restarts.Inc()
		}
	})
	pipeline.SetOnResult(func(req execution.SwapRequest, res execution.TradeResult) {
		trail.RecordResult(req, res)
		events.RecordResult(req, res)
		if writer != nil {
			writer.RecordResult(req, res)
		}
	})
	tracker.SetOnChange(func(event string, pos position.Position) {
		trail.RecordPosition(event, pos)
		events.RecordPosition(event, pos)
		if writer != nil {
			writer.RecordPosition(event, pos)
		}
	})

	// 12. Scheduler.
	sched, err := scheduler.New(cfg.Scheduler, cfg.Strategy.Pairs, scheduler.Deps{
		Wallet:   wallet,
		Executor: pipeline,
		Risk:     gate,
		Amounts:  amounts,
		Tracker:  tracker,
		Strategy: strat,
		Holdings: store,
		Metrics:  registry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}

	// 13. Health.
	health := observability.NewHealthMonitor(30 * time.Second)
	health.Register("wallet", observability.BalanceCheck(func(ctx context.Context) (decimal.Decimal, error) {
		bal, err := wallet.Balance(ctx, solana.SOLMint)
		if err != nil {
			return decimal.Zero, err
		}
		return bal.Amount.Shift(-solana.SOLDecimals), nil
	}, cfg.Scheduler.MinimumBalance))
	health.Register("pipeline", observability.FailureRateCheck(func() (int64, int64) {
		st := pipeline.Stats()
		return st.Executions, st.Failures
	}, 10, 0.25, 0.5))
	health.Register("scheduler", observability.FlagCheck(sched.EmergencyActive, "emergency exit triggered"))
	health.Register("risk_gate", observability.FlagCheck(func() bool { return !gate.IsActive() }, "risk gate killed or frozen"))
	if liveRPC != nil {
		health.Register("rpc", observability.PingCheck(liveRPC.Health))
	}
	if writer != nil {
		health.Register("clickhouse", observability.FailureRateCheck(func() (int64, int64) {
			st := writer.Stats()
			return st.Flushes + st.Errors, st.Errors
		}, 3, 0.1, 0.5))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-health.Alerts():
				evt := log.Info()
				switch a.Level {
				case "critical":
					evt = log.Error()
				case "warn":
					evt = log.Warn()
				}
				evt.Str("component", a.Component).Msg("health: " + a.Message)
			}
		}
	}()

	if feeEstimator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feeEstimator.Start(ctx)
		}()
	}
	if writer != nil {
		writer.Start(ctx)
	}

	// 14. HTTP: metrics, health, stats, control.
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.NewPrometheusExporter(registry))
			mux.Handle("/health", health)

			mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
				combined := map[string]any{
					"pipeline": pipeline.Stats(),
					"risk":     gate.Metrics(),
					"jupiter":  jup.APIStats(),
					"pairs":    sched.Metrics(),
					"audit":    trail.Len(),
					"dry_run":  cfg.General.DryRun,
				}
				if liveWallet != nil {
					combined["wallet"] = liveWallet.Stats()
					combined["rpc"] = liveRPC.Stats()
				}
				if feeEstimator != nil {
					combined["priority_fees"] = feeEstimator.Stats()
				}
				if writer != nil {
					combined["clickhouse"] = writer.Stats()
				}
				if kafka != nil {
					published, failed := kafka.Stats()
					combined["kafka"] = map[string]int64{"published": published, "failed": failed}
				}
				if feed != nil {
					polls, errs := feed.Stats()
					combined["price_feed"] = map[string]int64{"polls": polls, "errors": errs}
				}
				writeJSON(w, combined)
			})

			mux.HandleFunc("/pairs", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, sched.Metrics())
			})
			mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tracker.All())
			})
			mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
				if trace := r.URL.Query().Get("trace_id"); trace != "" {
					writeJSON(w, trail.Query(trace))
					return
				}
				writeJSON(w, trail.Entries())
			})

			// ── Control plane ──
			mux.HandleFunc("/control/freeze", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				gate.Freeze("operator")
				log.Warn().Msg("control: risk gate frozen, no new tokens approved")
				writeJSON(w, map[string]string{"status": "frozen"})
			})
			mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				gate.Resume()
				log.Info().Msg("control: risk gate resumed")
				writeJSON(w, map[string]string{"status": "running"})
			})
			mux.HandleFunc("/control/stop", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				gate.Kill()
				log.Error().Msg("control: stop requested, shutting down")
				writeJSON(w, map[string]string{"status": "stopping"})
				cancel()
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.PrometheusPort)
			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			log.Info().Str("addr", addr).Msg("HTTP server started (metrics + health + stats + control)")

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// 15. Start trading.
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler failed to start")
	}

	done := make(chan struct{})
	go func() {
		if err := sched.Wait(); err != nil {
			log.Error().Err(err).Msg("scheduler stopped with error")
		}
		close(done)
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		hookErrors := registry.GetCounter(observability.MetricHookErrorsTotal, nil)
		var reportedHookErrors int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps := pipeline.Stats()
				if d := ps.HookErrors - reportedHookErrors; d > 0 {
					hookErrors.Add(float64(d))
					reportedHookErrors = ps.HookErrors
				}
				logEvt := log.Info().
					Int64("executions", ps.Executions).
					Int64("successes", ps.Successes).
					Int64("failures", ps.Failures).
					Int64("restarts", ps.Restarts).
					Int("open_positions", tracker.Len()).
					Bool("gate_active", gate.IsActive())
				if feeEstimator != nil {
					logEvt = logEvt.Uint64("fee_p75", feeEstimator.Stats().P75Lamports)
				}
				logEvt.Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("nexus-swap running")

	// 16. Block until a signal, a control stop, or every pair halting.
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	case <-done:
		log.Info().Msg("all pairs halted")
	}

	// 17. Graceful shutdown. The scheduler closes open positions before the
	// context goes away so the sells can still reach the chain.
	final := sched.Stop()
	for _, m := range final {
		log.Info().
			Str("pair", m.PairID).
			Int64("trades", m.TotalTrades).
			Int64("ok", m.SuccessCount).
			Int64("failed", m.FailureCount).
			Str("volume_sol", m.TotalVolume.String()).
			Str("halt_reason", m.HaltReason).
			Msg("[FINAL]")
	}
	pipeline.WaitHooks()

	cancel()
	health.Stop()
	if feeEstimator != nil {
		feeEstimator.Stop()
	}
	wg.Wait()

	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Warn().Err(err).Msg("clickhouse: close failed")
		}
	}
	producer.Close()

	log.Info().Msg("nexus-swap stopped")
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "nexus-swap").Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "nexus-swap").Str("instance", general.InstanceID).Logger()
	}
}
