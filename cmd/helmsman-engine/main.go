package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"helmsman/internal/broker"
	"helmsman/internal/bus"
	"helmsman/internal/config"
	"helmsman/internal/engine"
	"helmsman/internal/httpapi"
	"helmsman/internal/journal"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

// journalInterval is how often execution history is exported to Parquet. A
// final export also runs at shutdown.
const journalInterval = time.Hour

func main() {
	simulate := flag.Bool("simulate", false, "use the in-memory broker simulator instead of Alpaca")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "config/helmsman.yaml"
	if p := os.Getenv("HELMSMAN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer st.Close()

	var gateway broker.Gateway
	if *simulate {
		gateway = broker.NewSimulator()
	} else {
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			log.Fatal("alpaca credentials are not configured (set ALPACA_API_KEY / ALPACA_API_SECRET or pass -simulate)")
		}
		gateway = broker.NewAlpacaGateway(
			cfg.Alpaca.APIKey,
			cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL,
			cfg.Engine.BrokerRateLimitPerMin,
		)
	}

	var cmdBus bus.Bus
	if cfg.Redis.Addr != "" {
		b, err := bus.NewRedisBus(bus.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		}, logger)
		if err != nil {
			log.Fatalf("failed to connect command bus: %v", err)
		}
		cmdBus = b
		defer b.Close()
	} else {
		logger.Info("redis address not configured, commands arrive over HTTP only")
	}

	eng := engine.New(engine.Options{
		Config:  cfg,
		Store:   st,
		Gateway: gateway,
		Bus:     cmdBus,
		Logger:  logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	api := httpapi.NewServer(eng, logger)
	httpSrv := &http.Server{Addr: addr, Handler: api.Handler()}
	go func() {
		logger.Info("control plane listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control plane stopped", "error", err)
			cancel()
		}
	}()

	jrnl := journal.New(cfg.Storage.JournalDir)
	go func() {
		ticker := time.NewTicker(journalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := jrnl.Export(ctx, st); err != nil {
					logger.Warn("journal export failed", "error", err)
				}
			}
		}
	}()

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine exited", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown", "error", err)
	}
	if err := jrnl.Export(shutdownCtx, st); err != nil {
		logger.Warn("final journal export failed", "error", err)
	}
	logger.Info("helmsman-engine stopped")
}
