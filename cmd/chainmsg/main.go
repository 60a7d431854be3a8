package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainmsg/pkg/api"
	"chainmsg/pkg/banner"
	"chainmsg/pkg/config"
	"chainmsg/pkg/conversations"
	"chainmsg/pkg/engine"
	"chainmsg/pkg/ipfs"
	"chainmsg/pkg/ledger"
	"chainmsg/pkg/logger"
	"chainmsg/pkg/shutdown"
	"chainmsg/pkg/store"
)

// version is set via ldflags during release builds.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, _, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags win over env, env wins over file.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := dbVal
	if !setFlags["db"] && cfg.Storage.DBPath != "" {
		dbPath = cfg.Storage.DBPath
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	cache, err := store.Open(dbPath)
	if err != nil {
		shutdown.Abort("failed to open local cache", err, dbPath)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("cache_close_failed", "error", err)
		}
	}()

	// A stored credentials record wins over file/env config so a mode
	// configured through the API survives restarts.
	publishCfg := cfg.PublishConfig()
	if stored, ok, err := cache.LoadPublishConfig(); err != nil {
		logger.Warn("publish_config_load_failed", "error", err)
	} else if ok {
		publishCfg = stored
	}

	content := ipfs.NewClient(ipfs.Config{
		Credentials: publishCfg,
		PinURL:      cfg.Publish.PinURL,
		GatewayURL:  cfg.Publish.GatewayURL,
	})
	remote := ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.APIKey, cfg.Ledger.Table)
	eng := engine.New(cache, remote, content)
	agg := conversations.NewAggregator(eng)

	srv := api.NewServer(eng, agg, content, cfg.PollInterval(), cfg.PreviewCron(), api.RateLimit{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
	defer srv.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Handler())

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	banner.Print(addr, dbPath, version, content.Mode(), cache.DiskUsage())
	logger.Info("server_starting", "addr", addr, "publish_mode", content.Mode().String())

	runCtx, stop := shutdown.SetupSignalHandler(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	case <-runCtx.Done():
		logger.Info("shutting_down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("shutdown_failed", "error", err)
		}
	}
}
