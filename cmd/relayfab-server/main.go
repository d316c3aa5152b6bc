// Command relayfab-server runs the fabric's control-plane server: the
// agent registry, the rendezvous table, and the control/proxy/public
// listeners.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayfab/relayfab/internal/cluster/server"
	"github.com/relayfab/relayfab/internal/config"
	"github.com/relayfab/relayfab/internal/logging"
	"github.com/relayfab/relayfab/internal/metrics"
	"github.com/relayfab/relayfab/internal/store"
	"github.com/relayfab/relayfab/internal/validator"
)

var version = "dev"

func main() {
	cfg := config.LoadServer()

	flag.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "control-plane listen address")
	flag.StringVar(&cfg.ProxyAddr, "proxy-addr", cfg.ProxyAddr, "proxy-port listen address")
	flag.StringVar(&cfg.PublicAddr, "public-addr", cfg.PublicAddr, "public listen address")
	flag.StringVar(&cfg.ValidatorURL, "validator-url", cfg.ValidatorURL, "external credential database/cache URL")
	flag.StringVar(&cfg.BootstrapKey, "bootstrap-key", cfg.BootstrapKey, "static fallback key accepted when the validator is unreachable")
	flag.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the relayfab operational bolt database")
	monitor := flag.String("monitor", "", "write current metrics to the given path in Prometheus text format, then exit")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	fmt.Println("relayfab-server " + version)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *monitor != "" {
		if err := metrics.WriteTextfile(*monitor); err != nil {
			log.Error("monitor snapshot failed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	upstreamValidator := newUpstreamValidator(cfg.ValidatorURL, log)
	bootstrapHash := validator.HashToken(cfg.BootstrapKey)
	bootstrap, err := validator.NewBootstrap(upstreamValidator, cfg.BootstrapKey, log.Logger, func() {
		metrics.ValidatorFallbackTotal.Inc()
		if err := db.RememberBootstrapUse(bootstrapHash); err != nil {
			log.Warn("failed to record bootstrap key use", "error", err)
		}
	})
	if err != nil {
		log.Error("failed to configure bootstrap validator", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		ControlAddr:         cfg.ControlAddr,
		ProxyAddr:           cfg.ProxyAddr,
		PublicAddr:          cfg.PublicAddr,
		ValidateToken:       bootstrap.Validate,
		ValidateCreds:       newCredentialValidator(cfg.ValidatorURL, log),
		IssueToken:          newTokenIssuer(),
		Audit:               db,
		PendingTimeout:      cfg.PendingTimeout,
		HeartbeatStaleAfter: cfg.HeartbeatStaleAfter,
	}, log.Logger)

	if err := srv.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	srv.Stop()
}
