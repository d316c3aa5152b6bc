// Command relayfab-agent runs one fabric agent: it authenticates to a
// relayfab-server's control plane, registers, and services rendezvous
// requests by splicing the public caller's connection to a local
// service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relayfab/relayfab/internal/cluster/agent"
	"github.com/relayfab/relayfab/internal/config"
	"github.com/relayfab/relayfab/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.LoadAgent()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	fmt.Println("relayfab-agent " + version)
	fmt.Printf("RELAYFAB_SERVER_CONTROL_ADDR=%s\n", cfg.ServerControlAddr)
	fmt.Printf("RELAYFAB_SERVER_PROXY_ADDR=%s\n", cfg.ServerProxyAddr)
	fmt.Printf("RELAYFAB_LOCAL_SERVICE_ADDR=%s\n", cfg.LocalServiceAddr)

	a, err := agent.New(agent.Config{
		ServerControlAddr: cfg.ServerControlAddr,
		ServerProxyAddr:   cfg.ServerProxyAddr,
		LocalServiceAddr:  cfg.LocalServiceAddr,
		ClientID:          cfg.ClientID,
		Email:             cfg.Email,
		Password:          cfg.Password,
		Token:             cfg.Token,
		DataDir:           cfg.DataDir,
	}, log.Logger)
	if err != nil {
		log.Error("failed to initialise agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
}
