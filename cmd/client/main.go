package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"e2e_relay/internal/config"
	"e2e_relay/internal/service/app"
	"e2e_relay/internal/utils/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "relay address, overrides client.server_addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Client.ServerAddr = *addr
	}

	// the terminal belongs to the UI, so logs go to a file unless configured
	if len(cfg.Log.Outputs) == 1 && (cfg.Log.Outputs[0] == "stderr" || cfg.Log.Outputs[0] == "stdout") {
		cfg.Log.Outputs = []string{"e2e_relay_client.log"}
	}
	if _, err := log.Setup(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.NewApp(cfg.Client)
	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	if err := a.Run(ctx); err != nil {
		log.Error("client stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
