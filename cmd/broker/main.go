// The broker is the cluster front door: it load-balances client requests
// across the attached app servers and hosts the control plane (server
// registry, heartbeat liveness, leader lookup, clock-sync and notification
// fan-out).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"redesocial/internal/broker"
	"redesocial/internal/config"
	"redesocial/internal/logging"
)

func main() {
	cfg := loadConfig()

	log, closeLog := logging.New("broker", cfg.LogDir, "proxy.log", cfg.Debug)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	svc := broker.NewService(cfg.Broker, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker failed")
	}
}

func loadConfig() *config.Config {
	if len(os.Args) >= 2 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
			os.Exit(1)
		}
		return cfg
	}
	return config.Default()
}
