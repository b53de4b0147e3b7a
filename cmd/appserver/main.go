// The app server is a stateless worker: it registers with the broker for
// an id, then serves client requests from the backend channel while its
// periodic loops keep the control plane informed (heartbeats, membership,
// election, clock sync, simulated drift).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"redesocial/internal/appserver"
	"redesocial/internal/config"
	"redesocial/internal/logging"
)

func main() {
	cfg := loadConfig()

	// Bootstrap logger only; the server switches to its per-id log file
	// once the broker assigns the server id.
	log, closeLog := logging.New("appserver", "", "", cfg.Debug)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	srv := appserver.New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("app server failed")
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
