// The data store is the single authoritative state process: users, the
// follow graph, the post log, and private conversations, all in memory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"redesocial/internal/config"
	"redesocial/internal/datastore"
	"redesocial/internal/logging"
)

func main() {
	cfg := loadConfig()

	log, closeLog := logging.New("datastore", cfg.LogDir, "banco.log", cfg.Debug)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	svc := datastore.NewService(cfg.DataStore.Addr, datastore.NewStore(), log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("data store failed")
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
