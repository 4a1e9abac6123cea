package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-relay/internal/app"
	"github.com/suPer8Hu/chat-relay/internal/db"
)

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP edge and the stream workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			deps, err := app.Open(ctx, cfg)
			if err != nil {
				return err
			}
			a := app.New(cfg, deps)
			if !skipMigrate {
				if err := db.Migrate(deps.DB); err != nil {
					a.Close()
					return err
				}
			}

			log.Info().Str("queue", cfg.QueueBackend).Int("concurrency", cfg.WorkerConcurrency).Msg("chatrelay starting")
			err = a.Run(ctx)
			log.Info().Msg("chatrelay stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply schema migrations on start")
	return cmd
}
