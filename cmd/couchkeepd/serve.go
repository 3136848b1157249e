package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/couchkeep/couchkeep/pkg/adminserver"
	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/events"
	"github.com/couchkeep/couchkeep/pkg/log"
	"github.com/couchkeep/couchkeep/pkg/security"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the couchkeepd daemon: datastore plus the admin HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		broker := events.NewBroker()

		store, err := datastore.Open(cfg.DataDir, nil, broker)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer store.Close()

		var tlsConfig *tls.Config
		if cfg.Admin.TLSCert != "" && cfg.Admin.TLSKey != "" {
			c, err := security.TLSConfig(cfg.Admin.TLSCert, cfg.Admin.TLSKey, cfg.Admin.CACert)
			if err != nil {
				return fmt.Errorf("build admin TLS config: %w", err)
			}
			tlsConfig = c
		}

		admin := adminserver.New(cfg.Admin.Listen, store, broker, tlsConfig)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			if err := admin.Start(ctx); err != nil {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()

		log.Logger.Info().Str("data_dir", cfg.DataDir).Str("admin_listen", cfg.Admin.Listen).Msg("couchkeepd serving")

		select {
		case <-ctx.Done():
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			return err
		}

		return nil
	},
}
