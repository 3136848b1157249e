package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/events"
	"github.com/couchkeep/couchkeep/pkg/interceptor"
	"github.com/couchkeep/couchkeep/pkg/log"
	"github.com/couchkeep/couchkeep/pkg/replicator"
)

var (
	pullRemote             string
	pullFilter             string
	pullHeartbeat          time.Duration
	pullMaxOpenConnections int
	pullBasicAuthUser      string
	pullBasicAuthPassword  string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run a single pull replication from a remote CouchDB-compatible database until caught up",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pullRemote == "" {
			return fmt.Errorf("--remote is required")
		}
		cfg := loadConfig()

		broker := events.NewBroker()

		store, err := datastore.Open(cfg.DataDir, nil, broker)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer store.Close()

		httpClient := &http.Client{}
		if pullBasicAuthUser != "" {
			httpClient.Transport = interceptor.NewChain(nil, &interceptor.BasicAuthInterceptor{
				Username: pullBasicAuthUser,
				Password: pullBasicAuthPassword,
			})
		}

		rep := replicator.New(replicator.Config{
			Remote:             pullRemote,
			HTTPClient:         httpClient,
			FilterName:         pullFilter,
			Heartbeat:          pullHeartbeat,
			MaxOpenConnections: pullMaxOpenConnections,
		}, store, broker)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Logger.Info().Str("remote", pullRemote).Msg("pull replication starting")
		if err := rep.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("replication failed: %w", err)
		}

		status := rep.Status()
		log.Logger.Info().Int64("revisions_pulled", status.RevisionsPulled).Msg("pull replication finished")
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullRemote, "remote", "", "source database base URL, e.g. http://host:5984/db")
	pullCmd.Flags().StringVar(&pullFilter, "filter", "", "named filter function to apply to the remote _changes feed")
	pullCmd.Flags().DurationVar(&pullHeartbeat, "heartbeat", 0, "changes feed heartbeat interval")
	pullCmd.Flags().IntVar(&pullMaxOpenConnections, "max-open-connections", 12, "maximum concurrent in-flight HTTP requests to the remote")
	pullCmd.Flags().StringVar(&pullBasicAuthUser, "basic-auth-user", "", "HTTP basic auth username for the remote")
	pullCmd.Flags().StringVar(&pullBasicAuthPassword, "basic-auth-password", "", "HTTP basic auth password for the remote")
}
