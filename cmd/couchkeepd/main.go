package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/couchkeep/couchkeep/pkg/config"
	"github.com/couchkeep/couchkeep/pkg/log"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "couchkeepd",
	Short: "couchkeepd is a local, embeddable CouchDB-replication-protocol document store",
	Long: `couchkeepd stores JSON documents under a revision tree with MVCC,
keeps a content-addressed blob store for attachments, and can pull-replicate
from any CouchDB-compatible endpoint.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"couchkeepd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.BindFlags(rootCmd.PersistentFlags())

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(compactCmd)
}

func initLogging() {
	cfg := loadConfig()
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

// loadConfig reads --config (if given) and overlays any explicitly set
// persistent flags on top of it.
func loadConfig() config.Config {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		cfg = config.Default()
	}
	return config.ApplyFlags(cfg, rootCmd.PersistentFlags())
}
