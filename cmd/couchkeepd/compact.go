package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/log"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the datastore: drop the bodies of superseded revisions and unreferenced attachment blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		store, err := datastore.Open(cfg.DataDir, nil, nil)
		if err != nil {
			return fmt.Errorf("open datastore: %w", err)
		}
		defer store.Close()

		log.Logger.Info().Str("data_dir", cfg.DataDir).Msg("compaction starting")
		if err := store.Compact(); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		log.Logger.Info().Msg("compaction complete")
		return nil
	},
}
