package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
	"github.com/ticpu/fuse-img2heic/internal/config"
)

var purgeCacheCmd = &cobra.Command{
	Use:   "purge-cache",
	Short: "Delete every cached artifact",
	Long:  "Load the configuration and remove every entry from the artifact cache without mounting the filesystem.",
	Args:  cobra.NoArgs,
	RunE:  runPurgeCache,
}

func init() {
	rootCmd.AddCommand(purgeCacheCmd)
}

func runPurgeCache(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("purge-cache: %w", err)
	}

	cache := artifactcache.New(cfg.Cache.RootPath, cfg.Cache.MaxSizeBytes)
	if err := cache.Warmup(); err != nil {
		return fmt.Errorf("purge-cache: %w", err)
	}
	before := cache.Stats()

	if err := cache.PurgeAll(); err != nil {
		return fmt.Errorf("purge-cache: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries (%d bytes)\n", before.Entries, before.TotalBytes)
	return nil
}
