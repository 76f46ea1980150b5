package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
	"github.com/ticpu/fuse-img2heic/internal/config"
)

var warmCacheCmd = &cobra.Command{
	Use:   "warm-cache",
	Short: "Rebuild the cache index from disk",
	Long:  "Load the configuration and run the artifact cache's warmup pass standalone, reporting the number of recovered entries and their total size, without mounting the filesystem. Files that do not match the cache layout are deleted but not counted.",
	Args:  cobra.NoArgs,
	RunE:  runWarmCache,
}

func init() {
	rootCmd.AddCommand(warmCacheCmd)
}

func runWarmCache(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("warm-cache: %w", err)
	}

	cache := artifactcache.New(cfg.Cache.RootPath, cfg.Cache.MaxSizeBytes)
	if err := cache.Warmup(); err != nil {
		return fmt.Errorf("warm-cache: %w", err)
	}

	stats := cache.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d entries (%d bytes)\n", stats.Entries, stats.TotalBytes)
	return nil
}
