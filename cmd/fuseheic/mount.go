package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/ticpu/fuse-img2heic/internal/artifactcache"
	"github.com/ticpu/fuse-img2heic/internal/config"
	"github.com/ticpu/fuse-img2heic/internal/convpipe"
	"github.com/ticpu/fuse-img2heic/internal/heicenc"
	"github.com/ticpu/fuse-img2heic/internal/heicfs"
	"github.com/ticpu/fuse-img2heic/internal/imgformat"
	"github.com/ticpu/fuse-img2heic/internal/pathmap"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the HEIC-projecting filesystem",
	Long:  "Load the configuration, build the conversion pipeline, and mount the filesystem. Blocks until unmounted or signaled.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	if len(args) == 1 {
		cfg.MountPoint = args[0]
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	}

	cache := artifactcache.New(cfg.Cache.RootPath, cfg.Cache.MaxSizeBytes)
	if err := cache.Warmup(); err != nil {
		return fmt.Errorf("mount: warming cache: %w", err)
	}
	if verbose {
		stats := cache.Stats()
		log.Printf("cache warmed: %d entries, %d bytes", stats.Entries, stats.TotalBytes)
	}

	roots := make([]pathmap.SourceRoot, len(cfg.SourcePaths))
	for i, sr := range cfg.SourcePaths {
		detector, err := imgformat.NewDetector(sr.Patterns)
		if err != nil {
			return fmt.Errorf("mount: sourcePaths[%d]: %w", i, err)
		}
		roots[i] = pathmap.SourceRoot{
			RealRoot:  sr.Path,
			MountName: sr.MountName,
			Recursive: sr.Recursive,
			Detector:  detector,
		}
	}

	mapper, err := pathmap.New(roots, cfg.MountPoint)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	encParams := heicenc.Params{
		Quality:   cfg.Heic.Quality,
		Speed:     cfg.Heic.Speed,
		Chroma:    cfg.Heic.Chroma,
		MaxWidth:  cfg.Heic.MaxWidth,
		MaxHeight: cfg.Heic.MaxHeight,
	}
	encode := func(realPath string) ([]byte, error) {
		return heicenc.Encode(realPath, encParams)
	}

	pipeline, err := convpipe.New(cfg.Workers, cache, encode)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	fs := heicfs.New(mapper, cache, pipeline)

	opts := &fuse.MountOptions{
		FsName:         "fuseheic",
		Name:           "fuseheic",
		SingleThreaded: false,
		Debug:          verbose,
	}

	server, err := fuse.NewServer(fs, cfg.MountPoint, opts)
	if err != nil {
		return fmt.Errorf("mount: mounting at %q: %w", cfg.MountPoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, unmounting", sig)
		if err := server.Unmount(); err != nil {
			log.Printf("warning: unmount: %v", err)
		}
	}()

	server.Serve()
	return nil
}
