package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fuseheic",
	Short: "A FUSE filesystem that serves images as on-demand HEIC",
	Long:  "fuseheic projects configured source directories through a FUSE mount, converting each recognized image to HEIC on first read and caching the result.",
}

func init() {
	rootCmd.PersistentFlags().String("config", "fuseheic.yaml", "path to config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
