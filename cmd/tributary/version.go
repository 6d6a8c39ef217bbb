package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version and Build are overridden by ldflags at release time.
	Version = "0.3.0"
	Build   = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tributary version %s (%s)\n", Version, Build)
	},
}
