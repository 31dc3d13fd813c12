// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// NewVersionCmd prints the build-time version, commit, and date.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "puzzlehubd %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
