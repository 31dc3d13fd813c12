// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the PuzzleHub CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "puzzlehubd",
		Short: "PuzzleHub - a collaborative crossword backend",
		Long: `PuzzleHub serves real-time collaborative crossword games:
an event-sourced game/room log, a websocket stream for live play, and a
public puzzle catalog.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}
