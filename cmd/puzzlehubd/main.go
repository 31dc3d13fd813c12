// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package main is the entry point for the PuzzleHub server.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		slog.Error("puzzlehubd exited with error", "error", err)
		os.Exit(1)
	}
}
