// Package main is the appforge command line entrypoint.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/appforge/appforge/cmd/appforge/commands"
	"github.com/appforge/appforge/internal/logger"
)

func main() {
	// Load .env if present; real environments set variables directly.
	_ = godotenv.Load()

	logger.InitializeAndConfigure()

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
