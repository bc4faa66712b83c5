// Command doselog runs the offline-first dose tracker's sync core from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/doselog/doselog/internal/config"
	"github.com/doselog/doselog/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	// Missing .env is fine; environment variables take precedence anyway.
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(os.Stderr, cfg.LogLevel)

	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
