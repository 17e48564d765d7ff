package main

import (
	"os"

	"hrwatch/internal/cli"
	"hrwatch/internal/logging"
)

func main() {
	logger := logging.NewLogger(os.Getenv("HRWATCH_LOG_LEVEL"))
	if err := cli.NewRoot(logger).Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
