package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
)

// setupLog keeps logging away from the protocol stream. Logs default to
// stderr; AGIVOX_LOGFILE redirects them to a file for dialplans that do not
// capture stderr. It returns a closer for the log destination.
func setupLog() (func() error, error) {
	log.SetOutput(os.Stderr)
	log.SetTimeFormat("15:04:05")
	if debug, _ := strconv.ParseBool(os.Getenv("AGIVOX_DEBUG")); debug {
		log.SetLevel(log.DebugLevel)
	}

	logFile := os.Getenv("AGIVOX_LOGFILE")
	if logFile == "" {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("error setting up logging: %w", err)
	}
	log.SetOutput(f)
	return f.Close, nil
}
