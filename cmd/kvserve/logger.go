package main

import (
	"log/slog"
	"os"

	"github.com/kvserve/kvserve/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "kvserve")
	logging.Set(l)
	return l
}
