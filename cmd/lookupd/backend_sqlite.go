//go:build sqlite

package main

import (
	"log/slog"

	"github.com/VsevolodSauta/lookuppool"
)

func openSQLite(path string, logger *slog.Logger) (lookuppool.HistoryBackend, error) {
	return lookuppool.NewSQLiteBackend(path, logger)
}
