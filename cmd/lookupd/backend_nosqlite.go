//go:build !sqlite

package main

import (
	"errors"
	"log/slog"

	"github.com/VsevolodSauta/lookuppool"
)

func openSQLite(string, *slog.Logger) (lookuppool.HistoryBackend, error) {
	return nil, errors.New("sqlite backend not compiled in; rebuild with -tags sqlite")
}
