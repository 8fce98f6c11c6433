package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"strategia.ai/internal/persistence/indexdb"
	"strategia.ai/internal/sim/catalogs"
	"strategia.ai/internal/sim/tuning"
	"strategia.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.FlushLogger
	world.SessionLogger
	Close() error
	UpsertCatalog(cat *catalogs.Catalog, tune tuning.Tuning) error
	RecentFlushes(ctx context.Context, limit int) ([]indexdb.FlushRow, error)
	SessionEvents(ctx context.Context, clientID string) ([]world.SessionEntry, error)
	Stats() indexdb.Stats
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SG_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(worldDir, "index", "world.sqlite")
		return indexdb.OpenSQLite(dbPath)
	default:
		return nil, fmt.Errorf("unsupported SG_INDEX_BACKEND: %s", backend)
	}
}
