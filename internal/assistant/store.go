package assistant

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/memstore"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/sqlstore"
)

// OpenStore opens the task store selected by storage.driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		st, err := memstore.Open(memstore.Options{
			WALPath:      cfg.WALPath,
			SnapshotPath: cfg.SnapshotPath,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "postgres":
		st, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
