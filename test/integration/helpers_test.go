package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

// testConfig returns a fast-polling memory-store config under a temp dir.
func testConfig(t testing.TB) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.WALPath = filepath.Join(dir, "tasks.wal")
	cfg.Storage.SnapshotPath = filepath.Join(dir, "tasks.snapshot.json")
	cfg.Storage.SnapshotInterval = 0
	cfg.Scheduler.NodeID = "node-it"
	cfg.Scheduler.Workers = 8
	cfg.Scheduler.BatchSize = 32
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Scheduler.BaseDelay = 10 * time.Millisecond
	cfg.Scheduler.Jitter = 0
	cfg.Scheduler.MaxRetries = 3
	cfg.Metrics.Enabled = false
	return cfg
}

// delivery is a notify.send stand-in that counts calls per task and fails
// the first attempt of every task whose payload n is a multiple of failEvery.
type delivery struct {
	failEvery int

	mu    sync.Mutex
	calls map[string]int
}

func newDelivery(failEvery int) *delivery {
	return &delivery{failEvery: failEvery, calls: map[string]int{}}
}

func (d *delivery) handler() handler.Handler {
	return handler.NewFunc("notify.send", "", func(_ context.Context, in handler.Input) (handler.Output, error) {
		id := in.String("task_id")
		d.mu.Lock()
		d.calls[id]++
		first := d.calls[id] == 1
		d.mu.Unlock()

		if d.failEvery > 0 && first && in.Int("n", 1)%d.failEvery == 0 {
			return nil, errmodel.Retryable("notify", errors.New("gateway busy"))
		}
		return handler.Output{handler.KeyText: "delivered"}, nil
	})
}

func (d *delivery) snapshot() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.calls))
	for k, v := range d.calls {
		out[k] = v
	}
	return out
}
