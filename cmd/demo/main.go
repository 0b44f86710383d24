// Command demo shows deferred reminders surviving a crash.
//
//	go run ./cmd/demo start     # enqueue reminders, press Ctrl+C mid-run
//	go run ./cmd/demo recover   # reopen the WAL and finish the rest
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/assistant"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

const reminders = 500

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [config]")
		os.Exit(1)
	}
	mode := os.Args[1]
	path := "configs/default.yaml"
	if len(os.Args) > 2 {
		path = os.Args[2]
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Storage.Driver = "memory"
	if cfg.Scheduler.NodeID == "" {
		cfg.Scheduler.NodeID = "demo"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := assistant.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build assistant: %v", err)
	}
	defer a.Close()

	printStats(ctx, a, "Status after opening the store")

	if mode == "start" {
		now := time.Now()
		for i := 1; i <= reminders; i++ {
			_, err := a.EnqueueDeferredTask(ctx, types.EnqueueRequest{
				Action:    "notify.send",
				Payload:   map[string]any{"text": fmt.Sprintf("reminder %03d", i)},
				RunAt:     now.Add(time.Duration(i) * 20 * time.Millisecond),
				SessionID: "demo",
			})
			if err != nil {
				log.Fatalf("Failed to enqueue: %v", err)
			}
		}
		fmt.Printf("✓ Enqueued %d reminders due over the next %s\n", reminders, reminders*20*time.Millisecond)
		fmt.Println("💡 Press Ctrl+C (or kill -9) before they all fire, then run 'recover'")
	}

	if err := a.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			return
		case <-ticker.C:
			printStats(ctx, a, "Progress")
		}
	}
}

func printStats(ctx context.Context, a *assistant.Assistant, title string) {
	stats, err := a.Stats(ctx)
	if err != nil {
		log.Printf("stats: %v", err)
		return
	}
	fmt.Printf("📊 %s: pending=%v running=%v failed=%v succeeded=%v dead=%v\n", title,
		stats["pending"], stats["running"], stats["failed"], stats["succeeded"], stats["dead_lettered"])
}
