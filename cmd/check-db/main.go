// Package main is a diagnostic tool for the directory cache database. It connects with the
// service configuration, prints the cache size and the most recent sync events, and exits
// non-zero on any failure so it can gate deployments on a reachable, populated database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/repositories"
)

func main() {
	limit := flag.Int("events", 5, "number of recent sync events to print")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	users := repositories.NewDirectoryUserRepository(database)
	count, err := users.Count(ctx)
	if err != nil {
		log.Fatalf("Failed to count cached users: %v", err)
	}
	fmt.Printf("\n=== DIRECTORY CACHE ===\nCached users: %d\n", count)

	events, err := repositories.NewSyncEventRepository(database).List(ctx, cfg.Sync.EventType, *limit)
	if err != nil {
		log.Fatalf("Failed to list sync events: %v", err)
	}

	fmt.Println("\n=== RECENT SYNC EVENTS ===")
	if len(events) == 0 {
		fmt.Println("No sync events found!")
		return
	}
	for _, ev := range events {
		fmt.Printf("%s  %-11s %s\n", ev.WatermarkAt.Format(time.RFC3339), ev.Mode, ev.Details)
	}
}
