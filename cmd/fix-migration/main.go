// Package main is a repair tool for dirty migration state in the directory cache database.
// Dirty state occurs when golang-migrate marks a version as in progress and the process is
// interrupted before it completes. This tool forces the recorded version (the current one
// by default) and clears the dirty flag so the next startup can retry cleanly.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db"
)

func main() {
	target := flag.Int("version", -2, "version to force; defaults to the currently recorded version")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	force := int(version)
	if *target != -2 {
		force = *target
	}
	if !dirty && force == int(version) {
		log.Println("Migration state is already clean")
		return
	}

	log.Printf("Forcing migration version %d...", force)
	if err := db.ForceVersion(database.DB, force); err != nil {
		log.Fatalf("Failed to fix migration state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
