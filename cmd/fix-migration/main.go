// Package main clears a dirty migration state in the gateway database. golang-migrate
// marks a version dirty when a migration is interrupted, and the server refuses to
// start until the flag is cleared. The tool forces the recorded version so the next
// `migrate up` retries cleanly.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/db"
)

func main() {
	previous := flag.Bool("previous", false, "force the version before the dirty one, so it is re-applied on the next migrate up")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	target := int(version)
	if *previous {
		target--
		if target == 0 {
			target = -1 // no migrations applied
		}
	}
	if err := db.ForceMigrationVersion(database, target); err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	fmt.Printf("Final migration state: version=%d, dirty=%v\n", version, dirty)
}
