// Package main is a diagnostic tool that checks database connectivity and prints a
// summary of the gateway tables: linked organizations, cached installation tokens,
// outstanding connect states and archived certificates. It exits non-zero on any
// failure so it can gate a deployment step.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/db"
	"github.com/carbon-marketplace/icr-marketplace/internal/db/repositories"
)

func main() {
	_ = godotenv.Load()

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

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	fmt.Println("\n=== ORGANIZATIONS ===")
	orgs, err := repositories.NewOrganizationRepository(database).List(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	for _, org := range orgs {
		installation := org.InstallationID
		if installation == "" {
			installation = "none"
		}
		fmt.Printf("Organization: %s %q (installation: %s, suspended: %v)\n",
			org.ID, org.FullName, installation, org.IsSuspended)
	}
	if len(orgs) == 0 {
		fmt.Println("No organizations linked!")
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	now := time.Now()
	counts := []struct {
		label string
		query string
	}{
		{"Valid access tokens", "SELECT COUNT(*) FROM access_tokens WHERE expires_at > $1"},
		{"Expired access tokens", "SELECT COUNT(*) FROM access_tokens WHERE expires_at <= $1"},
		{"Open connect states", "SELECT COUNT(*) FROM pending_states WHERE consumed_at IS NULL AND expires_at > $1"},
	}
	fmt.Println("\n=== TOKENS AND STATES ===")
	for _, c := range counts {
		var n int
		if err := sqlxDB.GetContext(ctx, &n, c.query, now); err != nil {
			log.Fatalf("%s: query failed: %v", c.label, err)
		}
		fmt.Printf("%s: %d\n", c.label, n)
	}

	var certificates int
	if err := sqlxDB.GetContext(ctx, &certificates, "SELECT COUNT(*) FROM retirement_certificates"); err != nil {
		log.Fatalf("Certificates: query failed: %v", err)
	}
	fmt.Printf("Archived certificates: %d\n", certificates)
}
