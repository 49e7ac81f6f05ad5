package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/genesishq/genesis/pkg/store"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
	down        = flag.Bool("down", false, "Roll back the most recent migration instead of applying")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Genesis Schema Migration Tool")
	log.Println("=============================")

	url := *databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		log.Fatal("DATABASE_URL is required (flag --database-url or environment)")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	if *down {
		log.Println("Rolling back most recent migration...")
		if err := store.MigrateDown(db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("✓ Rollback completed successfully")
		return
	}

	log.Println("Applying pending migrations...")
	if err := store.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Migrations applied successfully")
}
