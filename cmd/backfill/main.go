// Backfill migrates accounts off the legacy flat-encoded folio column:
// each non-empty users.folio string is decoded into normalized holdings
// rows and the column is cleared.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/database"
)

func main() {
	godotenv.Load()
	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		log.Fatal("POSTGRES_URL is required")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer db.Close()

	repo := database.New(db, logrus.New())
	migrated, err := repo.MigrateLegacyFolios(context.Background())
	if err != nil {
		log.Fatalf("migration failed after %d accounts: %v", migrated, err)
	}
	fmt.Printf("migrated %d accounts to normalized holdings\n", migrated)
}
