//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/nullstream/gemini-gateway/internal/repository"

	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestPostgresAuditRepository_RecordAndList(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresAuditRepository(db)
	ctx := context.Background()

	id := "it-" + time.Now().Format("20060102150405.000000000")
	entry := repository.AuditEntry{
		ID:           id,
		Action:       "disable",
		CredentialID: "cred-integration-test",
		Actor:        "admin-it",
		Detail:       "cooling after repeated 429s",
		CreatedAt:    time.Now(),
	}

	if err := repo.Record(ctx, entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			if e.CredentialID != entry.CredentialID {
				t.Errorf("expected credential id %s, got %s", entry.CredentialID, e.CredentialID)
			}
			break
		}
	}
	if !found {
		t.Error("recorded audit entry not found in List")
	}
}
