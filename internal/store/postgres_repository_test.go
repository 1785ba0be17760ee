package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Runs against a disposable database named by TEST_DATABASE_URL. Tables are truncated per case.
func TestPostgresRepositoryContract(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := RunMigrations(databaseURL); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runRepositoryContract(t, repositoryHarness{
		newRepo: func(t *testing.T) Repository {
			_, err := pool.Exec(context.Background(),
				`TRUNCATE unmatched_callbacks, transactions, accounts RESTART IDENTITY CASCADE`)
			if err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return NewPostgresRepository(pool)
		},
		seedAccount: func(t *testing.T, _ Repository, id int64, wallet *string) {
			_, err := pool.Exec(context.Background(),
				`INSERT INTO accounts (id, username, wallet_address) VALUES ($1, $2, $3)`,
				id, "user", wallet)
			if err != nil {
				t.Fatalf("seed account: %v", err)
			}
		},
	})
}

func TestMigrationURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db:5432/app":   "pgx5://u:p@db:5432/app",
		"postgresql://u:p@db:5432/app": "pgx5://u:p@db:5432/app",
		"pgx5://u:p@db:5432/app":       "pgx5://u:p@db:5432/app",
	}
	for in, want := range tests {
		if got := migrationURL(in); got != want {
			t.Fatalf("migrationURL(%q) = %q, want %q", in, got, want)
		}
	}
}
