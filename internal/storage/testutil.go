package storage

import (
	"os"
	"testing"
)

// SetupTestDB connects to the integration test database, running migrations
// first. Tests are skipped when no database is reachable.
func SetupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	cfg := DefaultConfig()
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	db, err := NewDB(cfg)
	if err != nil {
		t.Skipf("Failed to connect to test database: %v. Set DB_HOST, DB_PORT, etc. to run integration tests", err)
	}

	if err := RunMigrations(cfg, "./../../migrations"); err != nil {
		if err := RunMigrations(cfg, "../../../migrations"); err != nil {
			t.Logf("Warning: Failed to run migrations: %v", err)
		}
	}

	cleanup := func() {
		for _, table := range []string{
			"tag", "integrity", "workflow_files", "file_pfn", "file_meta", "file",
			"task_meta", "workflow_meta", "invocation", "jobstate", "job_instance",
			"task_edge", "task", "job_edge", "job", "host", "workflowstate", "workflow",
		} {
			db.Exec("TRUNCATE TABLE " + table + " CASCADE")
		}
		db.Close()
	}

	return db, cleanup
}
