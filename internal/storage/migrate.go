package storage

import (
	"database/sql"
	"fmt"
	"os"
)

// RunMigrations applies a single SQL file. Schema ownership lives with the
// CRUD backend; this only bootstraps local runs.
func RunMigrations(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if _, err := db.Exec(string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}
