package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/tdsync/internal/api"
	"github.com/marcus/tdsync/internal/serverdb"
	"github.com/marcus/tdsync/internal/syncserver"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the server database and every project partition",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := api.LoadConfig()

	// serverdb.Open applies its own migrations as part of opening.
	store, err := serverdb.Open(cfg.ServerDBPath)
	if err != nil {
		return fmt.Errorf("migrate server db: %w", err)
	}
	store.Close()
	fmt.Printf("server db migrated: %s\n", cfg.ServerDBPath)

	entries, err := os.ReadDir(cfg.ProjectDataDir)
	if os.IsNotExist(err) {
		fmt.Println("no project data directory yet, nothing to migrate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read project data dir: %w", err)
	}

	migrated := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dbPath := filepath.Join(cfg.ProjectDataDir, e.Name(), "sync.db")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			continue
		}
		if err := migrateProjectDB(dbPath); err != nil {
			return fmt.Errorf("migrate project %s: %w", e.Name(), err)
		}
		migrated++
	}
	fmt.Printf("migrated %d project partition(s)\n", migrated)
	return nil
}

func migrateProjectDB(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return syncserver.InitSchema(context.Background(), db)
}
