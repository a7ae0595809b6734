package api

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus/tdsync/internal/storage"
	"github.com/marcus/tdsync/internal/syncserver"
	_ "modernc.org/sqlite"
)

// ProjectDBPool manages per-project SQLite connections backing each
// project's partition commit log. A project is a partition: its
// commit/change/row-version tables live in <dataDir>/<projectID>/sync.db.
type ProjectDBPool struct {
	mu        sync.RWMutex
	dbs       map[string]*sql.DB
	dataDir   string
	maxParams int
}

// NewProjectDBPool creates a new pool that stores project databases under dataDir.
func NewProjectDBPool(dataDir string, maxParams int) *ProjectDBPool {
	return &ProjectDBPool{
		dbs:       make(map[string]*sql.DB),
		dataDir:   dataDir,
		maxParams: maxParams,
	}
}

// Get returns the partition database for the given project, opening it
// lazily and initializing the commit-log schema if needed.
func (p *ProjectDBPool) Get(projectID string) (storage.DB, error) {
	p.mu.RLock()
	db, ok := p.dbs[projectID]
	p.mu.RUnlock()
	if ok {
		return storage.New(db, p.maxParams), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[projectID]; ok {
		return storage.New(db, p.maxParams), nil
	}

	dbPath := filepath.Join(p.dataDir, projectID, "sync.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("project database not found: %s", projectID)
	}

	db, err := openProjectDB(dbPath)
	if err != nil {
		return nil, err
	}

	p.dbs[projectID] = db
	return storage.New(db, p.maxParams), nil
}

// Create creates a new project database directory and initializes its
// partition schema.
func (p *ProjectDBPool) Create(projectID string) (storage.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[projectID]; ok {
		return storage.New(db, p.maxParams), nil
	}

	dir := filepath.Join(p.dataDir, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	dbPath := filepath.Join(dir, "sync.db")
	db, err := openProjectDB(dbPath)
	if err != nil {
		return nil, err
	}

	p.dbs[projectID] = db
	return storage.New(db, p.maxParams), nil
}

// CloseAll closes all open project database connections.
func (p *ProjectDBPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, db := range p.dbs {
		db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		db.Close()
		delete(p.dbs, id)
	}
}

// openProjectDB opens a SQLite connection for a project's partition with
// standard pragmas.
func openProjectDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open project db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if err := syncserver.InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init partition schema: %w", err)
	}

	return db, nil
}
