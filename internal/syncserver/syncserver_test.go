package syncserver

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/marcus/tdsync/internal/broadcast"
	"github.com/marcus/tdsync/internal/scope"
	"github.com/marcus/tdsync/internal/storage"
)

// newTestServer opens an in-memory partition database and wires a Server
// around it, mirroring internal/api/dbpool.go's per-project construction.
func newTestServer(t *testing.T, scopes *scope.Engine) *Server {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if err := InitSchema(context.Background(), sqlDB); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	db := storage.New(sqlDB, 900)
	if scopes == nil {
		scopes = scope.NewEngine()
	}
	return NewServer(db, scopes, broadcast.NewInMemory(), "test-instance", "proj-1", NewPartitionLocks())
}

func projectScopeEngine() *scope.Engine {
	e := scope.NewEngine()
	pat, _ := scope.ParsePattern("project:{project_id}")
	e.Register(scope.TableConfig{
		Table:    "tasks",
		Patterns: []scope.Pattern{pat},
		Expr: func(table string, row map[string]any, params []string) ([]string, bool) {
			v, ok := row["project_id"].(string)
			if !ok || v == "" {
				return nil, false
			}
			return []string{v}, nil
		},
	})
	return e
}
