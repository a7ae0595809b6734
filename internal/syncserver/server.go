// Package syncserver implements the server-side half of the sync engine:
// the commit log & push pipeline and the snapshot + pull pipeline. It
// operates against one partition's storage.DB at a time; callers supply a
// partition-scoped handle (see internal/api/dbpool.go for how partitions
// map to SQLite files on disk).
package syncserver

import (
	"sync"

	"github.com/marcus/tdsync/internal/broadcast"
	"github.com/marcus/tdsync/internal/scope"
	"github.com/marcus/tdsync/internal/storage"
)

// Server bundles the dependencies the push/pull pipelines need: a
// partition's storage handle, the scope engine that classifies rows, a
// best-effort broadcaster, and this instance's id for echo suppression.
type Server struct {
	DB          storage.DB
	Scopes      *scope.Engine
	Broadcast   broadcast.Broadcaster
	InstanceID  string
	PartitionID string

	locks *PartitionLocks
}

// NewServer wires a Server for one partition. locks must be shared across
// every Server instance touching the same underlying database file so that
// commit_seq allocation for a given partition never interleaves across
// concurrent writers.
func NewServer(db storage.DB, scopes *scope.Engine, bc broadcast.Broadcaster, instanceID, partitionID string, locks *PartitionLocks) *Server {
	return &Server{DB: db, Scopes: scopes, Broadcast: bc, InstanceID: instanceID, PartitionID: partitionID, locks: locks}
}

// PartitionLocks serializes commit-log writers per partition_id so that
// commit_seq allocation for a single partition never interleaves across
// concurrent goroutines, matching the §5 concurrency requirement. Reads
// (pull) do not take this lock.
type PartitionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPartitionLocks creates an empty lock table.
func NewPartitionLocks() *PartitionLocks {
	return &PartitionLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the named partition's write lock and returns the unlock
// function.
func (p *PartitionLocks) Lock(partitionID string) func() {
	p.mu.Lock()
	l, ok := p.locks[partitionID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[partitionID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
