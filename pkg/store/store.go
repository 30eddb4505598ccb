// Package store implements the durable, transactional record of all CWA
// audit data, settings, and scheduled jobs, backed by cwa.db.
package store

import (
	"github.com/uptrace/bun"
)

// Store owns the cwa.db connection. All write paths in the system pass
// through a Store so every mutation is auditable.
type Store struct {
	db *bun.DB
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying bun.DB for collaborators (e.g. joblogs) that
// need direct query access beyond the Store's own operations.
func (s *Store) DB() *bun.DB {
	return s.db
}
