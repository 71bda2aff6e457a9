// Package store implements the community node's durable relational
// store (§4.1 of the specification): schema migration, legacy JSON
// import, typed CRUD per entity, and the cross-entity cascade
// operations (purge, channel delete, channel reorder, audit insert
// with eviction).
//
// Storage is a single SQLite database opened with zombiezen.com/go/sqlite,
// write-ahead logging, and foreign keys enabled. Multi-statement
// mutations run inside a single IMMEDIATE transaction so a crash or
// concurrent writer never observes a half-applied cascade.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/clock"
)

// Config holds the parameters for opening the store.
type Config struct {
	// Dir is the runtime data directory (REMUS_RUNTIME_DIR/data). The
	// database file lives at Dir/community.db.
	Dir string

	// PoolSize is the number of pooled connections. Defaults to
	// max(runtime.NumCPU(), 4) when zero.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the community node's persistence layer.
type Store struct {
	pool   *pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// Open runs the full bring-up sequence of §4.1 and returns a ready
// Store: ensure the runtime directory, salvage/backup a corrupt or
// legacy JSON database file, open with WAL and foreign keys, migrate
// the schema, backfill channel positions, import a legacy export when
// the store is empty, and seed the node guild with its default roles
// and channels.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dbPath, err := bringUpFile(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}

	p, err := openPool(poolConfig{Path: dbPath, PoolSize: cfg.PoolSize, Logger: logger})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening database")
	}

	s := &Store{pool: p, clock: cfg.Clock, logger: logger, path: dbPath}

	if err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return migrateSchema(conn, logger)
	}); err != nil {
		p.Close()
		return nil, apperr.Wrap(apperr.Internal, err, "migrating schema")
	}

	if err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		return backfillChannelPositions(conn)
	}); err != nil {
		p.Close()
		return nil, apperr.Wrap(apperr.Internal, err, "backfilling channel positions")
	}

	empty, err := s.tablesEmpty(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	if empty {
		if imported, err := s.tryImportLegacy(ctx, cfg.Dir); err != nil {
			p.Close()
			return nil, err
		} else if imported {
			logger.Info("legacy export imported")
		}
	}

	if err := s.ensureNodeGuild(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.pool.Close() }

// withConn borrows a connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTxn runs fn inside a single IMMEDIATE transaction, matching
// §4.1's "Concurrency" requirement that multi-statement mutations be
// transactional.
func (s *Store) withTxn(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		endTxn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTxn(&err)
		return fn(conn)
	})
}

func (s *Store) tablesEmpty(ctx context.Context) (bool, error) {
	var count int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM guilds", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "checking store emptiness")
	}
	return count == 0, nil
}

// newID returns a fresh opaque identifier. Every entity ID in the
// store is a UUIDv4 string, per the teacher's convention of using
// google/uuid throughout for on-disk identifiers.
func newID() string { return uuid.NewString() }

// mapSQLiteError classifies a raw sqlite error into the store's
// external error kinds. Constraint violations (unique, foreign key)
// surface as Conflict; anything else is Internal, matching §4.1's
// "Fails with InvalidDatabase ... fails with NotFound/Conflict ... all
// other failures are fatal."
func mapSQLiteError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "constraint") {
		return apperr.Wrap(apperr.Conflict, err, "%s", msg)
	}
	return apperr.Wrap(apperr.Internal, err, "%s", msg)
}
