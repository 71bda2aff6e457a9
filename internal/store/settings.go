package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/model"
)

// getSettingsConn reads the singleton settings row on an already-held
// connection, falling back to model.DefaultSettings when absent (a
// fresh database before ensureNodeGuild has run its first INSERT).
func getSettingsConn(conn *sqlite.Conn) (model.Settings, error) {
	settings := model.DefaultSettings
	found := false
	err := sqlitex.Execute(conn, `SELECT audit_max_entries, timeout_max_minutes FROM settings WHERE id = 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			settings.AuditMaxEntries = int(stmt.ColumnInt64(0))
			settings.TimeoutMaxMinutes = int(stmt.ColumnInt64(1))
			found = true
			return nil
		},
	})
	if err != nil {
		return model.Settings{}, mapSQLiteError(err, "reading settings")
	}
	if !found {
		return model.DefaultSettings, nil
	}
	return settings, nil
}

// GetSettings returns the node's singleton settings row.
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	var settings model.Settings
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		settings, err = getSettingsConn(conn)
		return err
	})
	return settings, err
}

// UpdateSettings overwrites the node's singleton settings row.
func (s *Store) UpdateSettings(ctx context.Context, settings model.Settings) (model.Settings, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO settings (id, audit_max_entries, timeout_max_minutes) VALUES (1, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET audit_max_entries = excluded.audit_max_entries, timeout_max_minutes = excluded.timeout_max_minutes`,
			&sqlitex.ExecOptions{Args: []any{settings.AuditMaxEntries, settings.TimeoutMaxMinutes}})
	})
	if err != nil {
		return model.Settings{}, mapSQLiteError(err, "updating settings")
	}
	return settings, nil
}
