package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// GetGuild returns the node's single guild.
func (s *Store) GetGuild(ctx context.Context, id string) (model.Guild, error) {
	var (
		g     model.Guild
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, name, created_at FROM guilds WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				g = model.Guild{
					ID:        stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					CreatedAt: millisToTime(stmt.ColumnInt64(2)),
				}
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return model.Guild{}, mapSQLiteError(err, "getting guild %s", id)
	}
	if !found {
		return model.Guild{}, apperr.NotFoundf("guild %s not found", id)
	}
	return g, nil
}

// UpdateGuildName renames the node's guild.
func (s *Store) UpdateGuildName(ctx context.Context, id, name string) (model.Guild, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE guilds SET name = ? WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{name, id},
		})
	})
	if err != nil {
		return model.Guild{}, mapSQLiteError(err, "renaming guild %s", id)
	}
	return s.GetGuild(ctx, id)
}
