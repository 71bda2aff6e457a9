package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

const metaKeyNodeGuild = "node_guild_id"

// ensureNodeGuild implements §4.1 steps 7-8: the node-guild pointer
// must be set, with a default text channel, a default voice channel,
// an @everyone role carrying the baseline mask, and an Admin role with
// every permission bit at the top of the hierarchy.
func (s *Store) ensureNodeGuild(ctx context.Context) error {
	existing, err := s.nodeGuildID(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}

	guildID := newID()
	now := timeToMillis(s.clock.Now())

	return s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `INSERT INTO guilds (id, name, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{guildID, "Community", now}}); err != nil {
			return mapSQLiteError(err, "creating node guild")
		}
		if err := sqlitex.Execute(conn, `INSERT INTO meta (key, value) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{metaKeyNodeGuild, guildID}}); err != nil {
			return mapSQLiteError(err, "recording node guild pointer")
		}

		// The @everyone role's id equals the guild id, per the
		// invariant in §3.
		if err := sqlitex.Execute(conn,
			`INSERT INTO roles (id, guild_id, name, color, permissions, hoist, position, icon_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{guildID, guildID, "@everyone", 0, int64(model.DefaultEveryoneMask), 0, 0, "", now}}); err != nil {
			return mapSQLiteError(err, "creating everyone role")
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO roles (id, guild_id, name, color, permissions, hoist, position, icon_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{newID(), guildID, "Admin", 0, int64(model.FullMask), 1, 1, "", now}}); err != nil {
			return mapSQLiteError(err, "creating admin role")
		}

		if err := sqlitex.Execute(conn,
			`INSERT INTO channels (id, guild_id, name, type, category_id, position, created_by, created_at) VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{newID(), guildID, "general", string(model.ChannelText), 0, "", now}}); err != nil {
			return mapSQLiteError(err, "creating default text channel")
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO channels (id, guild_id, name, type, category_id, position, created_by, created_at) VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{newID(), guildID, "Lounge", string(model.ChannelVoice), 1, "", now}}); err != nil {
			return mapSQLiteError(err, "creating default voice channel")
		}

		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO settings (id, audit_max_entries, timeout_max_minutes) VALUES (1, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{model.DefaultSettings.AuditMaxEntries, model.DefaultSettings.TimeoutMaxMinutes}})
	})
}

// RoleSeed is one role to provision via SeedRoleTemplate. Callers
// build these from an operator-supplied role template, resolving
// permission names to a Bitmask before calling in so this package
// never needs to know how permission names are spelled in a config
// file.
type RoleSeed struct {
	Name        string
	Color       int
	Hoist       bool
	Permissions model.Bitmask
}

// SeedRoleTemplate provisions additional roles below Admin and above
// @everyone, positioned in the order given (first entry lowest). It is
// a no-op once the guild already has more than the two default roles,
// so it is safe to call unconditionally on every startup: a template
// only ever seeds a brand-new node.
func (s *Store) SeedRoleTemplate(ctx context.Context, guildID string, seeds []RoleSeed) error {
	if len(seeds) == 0 {
		return nil
	}

	return s.withTxn(ctx, func(conn *sqlite.Conn) error {
		var count int64
		if err := sqlitex.Execute(conn, `SELECT COUNT(*) FROM roles WHERE guild_id = ?`, &sqlitex.ExecOptions{
			Args: []any{guildID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
			return mapSQLiteError(err, "counting existing roles")
		}
		if count > 2 {
			return nil
		}

		// Admin moves above the seeded roles so it stays at the top.
		if err := sqlitex.Execute(conn, `UPDATE roles SET position = ? WHERE guild_id = ? AND id != ?`,
			&sqlitex.ExecOptions{Args: []any{len(seeds) + 1, guildID, guildID}}); err != nil {
			return mapSQLiteError(err, "moving admin role above templated roles")
		}

		now := timeToMillis(s.clock.Now())
		for i, seed := range seeds {
			if err := sqlitex.Execute(conn,
				`INSERT INTO roles (id, guild_id, name, color, permissions, hoist, position, icon_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{newID(), guildID, seed.Name, seed.Color, int64(seed.Permissions), boolToInt(seed.Hoist), i + 1, "", now}}); err != nil {
				return mapSQLiteError(err, "seeding templated role")
			}
		}
		return nil
	})
}

// nodeGuildID returns the node's single guild id, or "" if bring-up
// has not run yet.
func (s *Store) nodeGuildID(ctx context.Context) (string, error) {
	var id string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM meta WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{metaKeyNodeGuild},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return "", mapSQLiteError(err, "reading node guild pointer")
	}
	return id, nil
}

// NodeGuildID exposes the node's single guild id to callers outside
// the package (the permission engine, HTTP handlers, and the gateway
// all need to resolve "the guild" without a request parameter).
func (s *Store) NodeGuildID(ctx context.Context) (string, error) {
	id, err := s.nodeGuildID(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", apperr.New(apperr.Internal, "node guild not initialized")
	}
	return id, nil
}
