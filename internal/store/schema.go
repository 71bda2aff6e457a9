package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// baseSchema creates every table and index needed by a fresh
// database, deliberately omitting the two columns migrateSchema adds
// afterwards through addColumnIfMissing. This mirrors real deployments where channels.position and
// messages.reply_to_id were introduced after the original schema
// shipped — every boot re-probes for them via table_info rather than
// assuming a fresh CREATE TABLE always includes them.
const baseSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	last_seen_at INTEGER
);

CREATE TABLE IF NOT EXISTS guilds (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS roles (
	id          TEXT PRIMARY KEY,
	guild_id    TEXT NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	color       INTEGER NOT NULL DEFAULT 0,
	permissions INTEGER NOT NULL DEFAULT 0,
	hoist       INTEGER NOT NULL DEFAULT 0,
	position    INTEGER NOT NULL DEFAULT 0,
	icon_url    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_roles_guild ON roles(guild_id);

CREATE TABLE IF NOT EXISTS members (
	guild_id       TEXT NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	nickname       TEXT NOT NULL DEFAULT '',
	joined_at      INTEGER NOT NULL,
	timeout_until  INTEGER,
	voice_muted    INTEGER NOT NULL DEFAULT 0,
	voice_deafened INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS member_roles (
	guild_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	role_id  TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	PRIMARY KEY (guild_id, user_id, role_id),
	FOREIGN KEY (guild_id, user_id) REFERENCES members(guild_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS channels (
	id          TEXT PRIMARY KEY,
	guild_id    TEXT NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	category_id TEXT REFERENCES channels(id) ON DELETE SET NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id);
CREATE INDEX IF NOT EXISTS idx_channels_category ON channels(category_id);

CREATE TABLE IF NOT EXISTS channel_overrides (
	channel_id   TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	allow        INTEGER NOT NULL DEFAULT 0,
	deny         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, subject_type, subject_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	author_id  TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);

CREATE TABLE IF NOT EXISTS message_attachments (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	upload_id  TEXT NOT NULL,
	PRIMARY KEY (message_id, position)
);

CREATE TABLE IF NOT EXISTS uploads (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	author_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	mime_type  TEXT NOT NULL,
	url        TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_channel_author ON uploads(channel_id, author_id);

CREATE TABLE IF NOT EXISTS bans (
	user_id   TEXT PRIMARY KEY,
	banned_at INTEGER NOT NULL,
	reason    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit (
	id         TEXT PRIMARY KEY,
	guild_id   TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor_id   TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL DEFAULT '',
	data       BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_guild_created ON audit(guild_id, created_at);

CREATE TABLE IF NOT EXISTS settings (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	audit_max_entries    INTEGER NOT NULL,
	timeout_max_minutes  INTEGER NOT NULL
);
`

// migrateSchema creates any missing tables/indices and then
// idempotently adds the late columns, per §4.1 steps 4.
func migrateSchema(conn *sqlite.Conn, logger *slog.Logger) error {
	if err := sqlitex.ExecuteScript(conn, baseSchema, nil); err != nil {
		return fmt.Errorf("creating base schema: %w", err)
	}
	if err := addColumnIfMissing(conn, "channels", "position", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumnIfMissing(conn, "messages", "reply_to_id", "TEXT"); err != nil {
		return err
	}
	logger.Debug("schema migrated")
	return nil
}

// addColumnIfMissing probes sqlite_master/table_info for the column
// and issues ALTER TABLE ... ADD COLUMN only when it is absent,
// matching §4.1's "idempotently add late columns ... using table-info
// probes".
func addColumnIfMissing(conn *sqlite.Conn, table, column, definition string) error {
	exists := false
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if stmt.ColumnText(1) == column {
				exists = true
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("probing %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if err := sqlitex.ExecuteTransient(conn, alter, nil); err != nil {
		return fmt.Errorf("adding %s.%s: %w", table, column, err)
	}
	return nil
}

// backfillChannelPositions assigns sequential positions, per
// (guild_id, category_id) group in created_at order, to any channel
// whose position is still the migration default of 0 alongside
// siblings — run once per boot; idempotent because it only touches
// rows within a group that hasn't already been explicitly ordered.
//
// A group is considered "unordered" when every channel in it has
// position 0 (the column default). Once any channel in a group is
// repositioned by the reorder endpoint, backfill leaves the group
// alone on subsequent boots.
func backfillChannelPositions(conn *sqlite.Conn) error {
	type row struct {
		id         string
		guildID    string
		categoryID string
	}
	var groups = map[string][]row{}

	err := sqlitex.Execute(conn,
		`SELECT id, guild_id, COALESCE(category_id, '')
		 FROM channels ORDER BY guild_id, category_id, created_at ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := row{
					id:         stmt.ColumnText(0),
					guildID:    stmt.ColumnText(1),
					categoryID: stmt.ColumnText(2),
				}
				key := r.guildID + "\x00" + r.categoryID
				groups[key] = append(groups[key], r)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("listing channels for position backfill: %w", err)
	}

	for _, rows := range groups {
		allZero := true
		var positions []int64
		if err := sqlitex.Execute(conn,
			"SELECT position FROM channels WHERE id IN (SELECT id FROM channels WHERE guild_id = ? AND (category_id IS ? OR category_id = ?))",
			&sqlitex.ExecOptions{
				Args: []any{rows[0].guildID, nilIfEmpty(rows[0].categoryID), rows[0].categoryID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					positions = append(positions, stmt.ColumnInt64(0))
					return nil
				},
			}); err != nil {
			return fmt.Errorf("checking existing positions: %w", err)
		}
		for _, p := range positions {
			if p != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			continue
		}
		for i, r := range rows {
			if err := sqlitex.Execute(conn, "UPDATE channels SET position = ? WHERE id = ?", &sqlitex.ExecOptions{
				Args: []any{int64(i), r.id},
			}); err != nil {
				return fmt.Errorf("backfilling position for channel %s: %w", r.id, err)
			}
		}
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
