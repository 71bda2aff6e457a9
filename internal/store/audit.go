package store

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// encodeAuditData CBOR-encodes an audit entry's free-form data map for
// the audit.data BLOB column. CBOR keeps the on-disk representation
// compact and, unlike JSON text, round-trips int64/float64 without
// ambiguity.
func encodeAuditData(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	encoded, err := cbor.Marshal(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encoding audit data")
	}
	return encoded, nil
}

func decodeAuditData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data map[string]any
	if err := cbor.Unmarshal(raw, &data); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decoding audit data")
	}
	return data, nil
}

// AddAudit inserts an audit entry and evicts the oldest entries for
// the guild beyond Settings.AuditMaxEntries, per §4.1's "addAudit
// (which also evicts overflow)".
func (s *Store) AddAudit(ctx context.Context, a model.Audit) (model.Audit, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	encoded, err := encodeAuditData(a.Data)
	if err != nil {
		return model.Audit{}, err
	}

	err = s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`INSERT INTO audit (id, guild_id, action, actor_id, target_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{a.ID, a.GuildID, a.Action, a.ActorID, a.TargetID, encoded, timeToMillis(a.CreatedAt)}},
		); err != nil {
			return mapSQLiteError(err, "inserting audit entry")
		}

		settings, err := getSettingsConn(conn)
		if err != nil {
			return err
		}

		var total int64
		if err := sqlitex.Execute(conn, `SELECT count(*) FROM audit WHERE guild_id = ?`, &sqlitex.ExecOptions{
			Args: []any{a.GuildID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
			return mapSQLiteError(err, "counting audit entries")
		}

		if overflow := total - int64(settings.AuditMaxEntries); overflow > 0 {
			if err := sqlitex.Execute(conn,
				`DELETE FROM audit WHERE id IN (
					SELECT id FROM audit WHERE guild_id = ? ORDER BY created_at ASC, id ASC LIMIT ?
				)`,
				&sqlitex.ExecOptions{Args: []any{a.GuildID, overflow}},
			); err != nil {
				return mapSQLiteError(err, "evicting overflow audit entries")
			}
		}
		return nil
	})
	if err != nil {
		return model.Audit{}, err
	}
	return a, nil
}

// ListAudit returns a guild's audit entries newest-first, capped at limit.
func (s *Store) ListAudit(ctx context.Context, guildID string, limit int) ([]model.Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []model.Audit
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, guild_id, action, actor_id, target_id, data, created_at
			 FROM audit WHERE guild_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{guildID, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var raw []byte
					if n := stmt.ColumnLen(5); n > 0 {
						raw = make([]byte, n)
						stmt.ColumnBytes(5, raw)
					}
					data, err := decodeAuditData(raw)
					if err != nil {
						return err
					}
					entries = append(entries, model.Audit{
						ID:        stmt.ColumnText(0),
						GuildID:   stmt.ColumnText(1),
						Action:    stmt.ColumnText(2),
						ActorID:   stmt.ColumnText(3),
						TargetID:  stmt.ColumnText(4),
						Data:      data,
						CreatedAt: millisToTime(stmt.ColumnInt64(6)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing audit entries for guild %s", guildID)
	}
	return entries, nil
}
