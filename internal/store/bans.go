package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/model"
)

// AddBan inserts or refreshes a ban entry.
func (s *Store) AddBan(ctx context.Context, b model.Ban) (model.Ban, error) {
	if b.BannedAt.IsZero() {
		b.BannedAt = s.clock.Now()
	}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO bans (user_id, banned_at, reason) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET banned_at = excluded.banned_at, reason = excluded.reason`,
			&sqlitex.ExecOptions{Args: []any{b.UserID, timeToMillis(b.BannedAt), b.Reason}})
	})
	if err != nil {
		return model.Ban{}, mapSQLiteError(err, "banning user %s", b.UserID)
	}
	return b, nil
}

// RemoveBan lifts a ban.
func (s *Store) RemoveBan(ctx context.Context, userID string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM bans WHERE user_id = ?`, &sqlitex.ExecOptions{Args: []any{userID}})
	})
	if err != nil {
		return mapSQLiteError(err, "unbanning user %s", userID)
	}
	return nil
}

// IsBanned reports whether a user is currently banned.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, error) {
	var banned bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM bans WHERE user_id = ?`, &sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				banned = true
				return nil
			},
		})
	})
	if err != nil {
		return false, mapSQLiteError(err, "checking ban status for user %s", userID)
	}
	return banned, nil
}

// ListBans returns every active ban.
func (s *Store) ListBans(ctx context.Context) ([]model.Ban, error) {
	var bans []model.Ban
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT user_id, banned_at, reason FROM bans ORDER BY banned_at DESC`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bans = append(bans, model.Ban{
					UserID:   stmt.ColumnText(0),
					BannedAt: millisToTime(stmt.ColumnInt64(1)),
					Reason:   stmt.ColumnText(2),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing bans")
	}
	return bans, nil
}

// PurgeUser deletes a user's memberships, messages, uploads, and
// profile, per §4.1's purgeUser contract. Returns the uploads that
// were removed so the caller can delete the underlying files.
func (s *Store) PurgeUser(ctx context.Context, userID string) ([]model.Upload, error) {
	var removed []model.Upload
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		var err error
		removed, err = listUploadsByUser(conn, userID)
		if err != nil {
			return err
		}

		if err := sqlitex.Execute(conn, `DELETE FROM members WHERE user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID}}); err != nil {
			return mapSQLiteError(err, "purging memberships for user %s", userID)
		}
		if err := sqlitex.Execute(conn, `DELETE FROM messages WHERE author_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID}}); err != nil {
			return mapSQLiteError(err, "purging messages for user %s", userID)
		}
		if err := sqlitex.Execute(conn, `DELETE FROM uploads WHERE author_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID}}); err != nil {
			return mapSQLiteError(err, "purging uploads for user %s", userID)
		}
		if err := sqlitex.Execute(conn, `DELETE FROM profiles WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID}}); err != nil {
			return mapSQLiteError(err, "purging profile %s", userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func listUploadsByUser(conn *sqlite.Conn, userID string) ([]model.Upload, error) {
	var uploads []model.Upload
	err := sqlitex.Execute(conn, `SELECT id, channel_id, author_id, name, size, mime_type, url, created_at FROM uploads WHERE author_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				uploads = append(uploads, scanUpload(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, mapSQLiteError(err, "listing uploads for user %s", userID)
	}
	return uploads, nil
}
