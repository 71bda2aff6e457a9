package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// CreateUpload records a stored file.
func (s *Store) CreateUpload(ctx context.Context, u model.Upload) (model.Upload, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock.Now()
	}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO uploads (id, channel_id, author_id, name, size, mime_type, url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{u.ID, u.ChannelID, u.AuthorID, u.Name, u.Size, u.MimeType, u.URL, timeToMillis(u.CreatedAt)}})
	})
	if err != nil {
		return model.Upload{}, mapSQLiteError(err, "creating upload %s", u.ID)
	}
	return u, nil
}

// GetUpload returns a single upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (model.Upload, error) {
	var (
		u     model.Upload
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, channel_id, author_id, name, size, mime_type, url, created_at FROM uploads WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					u = scanUpload(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return model.Upload{}, mapSQLiteError(err, "getting upload %s", id)
	}
	if !found {
		return model.Upload{}, apperr.NotFoundf("upload %s not found", id)
	}
	return u, nil
}

func listUploadsByChannel(conn *sqlite.Conn, channelID string) ([]model.Upload, error) {
	var uploads []model.Upload
	err := sqlitex.Execute(conn, `SELECT id, channel_id, author_id, name, size, mime_type, url, created_at FROM uploads WHERE channel_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				uploads = append(uploads, scanUpload(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, mapSQLiteError(err, "listing uploads for channel %s", channelID)
	}
	return uploads, nil
}

func scanUpload(stmt *sqlite.Stmt) model.Upload {
	return model.Upload{
		ID:        stmt.ColumnText(0),
		ChannelID: stmt.ColumnText(1),
		AuthorID:  stmt.ColumnText(2),
		Name:      stmt.ColumnText(3),
		Size:      stmt.ColumnInt64(4),
		MimeType:  stmt.ColumnText(5),
		URL:       stmt.ColumnText(6),
		CreatedAt: millisToTime(stmt.ColumnInt64(7)),
	}
}
