package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// UpsertProfile creates or refreshes the node-local record of an
// externally-authenticated user, touching LastSeenAt so the identity
// resolver has a single write path on every successful verification.
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	if p.ID == "" {
		return model.Profile{}, apperr.Validationf("profile id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	now := s.clock.Now()
	p.LastSeenAt = &now

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO profiles (id, username, email, created_at, last_seen_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET username = excluded.username, email = excluded.email, last_seen_at = excluded.last_seen_at`,
			&sqlitex.ExecOptions{Args: []any{p.ID, p.Username, p.Email, timeToMillis(p.CreatedAt), timeToMillis(*p.LastSeenAt)}})
	})
	if err != nil {
		return model.Profile{}, mapSQLiteError(err, "upserting profile %s", p.ID)
	}
	return s.GetProfile(ctx, p.ID)
}

// GetProfile returns a single profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	var (
		p     model.Profile
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, username, email, created_at, last_seen_at FROM profiles WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					p = scanProfile(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return model.Profile{}, mapSQLiteError(err, "getting profile %s", id)
	}
	if !found {
		return model.Profile{}, apperr.NotFoundf("profile %s not found", id)
	}
	return p, nil
}

func scanProfile(stmt *sqlite.Stmt) model.Profile {
	p := model.Profile{
		ID:        stmt.ColumnText(0),
		Username:  stmt.ColumnText(1),
		Email:     stmt.ColumnText(2),
		CreatedAt: millisToTime(stmt.ColumnInt64(3)),
	}
	if !stmt.ColumnIsNull(4) {
		p.LastSeenAt = nullableMillisToTime(stmt.ColumnInt64(4), false)
	}
	return p
}
