package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// CreateRole inserts a new role at the position r.Position carries;
// the caller chooses it, and no other role is moved to make room.
func (s *Store) CreateRole(ctx context.Context, r model.Role) (model.Role, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO roles (id, guild_id, name, color, permissions, hoist, position, icon_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{r.ID, r.GuildID, r.Name, r.Color, int64(r.Permissions), boolToInt(r.Hoist), r.Position, r.IconURL, timeToMillis(r.CreatedAt)}})
	})
	if err != nil {
		return model.Role{}, mapSQLiteError(err, "creating role in guild %s", r.GuildID)
	}
	return s.GetRole(ctx, r.ID)
}

// GetRole returns a single role by id.
func (s *Store) GetRole(ctx context.Context, id string) (model.Role, error) {
	var (
		r     model.Role
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, guild_id, name, color, permissions, hoist, position, icon_url, created_at FROM roles WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					r = scanRole(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return model.Role{}, mapSQLiteError(err, "getting role %s", id)
	}
	if !found {
		return model.Role{}, apperr.NotFoundf("role %s not found", id)
	}
	return r, nil
}

// ListRoles returns every role in a guild ordered by hierarchy
// position, highest first.
func (s *Store) ListRoles(ctx context.Context, guildID string) ([]model.Role, error) {
	var roles []model.Role
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, guild_id, name, color, permissions, hoist, position, icon_url, created_at FROM roles WHERE guild_id = ? ORDER BY position DESC`,
			&sqlitex.ExecOptions{
				Args: []any{guildID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					roles = append(roles, scanRole(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing roles for guild %s", guildID)
	}
	return roles, nil
}

// UpdateRole updates the mutable fields of a role.
func (s *Store) UpdateRole(ctx context.Context, r model.Role) (model.Role, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE roles SET name = ?, color = ?, permissions = ?, hoist = ?, position = ?, icon_url = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{r.Name, r.Color, int64(r.Permissions), boolToInt(r.Hoist), r.Position, r.IconURL, r.ID}})
	})
	if err != nil {
		return model.Role{}, mapSQLiteError(err, "updating role %s", r.ID)
	}
	return s.GetRole(ctx, r.ID)
}

// DeleteRole removes a role. The @everyone role (id == guild id) can
// never be deleted. Member role-set membership is scrubbed
// automatically by the member_roles ON DELETE CASCADE foreign key,
// matching §4.1's "scrub the role id from every member's role set".
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsEveryone() {
		return apperr.Validationf("the @everyone role cannot be deleted")
	}
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM roles WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return mapSQLiteError(err, "deleting role %s", id)
	}
	return nil
}

func scanRole(stmt *sqlite.Stmt) model.Role {
	return model.Role{
		ID:          stmt.ColumnText(0),
		GuildID:     stmt.ColumnText(1),
		Name:        stmt.ColumnText(2),
		Color:       int(stmt.ColumnInt64(3)),
		Permissions: model.Bitmask(stmt.ColumnInt64(4)),
		Hoist:       stmt.ColumnInt64(5) != 0,
		Position:    int(stmt.ColumnInt64(6)),
		IconURL:     stmt.ColumnText(7),
		CreatedAt:   millisToTime(stmt.ColumnInt64(8)),
	}
}
