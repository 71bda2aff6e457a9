package store

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// EnsureMember creates a guild membership row for userID if one does
// not already exist, joined with only the @everyone role. Idempotent
// so the identity resolver can call it on every request without
// checking membership first.
func (s *Store) EnsureMember(ctx context.Context, guildID, userID string) (model.Member, error) {
	now := s.clock.Now()
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO profiles (id, username, email, created_at, last_seen_at) VALUES (?, '', '', ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{userID, timeToMillis(now), timeToMillis(now)}}); err != nil {
			return mapSQLiteError(err, "creating profile %s", userID)
		}
		if err := sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO members (guild_id, user_id, nickname, joined_at) VALUES (?, ?, '', ?)`,
			&sqlitex.ExecOptions{Args: []any{guildID, userID, timeToMillis(now)}}); err != nil {
			return mapSQLiteError(err, "creating member %s in guild %s", userID, guildID)
		}
		return sqlitex.Execute(conn,
			`INSERT OR IGNORE INTO member_roles (guild_id, user_id, role_id) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{guildID, userID, guildID}})
	})
	if err != nil {
		return model.Member{}, err
	}
	return s.GetMember(ctx, guildID, userID)
}

// GetMember returns a single guild member with its role set.
func (s *Store) GetMember(ctx context.Context, guildID, userID string) (model.Member, error) {
	var (
		m     model.Member
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT guild_id, user_id, nickname, joined_at, timeout_until, voice_muted, voice_deafened
			 FROM members WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{guildID, userID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					m = scanMember(stmt)
					found = true
					return nil
				},
			})
		if err != nil || !found {
			return err
		}
		roleIDs, err := listMemberRoleIDs(conn, guildID, userID)
		if err != nil {
			return err
		}
		m.RoleIDs = roleIDs
		return nil
	})
	if err != nil {
		return model.Member{}, mapSQLiteError(err, "getting member %s in guild %s", userID, guildID)
	}
	if !found {
		return model.Member{}, apperr.NotFoundf("member %s not found in guild %s", userID, guildID)
	}
	return m, nil
}

// ListMembers returns every member of a guild with their role sets.
func (s *Store) ListMembers(ctx context.Context, guildID string) ([]model.Member, error) {
	var members []model.Member
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT guild_id, user_id, nickname, joined_at, timeout_until, voice_muted, voice_deafened
			 FROM members WHERE guild_id = ? ORDER BY joined_at ASC`,
			&sqlitex.ExecOptions{
				Args: []any{guildID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					members = append(members, scanMember(stmt))
					return nil
				},
			})
		if err != nil {
			return err
		}
		for i := range members {
			roleIDs, err := listMemberRoleIDs(conn, guildID, members[i].UserID)
			if err != nil {
				return err
			}
			members[i].RoleIDs = roleIDs
		}
		return nil
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing members for guild %s", guildID)
	}
	return members, nil
}

// SetMemberRoles replaces a member's role set wholesale, always
// keeping the guild's @everyone role present.
func (s *Store) SetMemberRoles(ctx context.Context, guildID, userID string, roleIDs []string) error {
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM member_roles WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{guildID, userID}}); err != nil {
			return mapSQLiteError(err, "clearing role set for member %s", userID)
		}
		roles := append([]string{guildID}, roleIDs...)
		seen := map[string]bool{}
		for _, roleID := range roles {
			if seen[roleID] {
				continue
			}
			seen[roleID] = true
			if err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO member_roles (guild_id, user_id, role_id) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{guildID, userID, roleID}}); err != nil {
				return mapSQLiteError(err, "assigning role %s to member %s", roleID, userID)
			}
		}
		return nil
	})
	return err
}

// UpdateMemberNickname sets a member's guild nickname.
func (s *Store) UpdateMemberNickname(ctx context.Context, guildID, userID, nickname string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE members SET nickname = ? WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{nickname, guildID, userID}})
	})
	if err != nil {
		return mapSQLiteError(err, "renaming member %s", userID)
	}
	return nil
}

// SetMemberTimeout sets or clears a member's timeout expiry. A nil
// until clears the timeout.
func (s *Store) SetMemberTimeout(ctx context.Context, guildID, userID string, until *time.Time) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE members SET timeout_until = ? WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{nullableTimeToMillis(until), guildID, userID}})
	})
	if err != nil {
		return mapSQLiteError(err, "setting timeout for member %s", userID)
	}
	return nil
}

// SetMemberVoiceState updates the persisted server-mute/deafen flags.
func (s *Store) SetMemberVoiceState(ctx context.Context, guildID, userID string, muted, deafened bool) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE members SET voice_muted = ?, voice_deafened = ? WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{boolToInt(muted), boolToInt(deafened), guildID, userID}})
	})
	if err != nil {
		return mapSQLiteError(err, "setting voice state for member %s", userID)
	}
	return nil
}

// RemoveMember deletes a member's guild presence. member_roles rows
// cascade via the members ON DELETE CASCADE foreign key.
func (s *Store) RemoveMember(ctx context.Context, guildID, userID string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM members WHERE guild_id = ? AND user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{guildID, userID}})
	})
	if err != nil {
		return mapSQLiteError(err, "removing member %s", userID)
	}
	return nil
}

func listMemberRoleIDs(conn *sqlite.Conn, guildID, userID string) ([]string, error) {
	var roleIDs []string
	err := sqlitex.Execute(conn, `SELECT role_id FROM member_roles WHERE guild_id = ? AND user_id = ?`, &sqlitex.ExecOptions{
		Args: []any{guildID, userID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			roleIDs = append(roleIDs, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing roles for member %s", userID)
	}
	return roleIDs, nil
}

func scanMember(stmt *sqlite.Stmt) model.Member {
	m := model.Member{
		GuildID:       stmt.ColumnText(0),
		UserID:        stmt.ColumnText(1),
		Nickname:      stmt.ColumnText(2),
		JoinedAt:      millisToTime(stmt.ColumnInt64(3)),
		VoiceMuted:    stmt.ColumnInt64(5) != 0,
		VoiceDeafened: stmt.ColumnInt64(6) != 0,
	}
	if !stmt.ColumnIsNull(4) {
		m.TimeoutUntil = nullableMillisToTime(stmt.ColumnInt64(4), false)
	}
	return m
}
