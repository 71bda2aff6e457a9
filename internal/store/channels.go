package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// CreateChannel inserts a channel, appending it to the tail of its
// (guildId, categoryId) position group per §3.
func (s *Store) CreateChannel(ctx context.Context, c model.Channel) (model.Channel, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if c.CategoryID != "" {
			if c.Type == model.ChannelCategory {
				return apperr.Validationf("a category channel cannot itself have a categoryId")
			}
			category, err := scanChannelByID(conn, c.CategoryID)
			if err != nil {
				return err
			}
			if category.Type != model.ChannelCategory {
				return apperr.Validationf("categoryId %s does not reference a category channel", c.CategoryID)
			}
		}
		tail, err := nextChannelPosition(conn, c.GuildID, c.CategoryID)
		if err != nil {
			return err
		}
		c.Position = tail

		return sqlitex.Execute(conn,
			`INSERT INTO channels (id, guild_id, name, type, category_id, position, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{c.ID, c.GuildID, c.Name, string(c.Type), nilIfEmpty(c.CategoryID), c.Position, c.CreatedBy, timeToMillis(c.CreatedAt)}})
	})
	if err != nil {
		return model.Channel{}, err
	}
	return s.GetChannel(ctx, c.ID)
}

func nextChannelPosition(conn *sqlite.Conn, guildID, categoryID string) (int, error) {
	var max int64 = -1
	err := sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(position), -1) FROM channels WHERE guild_id = ? AND (category_id IS ? OR category_id = ?)`,
		&sqlitex.ExecOptions{
			Args: []any{guildID, nilIfEmpty(categoryID), categoryID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				max = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, mapSQLiteError(err, "computing next channel position")
	}
	return int(max) + 1, nil
}

// GetChannel returns a channel with its permission overrides.
func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	var c model.Channel
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		c, err = scanChannelByID(conn, id)
		return err
	})
	if err != nil {
		return model.Channel{}, err
	}
	return c, nil
}

func scanChannelByID(conn *sqlite.Conn, id string) (model.Channel, error) {
	var (
		c     model.Channel
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT id, guild_id, name, type, COALESCE(category_id, ''), position, created_by, created_at FROM channels WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c = scanChannelRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return model.Channel{}, mapSQLiteError(err, "getting channel %s", id)
	}
	if !found {
		return model.Channel{}, apperr.NotFoundf("channel %s not found", id)
	}
	overrides, err := loadOverrides(conn, id)
	if err != nil {
		return model.Channel{}, err
	}
	c.Overrides = overrides
	return c, nil
}

// ListChannels returns every channel in a guild ordered for display:
// categories and top-level channels by position, each carrying its
// overrides.
func (s *Store) ListChannels(ctx context.Context, guildID string) ([]model.Channel, error) {
	var channels []model.Channel
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT id, guild_id, name, type, COALESCE(category_id, ''), position, created_by, created_at
			 FROM channels WHERE guild_id = ? ORDER BY category_id IS NULL DESC, category_id ASC, position ASC`,
			&sqlitex.ExecOptions{
				Args: []any{guildID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					channels = append(channels, scanChannelRow(stmt))
					return nil
				},
			})
		if err != nil {
			return err
		}
		for i := range channels {
			overrides, err := loadOverrides(conn, channels[i].ID)
			if err != nil {
				return err
			}
			channels[i].Overrides = overrides
		}
		return nil
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing channels for guild %s", guildID)
	}
	return channels, nil
}

func scanChannelRow(stmt *sqlite.Stmt) model.Channel {
	return model.Channel{
		ID:         stmt.ColumnText(0),
		GuildID:    stmt.ColumnText(1),
		Name:       stmt.ColumnText(2),
		Type:       model.ChannelType(stmt.ColumnText(3)),
		CategoryID: stmt.ColumnText(4),
		Position:   int(stmt.ColumnInt64(5)),
		CreatedBy:  stmt.ColumnText(6),
		CreatedAt:  millisToTime(stmt.ColumnInt64(7)),
	}
}

// UpdateChannelName renames a channel.
func (s *Store) UpdateChannelName(ctx context.Context, id, name string) (model.Channel, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE channels SET name = ? WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{name, id}})
	})
	if err != nil {
		return model.Channel{}, mapSQLiteError(err, "renaming channel %s", id)
	}
	return s.GetChannel(ctx, id)
}

// SetChannelOverrides replaces a channel's permission overrides
// wholesale, matching the "allow and deny mutually exclusive" upsert
// pattern of §3 (callers are responsible for clearing the opposite bit
// before calling this, the engine simply persists what it is given).
func (s *Store) SetChannelOverrides(ctx context.Context, channelID string, overrides model.PermissionOverrides) error {
	return s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM channel_overrides WHERE channel_id = ?`,
			&sqlitex.ExecOptions{Args: []any{channelID}}); err != nil {
			return mapSQLiteError(err, "clearing overrides for channel %s", channelID)
		}
		for roleID, o := range overrides.Roles {
			if err := insertOverride(conn, channelID, "role", roleID, o); err != nil {
				return err
			}
		}
		for userID, o := range overrides.Members {
			if err := insertOverride(conn, channelID, "member", userID, o); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOverride(conn *sqlite.Conn, channelID, subjectType, subjectID string, o model.Override) error {
	if o.Allow == 0 && o.Deny == 0 {
		return nil
	}
	err := sqlitex.Execute(conn,
		`INSERT INTO channel_overrides (channel_id, subject_type, subject_id, allow, deny) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{channelID, subjectType, subjectID, int64(o.Allow), int64(o.Deny)}})
	if err != nil {
		return mapSQLiteError(err, "inserting override for channel %s", channelID)
	}
	return nil
}

func loadOverrides(conn *sqlite.Conn, channelID string) (model.PermissionOverrides, error) {
	overrides := model.PermissionOverrides{Roles: map[string]model.Override{}, Members: map[string]model.Override{}}
	err := sqlitex.Execute(conn,
		`SELECT subject_type, subject_id, allow, deny FROM channel_overrides WHERE channel_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{channelID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				o := model.Override{Allow: model.Bitmask(stmt.ColumnInt64(2)), Deny: model.Bitmask(stmt.ColumnInt64(3))}
				subjectID := stmt.ColumnText(1)
				switch stmt.ColumnText(0) {
				case "role":
					overrides.Roles[subjectID] = o
				case "member":
					overrides.Members[subjectID] = o
				}
				return nil
			},
		})
	if err != nil {
		return model.PermissionOverrides{}, mapSQLiteError(err, "loading overrides for channel %s", channelID)
	}
	return overrides, nil
}

// UpdateChannelPositions applies a reorder batch atomically. Applying
// the same batch twice is a no-op, per §5's idempotence requirement.
func (s *Store) UpdateChannelPositions(ctx context.Context, guildID string, updates []model.ChannelPositionUpdate) error {
	return s.withTxn(ctx, func(conn *sqlite.Conn) error {
		for _, u := range updates {
			existing, err := scanChannelByID(conn, u.ID)
			if err != nil {
				return err
			}
			if existing.GuildID != guildID {
				return apperr.NotFoundf("channel %s not found in guild %s", u.ID, guildID)
			}

			categoryID := existing.CategoryID
			if u.HasCategoryID {
				categoryID = u.CategoryID
			}
			if categoryID != "" {
				if existing.Type == model.ChannelCategory {
					return apperr.Validationf("a category channel cannot itself have a categoryId")
				}
				category, err := scanChannelByID(conn, categoryID)
				if err != nil {
					return err
				}
				if category.Type != model.ChannelCategory || category.GuildID != guildID {
					return apperr.Validationf("categoryId %s does not reference a category in this guild", categoryID)
				}
			}

			if err := sqlitex.Execute(conn, `UPDATE channels SET position = ?, category_id = ? WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{u.Position, nilIfEmpty(categoryID), u.ID}}); err != nil {
				return mapSQLiteError(err, "repositioning channel %s", u.ID)
			}
		}
		return nil
	})
}

// DeleteChannel removes a channel and its messages, returning the
// uploads that were referenced so the caller can delete the
// underlying files from disk, per §4.1's deleteChannel contract.
func (s *Store) DeleteChannel(ctx context.Context, id string) ([]model.Upload, error) {
	var removed []model.Upload
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		if _, err := scanChannelByID(conn, id); err != nil {
			return err
		}

		uploads, err := listUploadsByChannel(conn, id)
		if err != nil {
			return err
		}
		removed = uploads

		if err := sqlitex.Execute(conn, `DELETE FROM uploads WHERE channel_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return mapSQLiteError(err, "deleting uploads for channel %s", id)
		}
		if err := sqlitex.Execute(conn, `DELETE FROM channels WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return mapSQLiteError(err, "deleting channel %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
