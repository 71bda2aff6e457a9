package store

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

// CreateMessage inserts a message and its attachment references in a
// single transaction. Attachment ids are dereferenced through the
// uploads table and filtered to those owned by the same
// (channelId, authorId) as the message, with duplicates deduped; a
// replyToId is dropped unless it names a message in the same channel.
// If filtering leaves neither content nor a valid attachment, the
// message is rejected rather than silently written empty.
func (s *Store) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		attachmentIDs := make([]string, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			attachmentIDs = append(attachmentIDs, a.ID)
		}
		validAttachmentIDs, err := filterOwnedUploads(conn, m.ChannelID, m.AuthorID, attachmentIDs)
		if err != nil {
			return err
		}
		replyToID, err := resolveReplyTarget(conn, m.ChannelID, m.ReplyToID)
		if err != nil {
			return err
		}
		if m.Content == "" && len(validAttachmentIDs) == 0 {
			return apperr.Validationf("content or a valid attachment is required")
		}
		m.ReplyToID = replyToID

		var replyTo any
		if m.ReplyToID != "" {
			replyTo = m.ReplyToID
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO messages (id, channel_id, author_id, content, reply_to_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{m.ID, m.ChannelID, m.AuthorID, m.Content, replyTo, timeToMillis(m.CreatedAt)}}); err != nil {
			return mapSQLiteError(err, "creating message %s", m.ID)
		}
		for i, uploadID := range validAttachmentIDs {
			if err := sqlitex.Execute(conn, `INSERT INTO message_attachments (message_id, position, upload_id) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{m.ID, i, uploadID}}); err != nil {
				return mapSQLiteError(err, "attaching upload %s to message %s", uploadID, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return s.GetMessage(ctx, m.ID)
}

// filterOwnedUploads dedupes ids and drops any that don't name an
// upload owned by the same (channelID, authorID), per the invariant
// that every attachment referenced by a message also has an Upload
// row owned by that message's own channel and author.
func filterOwnedUploads(conn *sqlite.Conn, channelID, authorID string, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		var ownerChannel, ownerAuthor string
		found := false
		if err := sqlitex.Execute(conn, `SELECT channel_id, author_id FROM uploads WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ownerChannel = stmt.ColumnText(0)
				ownerAuthor = stmt.ColumnText(1)
				found = true
				return nil
			},
		}); err != nil {
			return nil, mapSQLiteError(err, "looking up upload %s", id)
		}
		if found && ownerChannel == channelID && ownerAuthor == authorID {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

// resolveReplyTarget returns replyToID unchanged if it names a
// message in channelID, and "" otherwise (unknown target or a target
// in a different channel).
func resolveReplyTarget(conn *sqlite.Conn, channelID, replyToID string) (string, error) {
	if replyToID == "" {
		return "", nil
	}
	var targetChannel string
	found := false
	if err := sqlitex.Execute(conn, `SELECT channel_id FROM messages WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{replyToID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			targetChannel = stmt.ColumnText(0)
			found = true
			return nil
		},
	}); err != nil {
		return "", mapSQLiteError(err, "looking up reply target %s", replyToID)
	}
	if !found || targetChannel != channelID {
		return "", nil
	}
	return replyToID, nil
}

// GetMessage returns a single message with its attachments resolved.
func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	var m model.Message
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		m, err = scanMessageByID(conn, id)
		return err
	})
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func scanMessageByID(conn *sqlite.Conn, id string) (model.Message, error) {
	var (
		m     model.Message
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT id, channel_id, author_id, content, COALESCE(reply_to_id, ''), created_at FROM messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m = scanMessageRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return model.Message{}, mapSQLiteError(err, "getting message %s", id)
	}
	if !found {
		return model.Message{}, apperr.NotFoundf("message %s not found", id)
	}
	attachments, err := loadAttachments(conn, id)
	if err != nil {
		return model.Message{}, err
	}
	m.Attachments = attachments
	return m, nil
}

// ListMessages returns a page of a channel's history, newest first,
// optionally starting strictly before beforeID.
func (s *Store) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var messages []model.Message
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		query := `SELECT id, channel_id, author_id, content, COALESCE(reply_to_id, ''), created_at FROM messages WHERE channel_id = ?`
		args := []any{channelID}
		if beforeID != "" {
			cursor, err := scanMessageByID(conn, beforeID)
			if err != nil {
				return err
			}
			query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
			args = append(args, timeToMillis(cursor.CreatedAt), timeToMillis(cursor.CreatedAt), beforeID)
		}
		query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
		args = append(args, limit)

		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, scanMessageRow(stmt))
				return nil
			},
		}); err != nil {
			return err
		}
		for i := range messages {
			attachments, err := loadAttachments(conn, messages[i].ID)
			if err != nil {
				return err
			}
			messages[i].Attachments = attachments
		}
		return nil
	})
	if err != nil {
		return nil, mapSQLiteError(err, "listing messages for channel %s", channelID)
	}
	return messages, nil
}

// UpdateMessageContent edits a message's text content in place.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) (model.Message, error) {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE messages SET content = ? WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{content, id}})
	})
	if err != nil {
		return model.Message{}, mapSQLiteError(err, "editing message %s", id)
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message, clears replyToId on any message
// that referenced it, deletes the upload rows for its attachments (by
// id or by URL, matching stray references left by older exports), and
// returns the fully-populated removed message so the caller can clean
// up files, per §4.1's deleteMessage contract.
func (s *Store) DeleteMessage(ctx context.Context, id string) (model.Message, error) {
	var removed model.Message
	err := s.withTxn(ctx, func(conn *sqlite.Conn) error {
		var err error
		removed, err = scanMessageByID(conn, id)
		if err != nil {
			return err
		}

		if err := sqlitex.Execute(conn, `UPDATE messages SET reply_to_id = NULL WHERE reply_to_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return mapSQLiteError(err, "clearing replies to message %s", id)
		}

		for _, a := range removed.Attachments {
			if err := sqlitex.Execute(conn, `DELETE FROM uploads WHERE id = ? OR url = ?`,
				&sqlitex.ExecOptions{Args: []any{a.ID, a.URL}}); err != nil {
				return mapSQLiteError(err, "deleting upload %s for message %s", a.ID, id)
			}
		}

		if err := sqlitex.Execute(conn, `DELETE FROM messages WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return mapSQLiteError(err, "deleting message %s", id)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return removed, nil
}

func loadAttachments(conn *sqlite.Conn, messageID string) ([]model.Attachment, error) {
	var attachments []model.Attachment
	err := sqlitex.Execute(conn,
		`SELECT u.id, u.name, u.size, u.mime_type, u.url
		 FROM message_attachments ma JOIN uploads u ON u.id = ma.upload_id
		 WHERE ma.message_id = ? ORDER BY ma.position ASC`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				attachments = append(attachments, model.Attachment{
					ID:       stmt.ColumnText(0),
					Name:     stmt.ColumnText(1),
					Size:     stmt.ColumnInt64(2),
					MimeType: stmt.ColumnText(3),
					URL:      stmt.ColumnText(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, mapSQLiteError(err, "loading attachments for message %s", messageID)
	}
	return attachments, nil
}

func scanMessageRow(stmt *sqlite.Stmt) model.Message {
	return model.Message{
		ID:        stmt.ColumnText(0),
		ChannelID: stmt.ColumnText(1),
		AuthorID:  stmt.ColumnText(2),
		Content:   stmt.ColumnText(3),
		ReplyToID: stmt.ColumnText(4),
		CreatedAt: millisToTime(stmt.ColumnInt64(5)),
	}
}
