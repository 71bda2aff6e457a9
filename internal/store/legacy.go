package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
)

const dbFileName = "community.db"
const legacyExportName = "community.legacy.json"

// bringUpFile implements steps 1-2 of §4.1: ensure the runtime
// directory exists, and if the database file is present but is
// neither empty nor a valid SQLite file, salvage it as a legacy JSON
// export before letting sqlite create a fresh database in its place.
func bringUpFile(dir string, logger *slog.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "creating runtime directory %s", dir)
	}
	dbPath := filepath.Join(dir, dbFileName)

	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return dbPath, nil
		}
		return "", apperr.Wrap(apperr.Internal, err, "statting %s", dbPath)
	}
	if info.Size() == 0 {
		return dbPath, nil
	}
	if looksLikeSQLite(dbPath) {
		return dbPath, nil
	}
	if !looksLikeJSON(dbPath) {
		return "", apperr.New(apperr.Internal, "database file %s is corrupt and cannot be salvaged", dbPath)
	}

	if err := salvageLegacyFile(dir, dbPath, logger); err != nil {
		return "", err
	}
	return dbPath, nil
}

// looksLikeSQLite reports whether path begins with the SQLite file
// magic header.
func looksLikeSQLite(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, 16)
	n, _ := io.ReadFull(f, header)
	return n == 16 && string(header) == "SQLite format 3\x00"
}

// looksLikeJSON reports whether the file's first non-whitespace byte
// opens a JSON document, per §4.1 step 2 ("its contents look like a
// JSON document").
func looksLikeJSON(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return false
		}
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
}

// salvageLegacyFile copies the existing file aside as the legacy
// export the import step consumes, then renames the original out of
// the way as a gzip-compressed timestamped backup so a future boot
// never mistakes it for a live database again.
func salvageLegacyFile(dir, dbPath string, logger *slog.Logger) error {
	exportPath := filepath.Join(dir, legacyExportName)
	if err := copyFile(dbPath, exportPath); err != nil {
		return apperr.Wrap(apperr.Internal, err, "copying legacy export")
	}

	backupPath := filepath.Join(dir, fmt.Sprintf("%s.corrupt-%d.gz", dbFileName, backupTimestamp()))
	if err := compressToFile(dbPath, backupPath); err != nil {
		return apperr.Wrap(apperr.Internal, err, "backing up legacy file")
	}
	if err := os.Remove(dbPath); err != nil {
		return apperr.Wrap(apperr.Internal, err, "removing salvaged file %s", dbPath)
	}

	logger.Warn("salvaged legacy JSON database file", "export", exportPath, "backup", backupPath)
	return nil
}

// backupTimestamp is a var so tests can override it; production code
// always uses the wall clock since this label only needs to be
// unique, not derived from the store's injected Clock.
var backupTimestamp = func() int64 { return time.Now().UnixNano() }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func compressToFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// legacyExport mirrors the JSON shape of a pre-migration export. Field
// names match the wire vocabulary used throughout the rest of the
// system (camelCase, per the HTTP/gateway payloads).
type legacyExport struct {
	Profiles []struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		Email      string `json:"email"`
		CreatedAt  int64  `json:"createdAt"`
		LastSeenAt *int64 `json:"lastSeenAt"`
	} `json:"profiles"`
	Guilds []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		CreatedAt int64  `json:"createdAt"`
	} `json:"guilds"`
	Roles []struct {
		ID          string `json:"id"`
		GuildID     string `json:"guildId"`
		Name        string `json:"name"`
		Color       int64  `json:"color"`
		Permissions uint64 `json:"permissions"`
		Hoist       bool   `json:"hoist"`
		Position    int64  `json:"position"`
		IconURL     string `json:"iconUrl"`
		CreatedAt   int64  `json:"createdAt"`
	} `json:"roles"`
	Members []struct {
		GuildID      string  `json:"guildId"`
		UserID       string  `json:"userId"`
		Nickname     string  `json:"nickname"`
		RoleIDs      []string `json:"roleIds"`
		JoinedAt     int64   `json:"joinedAt"`
		TimeoutUntil *int64  `json:"timeoutUntil"`
	} `json:"members"`
	Channels []struct {
		ID         string `json:"id"`
		GuildID    string `json:"guildId"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		CategoryID string `json:"categoryId"`
		Position   int64  `json:"position"`
		CreatedBy  string `json:"createdBy"`
		CreatedAt  int64  `json:"createdAt"`
	} `json:"channels"`
	Messages []struct {
		ID          string `json:"id"`
		ChannelID   string `json:"channelId"`
		AuthorID    string `json:"authorId"`
		Content     string `json:"content"`
		ReplyToID   string `json:"replyToId"`
		CreatedAt   int64  `json:"createdAt"`
		Attachments []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Size     int64  `json:"size"`
			MimeType string `json:"mimeType"`
			URL      string `json:"url"`
		} `json:"attachments"`
	} `json:"messages"`
	Uploads []struct {
		ID        string `json:"id"`
		ChannelID string `json:"channelId"`
		AuthorID  string `json:"authorId"`
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		MimeType  string `json:"mimeType"`
		URL       string `json:"url"`
		CreatedAt int64  `json:"createdAt"`
	} `json:"uploads"`
	Bans []struct {
		UserID   string `json:"userId"`
		BannedAt int64  `json:"bannedAt"`
		Reason   string `json:"reason"`
	} `json:"bans"`
	Audit []struct {
		ID        string         `json:"id"`
		GuildID   string         `json:"guildId"`
		Action    string         `json:"action"`
		ActorID   string         `json:"actorId"`
		TargetID  string         `json:"targetId"`
		Data      map[string]any `json:"data"`
		CreatedAt int64          `json:"createdAt"`
	} `json:"audit"`
	Settings *struct {
		AuditMaxEntries   int `json:"auditMaxEntries"`
		TimeoutMaxMinutes int `json:"timeoutMaxMinutes"`
	} `json:"settings"`
}

// tryImportLegacy implements §4.1 step 6: if the legacy export exists,
// import it in a single transaction in dependency order and record it
// consumed by removing the export file. Returns false, nil when there
// is nothing to import.
func (s *Store) tryImportLegacy(ctx context.Context, dir string) (bool, error) {
	exportPath := filepath.Join(dir, legacyExportName)
	data, err := os.ReadFile(exportPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Internal, err, "reading legacy export")
	}

	var export legacyExport
	if err := json.Unmarshal(data, &export); err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "parsing legacy export")
	}

	err = s.withTxn(ctx, func(conn *sqlite.Conn) error {
		for _, p := range export.Profiles {
			if err := execImport(conn, `INSERT INTO profiles (id, username, email, created_at, last_seen_at) VALUES (?, ?, ?, ?, ?)`,
				p.ID, p.Username, p.Email, p.CreatedAt, p.LastSeenAt); err != nil {
				return err
			}
		}
		for _, g := range export.Guilds {
			if err := execImport(conn, `INSERT INTO guilds (id, name, created_at) VALUES (?, ?, ?)`,
				g.ID, g.Name, g.CreatedAt); err != nil {
				return err
			}
			if err := execImport(conn, `INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`,
				metaKeyNodeGuild, g.ID); err != nil {
				return err
			}
		}
		for _, r := range export.Roles {
			if err := execImport(conn, `INSERT INTO roles (id, guild_id, name, color, permissions, hoist, position, icon_url, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.GuildID, r.Name, r.Color, int64(r.Permissions), boolToInt(r.Hoist), r.Position, r.IconURL, r.CreatedAt); err != nil {
				return err
			}
		}
		for _, m := range export.Members {
			if err := execImport(conn, `INSERT INTO members (guild_id, user_id, nickname, joined_at, timeout_until) VALUES (?, ?, ?, ?, ?)`,
				m.GuildID, m.UserID, m.Nickname, m.JoinedAt, m.TimeoutUntil); err != nil {
				return err
			}
			for _, roleID := range m.RoleIDs {
				if err := execImport(conn, `INSERT INTO member_roles (guild_id, user_id, role_id) VALUES (?, ?, ?)`,
					m.GuildID, m.UserID, roleID); err != nil {
					return err
				}
			}
		}
		for _, c := range export.Channels {
			var categoryID any
			if c.CategoryID != "" {
				categoryID = c.CategoryID
			}
			if err := execImport(conn, `INSERT INTO channels (id, guild_id, name, type, category_id, position, created_by, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.GuildID, c.Name, c.Type, categoryID, c.Position, c.CreatedBy, c.CreatedAt); err != nil {
				return err
			}
		}
		for _, msg := range export.Messages {
			var replyTo any
			if msg.ReplyToID != "" {
				replyTo = msg.ReplyToID
			}
			if err := execImport(conn, `INSERT INTO messages (id, channel_id, author_id, content, reply_to_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, replyTo, msg.CreatedAt); err != nil {
				return err
			}
			for i, a := range msg.Attachments {
				if err := execImport(conn, `INSERT INTO uploads (id, channel_id, author_id, name, size, mime_type, url, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					a.ID, msg.ChannelID, msg.AuthorID, a.Name, a.Size, a.MimeType, a.URL, msg.CreatedAt); err != nil {
					return err
				}
				if err := execImport(conn, `INSERT INTO message_attachments (message_id, position, upload_id) VALUES (?, ?, ?)`,
					msg.ID, i, a.ID); err != nil {
					return err
				}
			}
		}
		for _, u := range export.Uploads {
			if err := execImport(conn, `INSERT OR IGNORE INTO uploads (id, channel_id, author_id, name, size, mime_type, url, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				u.ID, u.ChannelID, u.AuthorID, u.Name, u.Size, u.MimeType, u.URL, u.CreatedAt); err != nil {
				return err
			}
		}
		for _, b := range export.Bans {
			if err := execImport(conn, `INSERT INTO bans (user_id, banned_at, reason) VALUES (?, ?, ?)`,
				b.UserID, b.BannedAt, b.Reason); err != nil {
				return err
			}
		}
		for _, a := range export.Audit {
			encoded, err := encodeAuditData(a.Data)
			if err != nil {
				return err
			}
			if err := execImport(conn, `INSERT INTO audit (id, guild_id, action, actor_id, target_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.GuildID, a.Action, a.ActorID, a.TargetID, encoded, a.CreatedAt); err != nil {
				return err
			}
		}

		settings := model.DefaultSettings
		if export.Settings != nil {
			settings.AuditMaxEntries = export.Settings.AuditMaxEntries
			settings.TimeoutMaxMinutes = export.Settings.TimeoutMaxMinutes
		}
		return execImport(conn, `INSERT OR REPLACE INTO settings (id, audit_max_entries, timeout_max_minutes) VALUES (1, ?, ?)`,
			settings.AuditMaxEntries, settings.TimeoutMaxMinutes)
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "importing legacy export")
	}

	if err := os.Remove(exportPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove consumed legacy export", "path", exportPath, "error", err)
	}
	return true, nil
}

func execImport(conn *sqlite.Conn, query string, args ...any) error {
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("legacy import %q: %w", query, err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
