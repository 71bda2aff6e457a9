package httpapi

import (
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/roomkey"
)

// blockedExtensions is §4.4's executable/script extension blocklist.
var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".vbs": true, ".js": true, ".jar": true, ".msi": true, ".dll": true,
	".so": true, ".dylib": true, ".sh": true, ".ps1": true,
}

const maxRoleIconBytes = 2 << 20

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFilename replaces anything but alphanumerics, dots, dashes,
// and underscores, and truncates to 120 characters, per §4.4.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." {
		name = "file"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}

// storedUploadName builds the on-disk name "timestamp-uuid-sanitizedName"
// required by §4.4, keeping the original name recognizable while
// guaranteeing no collision even for repeated uploads of the same file.
func storedUploadName(nowUnixMillis int64, id, original string) string {
	return strconv.FormatInt(nowUnixMillis, 10) + "-" + id + "-" + sanitizeFilename(original)
}

// handleFileUpload implements POST /api/files/upload: a multipart
// {file, channelId} pair, validated against the extension blocklist
// and size limit, written into the uploads directory, and recorded in
// the store.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())

	if !s.uploadLimiter.Allow(user.ID) {
		writeError(s.logger, w, r, apperr.RateLimitedf("upload rate limit exceeded"))
		return
	}

	limitBytes := int64(s.cfg.FileLimitMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limitBytes+1<<20) // headroom for multipart overhead

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(s.logger, w, r, apperr.UploadTooLargef("upload exceeds the %s limit", humanize.IBytes(uint64(limitBytes))))
		return
	}

	channelID := r.FormValue("channelId")
	if channelID == "" {
		writeError(s.logger, w, r, apperr.Validationf("channelId is required"))
		return
	}
	if _, err := s.store.GetChannel(r.Context(), channelID); err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(s.logger, w, r, apperr.Validationf("file is required"))
		return
	}
	defer file.Close()

	if header.Size > limitBytes {
		writeError(s.logger, w, r, apperr.UploadTooLargef("upload exceeds the %s limit", humanize.IBytes(uint64(limitBytes))))
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if blockedExtensions[ext] {
		writeError(s.logger, w, r, apperr.Validationf("file extension %q is not allowed", ext))
		return
	}

	id := newRequestID()
	storedName := storedUploadName(s.clockNowMillis(), id, header.Filename)
	storedPath := filepath.Join(s.cfg.UploadsDir, storedName)

	size, err := writeFileAtomically(storedPath, file)
	if err != nil {
		writeError(s.logger, w, r, apperr.Wrap(apperr.Internal, err, "writing upload"))
		return
	}

	upload := model.Upload{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  user.ID,
		Name:      sanitizeFilename(header.Filename),
		Size:      size,
		MimeType:  guessContentType(header.Filename),
		URL:       "/uploads/" + storedName,
	}

	created, err := s.store.CreateUpload(r.Context(), upload)
	if err != nil {
		_ = os.Remove(storedPath)
		writeError(s.logger, w, r, err)
		return
	}

	s.logger.Info("file uploaded", "channel_id", channelID, "author_id", user.ID, "size", humanize.IBytes(uint64(size)))

	writeJSON(s.logger, w, http.StatusCreated, map[string]attachmentView{
		"attachment": newAttachmentView(model.Attachment{
			ID: created.ID, Name: created.Name, Size: created.Size, MimeType: created.MimeType, URL: created.URL,
		}),
	})
}

// handleUploadRoleIcon implements POST /api/roles/{r}/icon: a
// multipart upload capped at 2 MB, stored under the runtime
// directory's role-icons subdirectory and recorded on the role.
func (s *Server) handleUploadRoleIcon(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("r")
	role, err := s.store.GetRole(r.Context(), roleID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRoleIconBytes+1<<16)
	if err := r.ParseMultipartForm(maxRoleIconBytes); err != nil {
		writeError(s.logger, w, r, apperr.UploadTooLargef("role icon exceeds 2 MB"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(s.logger, w, r, apperr.Validationf("file is required"))
		return
	}
	defer file.Close()
	if header.Size > maxRoleIconBytes {
		writeError(s.logger, w, r, apperr.UploadTooLargef("role icon exceeds 2 MB"))
		return
	}

	dir := roleIconsDir(s.cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(s.logger, w, r, apperr.Wrap(apperr.Internal, err, "creating role icons directory"))
		return
	}

	storedName := storedUploadName(s.clockNowMillis(), roleID, header.Filename)
	storedPath := filepath.Join(dir, storedName)
	if _, err := writeFileAtomically(storedPath, file); err != nil {
		writeError(s.logger, w, r, apperr.Wrap(apperr.Internal, err, "writing role icon"))
		return
	}

	if role.IconURL != "" {
		deleteRoleIconFile(s.logger, dir, role.IconURL)
	}
	role.IconURL = "/role-icons/" + storedName
	updated, err := s.store.UpdateRole(r.Context(), role)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newRoleView(updated)
	s.broadcaster.Broadcast(roomkey.Guild(role.GuildID), "role:update", view)
	writeJSON(s.logger, w, http.StatusOK, view)
}

// writeFileAtomically writes src to a temp file beside dst and renames
// it into place, so a reader never observes a partially-written
// upload, per §5's "written atomically" requirement.
func writeFileAtomically(dst string, src multipart.File) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	size, err := io.Copy(tmp, src)
	if err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	return size, nil
}

// staticHandler serves files from dir under urlPrefix. File deletion
// elsewhere is best-effort, so a stale row pointing at a missing file
// yields a plain 404 here rather than an error.
func (s *Server) staticHandler(dir, urlPrefix string) http.Handler {
	fileServer := http.FileServer(http.Dir(dir))
	return http.StripPrefix(urlPrefix, fileServer)
}

// deleteUploadFiles best-effort removes the on-disk files backing a
// set of removed upload rows, per §5's "file deletion ... is
// best-effort (ignore missing files)".
func deleteUploadFiles(logger *slog.Logger, uploadsDir string, uploads []model.Upload) {
	for _, u := range uploads {
		path := filepath.Join(uploadsDir, filepath.Base(u.URL))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing upload file", "path", path, "error", err)
		}
	}
}

func deleteRoleIconFile(logger *slog.Logger, dir, iconURL string) {
	path := filepath.Join(dir, filepath.Base(iconURL))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing role icon file", "path", path, "error", err)
	}
}
