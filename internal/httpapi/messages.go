package httpapi

import (
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/roomkey"
)

// handleListMessages implements paginated channel history: newest
// first, optionally starting strictly before the message named by the
// "before" query parameter.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("c")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	messages, err := s.store.ListMessages(r.Context(), channelID, r.URL.Query().Get("before"), limit)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, newMessageView(m))
	}
	writeJSON(s.logger, w, http.StatusOK, views)
}

type createMessageRequest struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
	ReplyToID     string   `json:"replyToId,omitempty"`
}

// handleCreateMessage implements POST /api/channels/{c}/messages,
// rejecting a message with neither content nor attachments, and
// content beyond §3's rune limit.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	channelID := r.PathValue("c")

	var req createMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	if req.Content == "" && len(req.AttachmentIDs) == 0 {
		writeError(s.logger, w, r, apperr.Validationf("content or an attachment is required"))
		return
	}
	if utf8.RuneCountInString(req.Content) > model.MaxMessageContentLength {
		writeError(s.logger, w, r, apperr.Validationf("content exceeds %d characters", model.MaxMessageContentLength))
		return
	}

	attachments := make([]model.Attachment, 0, len(req.AttachmentIDs))
	for _, id := range req.AttachmentIDs {
		attachments = append(attachments, model.Attachment{ID: id})
	}

	message, err := s.store.CreateMessage(r.Context(), model.Message{
		ChannelID:   channelID,
		AuthorID:    user.ID,
		Content:     req.Content,
		Attachments: attachments,
		ReplyToID:   req.ReplyToID,
	})
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}

	view := newMessageView(message)
	s.broadcaster.Broadcast(roomkey.Channel(channelID), "message:new", view)
	writeJSON(s.logger, w, http.StatusCreated, view)
}

// handleDeleteMessage implements DELETE /api/channels/{c}/messages/{m}.
// MANAGE_MESSAGES is required by this route's permission middleware.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("m")

	removed, err := s.store.DeleteMessage(r.Context(), messageID)
	if err != nil {
		writeError(s.logger, w, r, err)
		return
	}
	uploads := make([]model.Upload, 0, len(removed.Attachments))
	for _, a := range removed.Attachments {
		uploads = append(uploads, model.Upload{ID: a.ID, URL: a.URL})
	}
	deleteUploadFiles(s.logger, s.cfg.UploadsDir, uploads)

	s.broadcaster.Broadcast(roomkey.Channel(removed.ChannelID), "message:delete", map[string]string{"id": messageID})
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "deleted"})
}
