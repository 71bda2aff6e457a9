package httpapi

import (
	"time"

	"github.com/remus-node/remus/internal/model"
)

// The wire views below are deliberately flatter than the model types
// they render: JSON field names follow the camelCase convention of
// §6's endpoint shapes, and computed fields (a role's permission
// names, a channel's override allow/deny names) are expanded so API clients never need
// to interpret a raw bitmask or join across tables themselves.

type guildView struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	CreatedAt   time.Time     `json:"createdAt"`
	Members     []memberView  `json:"members"`
	Roles       []roleView    `json:"roles"`
	Channels    []channelView `json:"channels"`
	Permissions []string      `json:"permissions"`
}

type roleView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Color       int      `json:"color"`
	Permissions []string `json:"permissions"`
	Hoist       bool     `json:"hoist"`
	Position    int      `json:"position"`
	IconURL     string   `json:"iconUrl,omitempty"`
}

func newRoleView(r model.Role) roleView {
	return roleView{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Permissions: r.Permissions.Names(),
		Hoist:       r.Hoist,
		Position:    r.Position,
		IconURL:     r.IconURL,
	}
}

type memberView struct {
	UserID        string     `json:"userId"`
	Nickname      string     `json:"nickname,omitempty"`
	RoleIDs       []string   `json:"roleIds"`
	JoinedAt      time.Time  `json:"joinedAt"`
	TimeoutUntil  *time.Time `json:"timeoutUntil,omitempty"`
	VoiceMuted    bool       `json:"voiceMuted"`
	VoiceDeafened bool       `json:"voiceDeafened"`
}

func newMemberView(m model.Member) memberView {
	return memberView{
		UserID:        m.UserID,
		Nickname:      m.Nickname,
		RoleIDs:       m.RoleIDs,
		JoinedAt:      m.JoinedAt,
		TimeoutUntil:  m.TimeoutUntil,
		VoiceMuted:    m.VoiceMuted,
		VoiceDeafened: m.VoiceDeafened,
	}
}

type overrideView struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

type overridesView struct {
	Roles   map[string]overrideView `json:"roles,omitempty"`
	Members map[string]overrideView `json:"members,omitempty"`
}

func newOverridesView(o model.PermissionOverrides) overridesView {
	view := overridesView{}
	if len(o.Roles) > 0 {
		view.Roles = make(map[string]overrideView, len(o.Roles))
		for id, ov := range o.Roles {
			view.Roles[id] = overrideView{Allow: ov.Allow.Names(), Deny: ov.Deny.Names()}
		}
	}
	if len(o.Members) > 0 {
		view.Members = make(map[string]overrideView, len(o.Members))
		for id, ov := range o.Members {
			view.Members[id] = overrideView{Allow: ov.Allow.Names(), Deny: ov.Deny.Names()}
		}
	}
	return view
}

type channelView struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	CategoryID string        `json:"categoryId,omitempty"`
	Position   int           `json:"position"`
	Overrides  overridesView `json:"overrides"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func newChannelView(c model.Channel) channelView {
	return channelView{
		ID:         c.ID,
		Name:       c.Name,
		Type:       string(c.Type),
		CategoryID: c.CategoryID,
		Position:   c.Position,
		Overrides:  newOverridesView(c.Overrides),
		CreatedAt:  c.CreatedAt,
	}
}

type attachmentView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

func newAttachmentView(a model.Attachment) attachmentView {
	return attachmentView{ID: a.ID, Name: a.Name, Size: a.Size, MimeType: a.MimeType, URL: a.URL}
}

type messageView struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channelId"`
	AuthorID    string           `json:"authorId"`
	Content     string           `json:"content"`
	Attachments []attachmentView `json:"attachments"`
	ReplyToID   string           `json:"replyToId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func newMessageView(m model.Message) messageView {
	attachments := make([]attachmentView, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, newAttachmentView(a))
	}
	return messageView{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.AuthorID,
		Content:     m.Content,
		Attachments: attachments,
		ReplyToID:   m.ReplyToID,
		CreatedAt:   m.CreatedAt,
	}
}

type auditView struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actorId"`
	TargetID  string         `json:"targetId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func newAuditView(a model.Audit) auditView {
	return auditView{ID: a.ID, Action: a.Action, ActorID: a.ActorID, TargetID: a.TargetID, Data: a.Data, CreatedAt: a.CreatedAt}
}

type settingsView struct {
	AuditMaxEntries   int `json:"auditMaxEntries"`
	TimeoutMaxMinutes int `json:"timeoutMaxMinutes"`
}

func newSettingsView(s model.Settings) settingsView {
	return settingsView{AuditMaxEntries: s.AuditMaxEntries, TimeoutMaxMinutes: s.TimeoutMaxMinutes}
}
