package gateway

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/roomkey"
)

// dispatch decodes one inbound envelope, routes it to the matching
// handler, and — when the client attached an id — writes back an ack
// envelope carrying either the handler's reply or its error. Handlers
// never touch the socket directly; every side effect they cause goes
// out through Broadcast so the same fan-out path serves both the
// sender and everyone else in the room.
func (g *Gateway) dispatch(ctx context.Context, sock *Socket, env inboundEnvelope) {
	if !g.allow(actionKey(env.Type), sock.userID) {
		g.ack(ctx, sock, env, nil, apperr.RateLimitedf("too many %s events", env.Type))
		return
	}

	evt, err := decodeGatewayEvent(env)
	if err != nil {
		g.ack(ctx, sock, env, nil, err)
		return
	}

	var reply any
	switch {
	case evt.RoomJoin != nil:
		reply, err = g.handleGuildJoinRoom(ctx, sock)
	case evt.ChannelJoin != nil:
		reply, err = g.handleChannelJoin(ctx, sock, evt.ChannelJoin)
	case evt.Typing != nil:
		reply, err = g.handleTyping(ctx, sock, evt.Type, evt.Typing)
	case evt.MessageSend != nil:
		reply, err = g.handleMessageSend(ctx, sock, evt.MessageSend)
	case evt.VoiceSnapshot != nil:
		reply, err = g.voice.Snapshot(evt.VoiceSnapshot.ChannelID), nil
	case evt.VoiceRaw != nil || strings.HasPrefix(evt.Type, "voice:"):
		reply, err = g.handleVoice(ctx, sock, evt)
	default:
		err = apperr.Validationf("unhandled event type %q", evt.Type)
	}

	g.ack(ctx, sock, env, reply, err)
}

// ack writes the response envelope for env, but only when the client
// asked for one by attaching an id; fire-and-forget events (typing,
// most broadcasts) never get one.
func (g *Gateway) ack(ctx context.Context, sock *Socket, env inboundEnvelope, reply any, err error) {
	if env.ID == "" {
		if err != nil {
			g.logger.Debug("gateway event failed", "type", env.Type, "user", sock.userID, "error", err)
		}
		return
	}
	out := outboundEnvelope{ID: env.ID, Type: env.Type}
	if err != nil {
		out.Error = apperr.New(apperr.KindOf(err), "%s", err).Message
	} else {
		out.Data = reply
	}
	if writeErr := sock.writeEnvelope(ctx, out); writeErr != nil {
		g.logger.Debug("ack write failed", "type", env.Type, "user", sock.userID, "error", writeErr)
	}
}

func (g *Gateway) guildID(ctx context.Context) (string, error) {
	return g.store.NodeGuildID(ctx)
}

// handleGuildJoinRoom re-joins the node's single guild room. It exists
// mainly for client symmetry with a multi-guild client codebase that
// always issues this event after connecting; on a single-guild node
// the socket already joined the room during the handshake.
func (g *Gateway) handleGuildJoinRoom(ctx context.Context, sock *Socket) (any, error) {
	guildID, err := g.guildID(ctx)
	if err != nil {
		return nil, err
	}
	g.join(roomkey.Guild(guildID), sock)
	return map[string]string{"guildId": guildID}, nil
}

func (g *Gateway) handleChannelJoin(ctx context.Context, sock *Socket, p *channelJoinPayload) (any, error) {
	guildID, err := g.guildID(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := g.perm.Effective(ctx, guildID, sock.userID, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if !perms.Has(model.PermViewChannels) {
		return nil, apperr.Forbiddenf("missing required permission")
	}
	g.join(roomkey.Channel(p.ChannelID), sock)
	return map[string]string{"channelId": p.ChannelID}, nil
}

func (g *Gateway) handleTyping(ctx context.Context, sock *Socket, eventType string, p *typingPayload) (any, error) {
	guildID, err := g.guildID(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := g.perm.Effective(ctx, guildID, sock.userID, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if !perms.Has(model.PermSendMessages) {
		return nil, apperr.Forbiddenf("missing required permission")
	}
	g.broadcastExcept(roomkey.Channel(p.ChannelID), eventType, map[string]string{
		"channelId": p.ChannelID,
		"userId":    sock.userID,
	}, sock)
	return nil, nil
}

func (g *Gateway) handleMessageSend(ctx context.Context, sock *Socket, p *messageSendPayload) (any, error) {
	guildID, err := g.guildID(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := g.perm.Effective(ctx, guildID, sock.userID, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if !perms.Has(model.PermSendMessages) {
		return nil, apperr.Forbiddenf("missing required permission")
	}
	if p.Content == "" && len(p.AttachmentIDs) == 0 {
		return nil, apperr.Validationf("content or an attachment is required")
	}
	if utf8.RuneCountInString(p.Content) > model.MaxMessageContentLength {
		return nil, apperr.Validationf("content exceeds %d characters", model.MaxMessageContentLength)
	}

	attachments := make([]model.Attachment, 0, len(p.AttachmentIDs))
	for _, id := range p.AttachmentIDs {
		attachments = append(attachments, model.Attachment{ID: id})
	}

	message, err := g.store.CreateMessage(ctx, model.Message{
		ChannelID:   p.ChannelID,
		AuthorID:    sock.userID,
		Content:     p.Content,
		Attachments: attachments,
		ReplyToID:   p.ReplyToID,
	})
	if err != nil {
		return nil, err
	}

	view := messageView{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Content:   message.Content,
		ReplyToID: message.ReplyToID,
		CreatedAt: message.CreatedAt,
	}
	g.Broadcast(roomkey.Channel(p.ChannelID), "message:new", view)
	return view, nil
}

// handleVoice forwards every voice:* event the gateway doesn't
// interpret itself (join, transport, produce, consume, speaking, leave
// and the rest of §4.6's protocol) to the voice coordinator, tracking
// the socket's own current voice channel only for join/leave so
// disconnect cleanup and moderation hooks know where to look.
func (g *Gateway) handleVoice(ctx context.Context, sock *Socket, evt GatewayEvent) (any, error) {
	reply, err := g.voice.Dispatch(ctx, VoiceInbound{
		UserID:    sock.userID,
		SessionID: sock.id,
		Type:      evt.Type,
		Data:      evt.VoiceRaw,
	})
	if err != nil {
		return nil, err
	}
	switch evt.Type {
	case "voice:join":
		if vc, ok := reply.(voiceChannelReply); ok {
			sock.setVoiceChannel(vc.VoiceChannelID())
			g.join(roomkey.Voice(vc.VoiceChannelID()), sock)
		}
	case "voice:leave":
		if channelID := sock.voiceChannel(); channelID != "" {
			g.leave(roomkey.Voice(channelID), sock)
			sock.setVoiceChannel("")
		}
	}
	return reply, nil
}

// voiceChannelReply is the minimal shape handleVoice inspects out of
// the coordinator's voice:join reply, so the gateway can track which
// voice room a socket joined without knowing the coordinator's full
// reply type (RTP capabilities, existing producers, and the rest of
// §4.6's join payload).
type voiceChannelReply interface {
	VoiceChannelID() string
}

// broadcastExcept fans event out to every socket in room other than
// exclude, used for self-suppressing notifications like typing where
// a client already knows its own state without an echo.
func (g *Gateway) broadcastExcept(room, event string, payload any, exclude *Socket) {
	g.mu.Lock()
	members := g.rooms[room]
	targets := make([]*Socket, 0, len(members))
	for sock := range members {
		if sock != exclude {
			targets = append(targets, sock)
		}
	}
	g.mu.Unlock()

	env := outboundEnvelope{Type: event, Data: payload}
	for _, sock := range targets {
		if err := sock.writeEnvelope(context.Background(), env); err != nil {
			g.logger.Debug("broadcast write failed", "room", room, "event", event, "error", err)
		}
	}
}

// messageView mirrors httpapi's wire shape for a created message; kept
// local rather than imported since httpapi does not export its view
// types. It carries the same fields as httpapi's REST view except
// attachments: the message:new event sent from message:send has no
// attachments list, even when the message has attachments.
type messageView struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	ReplyToID string    `json:"replyToId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
