package gateway

import (
	"encoding/json"

	"github.com/remus-node/remus/internal/apperr"
)

// inboundEnvelope is the wire shape of every client-to-server message:
// an event type, an opaque payload, and an optional id the server
// echoes back on ack so the client can correlate the request/response
// pair emit-with-ack requests use.
type inboundEnvelope struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outboundEnvelope is the wire shape of every server-to-client
// message. Error is set instead of Data when a request the client
// expected an ack for failed.
type outboundEnvelope struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type roomJoinPayload struct {
	GuildID string `json:"guildId"`
}

type channelJoinPayload struct {
	ChannelID string `json:"channelId"`
}

type typingPayload struct {
	ChannelID string `json:"channelId"`
}

type messageSendPayload struct {
	ChannelID     string   `json:"channelId"`
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
	ReplyToID     string   `json:"replyToId,omitempty"`
}

type voiceSnapshotPayload struct {
	ChannelID string `json:"channelId"`
}

// GatewayEvent is the tagged union every decoded inbound message is
// turned into before dispatch: exactly one of the typed fields below
// is non-nil, selected by Type, so handlers switch on Go types instead
// of re-parsing json.RawMessage themselves.
type GatewayEvent struct {
	Type string

	RoomJoin      *roomJoinPayload
	ChannelJoin   *channelJoinPayload
	Typing        *typingPayload
	MessageSend   *messageSendPayload
	VoiceSnapshot *voiceSnapshotPayload

	// VoiceRaw carries every other voice:* event's payload untouched;
	// the voice coordinator owns its own decoding since its request
	// shapes are considerably more varied (transport parameters, RTP
	// capabilities, producer ids) than the gateway needs to know about.
	VoiceRaw json.RawMessage
}

func decodeGatewayEvent(env inboundEnvelope) (GatewayEvent, error) {
	evt := GatewayEvent{Type: env.Type}

	switch env.Type {
	case "guild:joinRoom":
		var p roomJoinPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return evt, apperr.Validationf("decoding guild:joinRoom: %v", err)
			}
		}
		evt.RoomJoin = &p
	case "channel:join":
		var p channelJoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return evt, apperr.Validationf("decoding channel:join: %v", err)
		}
		evt.ChannelJoin = &p
	case "typing:start", "typing:stop":
		var p typingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return evt, apperr.Validationf("decoding %s: %v", env.Type, err)
		}
		evt.Typing = &p
	case "message:send":
		var p messageSendPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return evt, apperr.Validationf("decoding message:send: %v", err)
		}
		evt.MessageSend = &p
	case "voice:snapshot":
		var p voiceSnapshotPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return evt, apperr.Validationf("decoding voice:snapshot: %v", err)
		}
		evt.VoiceSnapshot = &p
	default:
		if len(env.Type) > len("voice:") && env.Type[:len("voice:")] == "voice:" {
			evt.VoiceRaw = env.Data
			return evt, nil
		}
		return evt, apperr.Validationf("unknown event type %q", env.Type)
	}
	return evt, nil
}

type voiceSnapshot struct {
	UserIDs        []string `json:"userIds"`
	SpeakingUserID []string `json:"speakingUserIds"`
}
