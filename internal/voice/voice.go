// Package voice implements the community node's SFU coordinator
// (§4.6): the join/transport/producer/consumer protocol clients drive
// over the realtime gateway's voice:* events, backed by pion/webrtc
// for the actual media plane. Coordinator satisfies gateway's
// VoiceCoordinator interface and httpapi's VoiceModerator interface,
// so cmd/remus-node wires the same instance into both once
// constructed.
package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/remus-node/remus/internal/apperr"
	"github.com/remus-node/remus/internal/clock"
	"github.com/remus-node/remus/internal/config"
	"github.com/remus-node/remus/internal/gateway"
	"github.com/remus-node/remus/internal/model"
	"github.com/remus-node/remus/internal/permission"
	"github.com/remus-node/remus/internal/roomkey"
	"github.com/remus-node/remus/internal/store"
)

// Broadcaster is the shape Coordinator needs to fan events out to
// sockets; the realtime gateway satisfies it, matching the interface
// httpapi.Server declares for the same purpose.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

// Coordinator owns one room per active voice channel plus every
// peer's transports and producers, per §4.6.
type Coordinator struct {
	store       *store.Store
	perm        *permission.Engine
	clock       clock.Clock
	broadcaster Broadcaster
	factory     sessionFactory
	logger      *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*room   // channelID -> room
	sessions map[string]*peer   // sessionID -> peer, for direct lookup on Leave/Dispatch
	byUser   map[string]map[string]bool // userID -> set of sessionIDs currently in voice
}

// New builds a Coordinator backed by a real pion/webrtc session
// factory configured from cfg's media settings.
func New(st *store.Store, perm *permission.Engine, clk clock.Clock, broadcaster Broadcaster, cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	factory, err := newPionFactory(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return newCoordinator(st, perm, clk, broadcaster, factory, logger), nil
}

func newCoordinator(st *store.Store, perm *permission.Engine, clk clock.Clock, broadcaster Broadcaster, factory sessionFactory, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		perm:        perm,
		clock:       clk,
		broadcaster: broadcaster,
		factory:     factory,
		logger:      logger,
		rooms:       make(map[string]*room),
		sessions:    make(map[string]*peer),
		byUser:      make(map[string]map[string]bool),
	}
}

// Dispatch implements gateway.VoiceCoordinator: it decodes one
// voice:* event's payload and routes it to the matching handler.
func (c *Coordinator) Dispatch(ctx context.Context, in gateway.VoiceInbound) (any, error) {
	switch in.Type {
	case "voice:join":
		p, err := decodePayload[joinPayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:join: %v", err)
		}
		return c.join(ctx, in.UserID, in.SessionID, p.ChannelID)
	case "voice:getRouterRtpCapabilities":
		return staticRouterCapabilities(), nil
	case "voice:createSendTransport":
		p, err := decodePayload[createSendTransportPayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:createSendTransport: %v", err)
		}
		return c.createSendTransport(in.SessionID, p)
	case "voice:createRecvTransport":
		return c.createRecvTransport(in.SessionID)
	case "voice:connectTransport":
		p, err := decodePayload[connectTransportPayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:connectTransport: %v", err)
		}
		return c.connectTransport(in.SessionID, p)
	case "voice:produce":
		p, err := decodePayload[producePayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:produce: %v", err)
		}
		return c.produce(ctx, in.UserID, in.SessionID, p)
	case "voice:consume":
		p, err := decodePayload[consumePayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:consume: %v", err)
		}
		return c.consume(in.SessionID, p)
	case "voice:closeProducer":
		p, err := decodePayload[closeProducerPayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:closeProducer: %v", err)
		}
		return nil, c.closeProducer(in.SessionID, p.ProducerID)
	case "voice:speaking":
		p, err := decodePayload[speakingPayload](in.Data)
		if err != nil {
			return nil, apperr.Validationf("decoding voice:speaking: %v", err)
		}
		return nil, c.setSpeaking(in.SessionID, p.Speaking)
	case "voice:leave":
		c.Leave(in.UserID, in.SessionID)
		return nil, nil
	default:
		return nil, apperr.Validationf("unknown voice event %q", in.Type)
	}
}

func (c *Coordinator) getPeer(sessionID string) (*peer, error) {
	c.mu.Lock()
	p, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, apperr.Validationf("no active voice session; call voice:join first")
	}
	return p, nil
}

func (c *Coordinator) join(ctx context.Context, userID, sessionID, channelID string) (any, error) {
	guildID, err := c.store.NodeGuildID(ctx)
	if err != nil {
		return nil, err
	}
	channel, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Type != model.ChannelVoice {
		return nil, apperr.Validationf("channel %s is not a voice channel", channelID)
	}
	perms, err := c.perm.Effective(ctx, guildID, userID, channelID)
	if err != nil {
		return nil, err
	}
	if !perms.Has(model.PermViewChannels) || !perms.Has(model.PermVoiceConnect) {
		return nil, apperr.Forbiddenf("missing required permission")
	}

	p := newPeer(sessionID, userID, channelID)

	c.mu.Lock()
	rm, ok := c.rooms[channelID]
	if !ok {
		rm = newRoom(channelID)
		c.rooms[channelID] = rm
	}
	c.sessions[sessionID] = p
	if c.byUser[userID] == nil {
		c.byUser[userID] = make(map[string]bool)
	}
	c.byUser[userID][sessionID] = true
	c.mu.Unlock()
	rm.addPeer(p)

	existing := make([]producerInfo, 0)
	userIDs := make([]string, 0)
	for _, other := range rm.peerList() {
		if other.sessionID == sessionID {
			continue
		}
		userIDs = append(userIDs, other.userID)
		other.mu.Lock()
		for _, rec := range other.producers {
			existing = append(existing, producerInfo{ProducerID: rec.id, UserID: other.userID, Kind: rec.kind})
		}
		other.mu.Unlock()
	}

	c.broadcastPresence(ctx, rm)

	return joinReply{
		ChannelID:         channelID,
		RouterCaps:        staticRouterCapabilities(),
		Participants:      userIDs,
		ExistingProducers: existing,
	}, nil
}

func (c *Coordinator) createSendTransport(sessionID string, p createSendTransportPayload) (any, error) {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := c.factory.NewSendSession(p.Kinds)
	if err != nil {
		return nil, err
	}
	peer.mu.Lock()
	peer.sendSess = sess
	peer.state = stateActive
	peer.mu.Unlock()
	return createTransportReply{TransportID: sessionID + ":send"}, nil
}

func (c *Coordinator) createRecvTransport(sessionID string) (any, error) {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := c.factory.NewRecvSession()
	if err != nil {
		return nil, err
	}
	peer.mu.Lock()
	peer.recvSess = sess
	peer.state = stateActive
	peer.mu.Unlock()
	return createTransportReply{TransportID: sessionID + ":recv"}, nil
}

func (c *Coordinator) connectTransport(sessionID string, p connectTransportPayload) (any, error) {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return nil, err
	}
	peer.mu.Lock()
	send, recv := peer.sendSess, peer.recvSess
	peer.mu.Unlock()

	switch p.TransportID {
	case sessionID + ":send":
		if send == nil {
			return nil, apperr.Validationf("send transport not created")
		}
		answer, err := send.Answer(p.Offer)
		if err != nil {
			return nil, err
		}
		return connectTransportReply{Answer: answer}, nil
	case sessionID + ":recv":
		if recv == nil {
			return nil, apperr.Validationf("recv transport not created")
		}
		answer, err := recv.Answer(p.Offer)
		if err != nil {
			return nil, err
		}
		return connectTransportReply{Answer: answer}, nil
	default:
		return nil, apperr.Validationf("unknown transport %q", p.TransportID)
	}
}

// produce implements §4.6's produce gate: audio requires VOICE_SPEAK
// and that the member is not currently voice-muted; video and screen
// share (both video and its accompanying audio track) require
// SCREENSHARE.
func (c *Coordinator) produce(ctx context.Context, userID, sessionID string, p producePayload) (any, error) {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return nil, err
	}

	guildID, err := c.store.NodeGuildID(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := c.perm.Effective(ctx, guildID, userID, peer.channelID)
	if err != nil {
		return nil, err
	}
	if p.Kind == "audio" {
		member, err := c.store.GetMember(ctx, guildID, userID)
		if err != nil {
			return nil, err
		}
		if !perms.Has(model.PermVoiceSpeak) || member.VoiceMuted {
			return nil, apperr.Forbiddenf("missing required permission")
		}
	} else {
		if !perms.Has(model.PermScreenshare) {
			return nil, apperr.Forbiddenf("missing required permission")
		}
	}

	peer.mu.Lock()
	send := peer.sendSess
	peer.mu.Unlock()
	if send == nil {
		return nil, apperr.Validationf("send transport not created")
	}

	awaitCtx, cancel := context.WithTimeout(ctx, awaitTrackTimeout)
	defer cancel()
	track, err := send.AwaitTrack(awaitCtx, p.Kind)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "waiting for %s track", p.Kind)
	}

	producerID := uuid.NewString()
	peer.mu.Lock()
	peer.producers[producerID] = &producerRecord{id: producerID, kind: p.Kind, remote: track}
	peer.mu.Unlock()

	c.mu.Lock()
	rm := c.rooms[peer.channelID]
	c.mu.Unlock()
	if rm != nil {
		c.broadcaster.Broadcast(roomkey.Voice(peer.channelID), "voice:newProducer", producerInfo{ProducerID: producerID, UserID: userID, Kind: p.Kind})
	}

	return produceReply{ProducerID: producerID}, nil
}

func (c *Coordinator) consume(sessionID string, p consumePayload) (any, error) {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return nil, err
	}
	peer.mu.Lock()
	recv := peer.recvSess
	peer.mu.Unlock()
	if recv == nil {
		return nil, apperr.Validationf("recv transport not created")
	}

	c.mu.Lock()
	rm := c.rooms[peer.channelID]
	c.mu.Unlock()
	if rm == nil {
		return nil, apperr.NotFoundf("voice room not found")
	}
	_, producer, ok := rm.findProducer(p.ProducerID)
	if !ok {
		return nil, apperr.NotFoundf("producer %s not found", p.ProducerID)
	}

	consumerID := uuid.NewString()
	local, err := recv.NewLocalTrack(producer.kind, consumerID)
	if err != nil {
		return nil, err
	}
	stop, err := producer.remote.Subscribe(local)
	if err != nil {
		local.Close()
		return nil, err
	}

	peer.mu.Lock()
	peer.consumers[consumerID] = &consumerRecord{id: consumerID, producerID: p.ProducerID, local: local, unsubscribe: stop}
	peer.mu.Unlock()

	return consumeReply{ConsumerID: consumerID, ProducerID: p.ProducerID, Kind: producer.kind}, nil
}

// closeProducer removes one producer belonging to sessionID, called
// either from a client's voice:closeProducer or from ForceMuteUser
// walking every session a moderated user holds.
func (c *Coordinator) closeProducer(sessionID, producerID string) error {
	target, err := c.getPeer(sessionID)
	if err != nil {
		return err
	}

	target.mu.Lock()
	rec, ok := target.producers[producerID]
	if ok {
		delete(target.producers, producerID)
	}
	channelID := target.channelID
	target.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("producer %s not found", producerID)
	}
	rec.remote.Close()

	c.broadcaster.Broadcast(roomkey.Voice(channelID), "voice:producerClosed", map[string]string{"producerId": producerID, "peerId": sessionID})
	return nil
}

func (c *Coordinator) setSpeaking(sessionID string, speaking bool) error {
	peer, err := c.getPeer(sessionID)
	if err != nil {
		return err
	}
	peer.mu.Lock()
	peer.speaking = speaking
	channelID := peer.channelID
	userID := peer.userID
	peer.mu.Unlock()

	c.broadcaster.Broadcast(roomkey.Voice(channelID), "voice:speaking", map[string]any{
		"userId":   userID,
		"speaking": speaking,
	})

	c.mu.Lock()
	rm := c.rooms[channelID]
	c.mu.Unlock()
	if rm != nil {
		snapshot := c.snapshotRoom(rm)
		c.broadcaster.Broadcast(roomkey.Voice(channelID), "voice:speakingAll", speakingSnapshot{
			ChannelID:       channelID,
			SpeakingUserIDs: snapshot.SpeakingUserIDs,
		})
	}
	return nil
}

// speakingSnapshot is voice:speakingAll's payload: the full set of
// currently-speaking peer session ids in one voice channel, so a
// client that missed an incremental voice:speaking delta can
// resynchronize without waiting for the next presence broadcast.
type speakingSnapshot struct {
	ChannelID       string   `json:"channelId"`
	SpeakingUserIDs []string `json:"speakingUserIds"`
}

// Leave implements gateway.VoiceCoordinator's terminal cleanup hook,
// called both for an explicit voice:leave event and for an unexpected
// socket disconnect — from any peer state, per §4.6's diagram, both
// paths end in the same Cleanup.
func (c *Coordinator) Leave(userID, sessionID string) {
	c.mu.Lock()
	peer, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
		if sessions, exists := c.byUser[userID]; exists {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(c.byUser, userID)
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	peer.mu.Lock()
	for _, rec := range peer.producers {
		rec.remote.Close()
	}
	for _, rec := range peer.consumers {
		rec.unsubscribe()
		rec.local.Close()
	}
	if peer.sendSess != nil {
		peer.sendSess.Close()
	}
	if peer.recvSess != nil {
		peer.recvSess.Close()
	}
	channelID := peer.channelID
	peer.mu.Unlock()

	c.mu.Lock()
	rm := c.rooms[channelID]
	c.mu.Unlock()
	if rm == nil {
		return
	}
	rm.removePeer(sessionID)
	if !rm.isEmpty() {
		c.broadcastPresence(context.Background(), rm)
		return
	}
	c.mu.Lock()
	delete(c.rooms, channelID)
	c.mu.Unlock()
}

// broadcastPresence publishes the voice channel's current presence to
// both the voice room and the guild room, on any membership change
// (speaking changes go out as voice:speaking and voice:speakingAll
// instead): voice:presence and voice:presenceAll carry an
// identical snapshot today (kept as two event names since clients
// subscribe to them for different reasons — an initial full sync vs.
// an incremental "something changed" nudge).
func (c *Coordinator) broadcastPresence(ctx context.Context, rm *room) {
	snapshot := c.snapshotRoom(rm)
	voiceRoom := roomkey.Voice(rm.channelID)
	c.broadcaster.Broadcast(voiceRoom, "voice:presence", snapshot)
	c.broadcaster.Broadcast(voiceRoom, "voice:presenceAll", snapshot)

	guildID, err := c.store.NodeGuildID(ctx)
	if err != nil {
		c.logger.Warn("resolving node guild for voice presence broadcast", "error", err)
		return
	}
	guildRoom := roomkey.Guild(guildID)
	c.broadcaster.Broadcast(guildRoom, "voice:presence", snapshot)
	c.broadcaster.Broadcast(guildRoom, "voice:presenceAll", snapshot)
}

// Snapshot implements gateway.VoiceCoordinator's voice:snapshot
// handler: a client reconnecting or freshly opening the voice UI polls
// this instead of waiting for the next presence broadcast.
func (c *Coordinator) Snapshot(channelID string) any {
	c.mu.Lock()
	rm := c.rooms[channelID]
	c.mu.Unlock()
	if rm == nil {
		return voicePresence{UserIDs: []string{}, Users: []string{}, SpeakingUserIDs: []string{}}
	}
	return c.snapshotRoom(rm)
}

// voicePresence is the wire shape of one voice channel's presence:
// UserIDs and SpeakingUserIDs are peer session ids, not user ids, so a
// user connected from two sessions (e.g. two devices) appears twice
// and a client can tell them apart. Users carries the underlying user
// id for each entry in UserIDs, at the same index.
type voicePresence struct {
	UserIDs         []string `json:"userIds"`
	Users           []string `json:"users"`
	SpeakingUserIDs []string `json:"speakingUserIds"`
}

func (c *Coordinator) snapshotRoom(rm *room) voicePresence {
	peers := rm.peerList()
	out := voicePresence{
		UserIDs:         make([]string, 0, len(peers)),
		Users:           make([]string, 0, len(peers)),
		SpeakingUserIDs: make([]string, 0),
	}
	for _, p := range peers {
		p.mu.Lock()
		out.UserIDs = append(out.UserIDs, p.sessionID)
		out.Users = append(out.Users, p.userID)
		if p.speaking {
			out.SpeakingUserIDs = append(out.SpeakingUserIDs, p.sessionID)
		}
		p.mu.Unlock()
	}
	return out
}

// ForceMuteUser implements httpapi.VoiceModerator: it closes every
// audio-kind producer the user holds across every session they are
// connected to, per §4.6's moderation hook. The member's persisted
// VoiceMuted flag (set by the HTTP layer before calling this) is what
// stops them from producing audio again until unmuted.
func (c *Coordinator) ForceMuteUser(userID string) {
	c.mu.Lock()
	sessionIDs := make([]string, 0, len(c.byUser[userID]))
	for sessionID := range c.byUser[userID] {
		sessionIDs = append(sessionIDs, sessionID)
	}
	c.mu.Unlock()

	for _, sessionID := range sessionIDs {
		peer, err := c.getPeer(sessionID)
		if err != nil {
			continue
		}
		peer.mu.Lock()
		toClose := make([]string, 0)
		for id, rec := range peer.producers {
			if rec.kind == "audio" || rec.kind == "screenAudio" {
				toClose = append(toClose, id)
			}
		}
		peer.mu.Unlock()
		for _, producerID := range toClose {
			_ = c.closeProducer(sessionID, producerID)
		}
	}
}

// MoveUser implements httpapi.VoiceModerator: it tells every socket
// the user is connected on to switch voice channels. The client is
// expected to leave and re-issue voice:join against channelID; the
// coordinator does not migrate transports itself.
func (c *Coordinator) MoveUser(userID, channelID string) {
	c.broadcaster.Broadcast(roomkey.User(userID), "voice:move", map[string]string{"channelId": channelID})
}
