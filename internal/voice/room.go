package voice

import "sync"

// peerState is tracked for presence/debugging purposes; the actual
// gating for each request is a precondition check ("does this peer
// have a send transport yet"), not a strict linear walk through these
// values, since a real client creates its send and recv transports
// concurrently rather than in a fixed order.
type peerState int

const (
	stateJoined peerState = iota
	stateCapsKnown
	stateActive
	stateCleanup
)

type producerRecord struct {
	id     string
	kind   string
	remote remoteTrack
}

type consumerRecord struct {
	id          string
	producerID  string
	local       localTrack
	unsubscribe func()
}

// peer is one socket's presence in a voice channel. A user connected
// from two sockets holds two peers, one per session, each with its own
// transports.
type peer struct {
	sessionID string
	userID    string
	channelID string

	mu        sync.Mutex
	state     peerState
	sendSess  sendSession
	recvSess  recvSession
	producers map[string]*producerRecord
	consumers map[string]*consumerRecord
	speaking  bool
}

func newPeer(sessionID, userID, channelID string) *peer {
	return &peer{
		sessionID: sessionID,
		userID:    userID,
		channelID: channelID,
		state:     stateJoined,
		producers: make(map[string]*producerRecord),
		consumers: make(map[string]*consumerRecord),
	}
}

// room holds every peer currently connected to one voice channel.
type room struct {
	channelID string

	mu    sync.Mutex
	peers map[string]*peer
}

func newRoom(channelID string) *room {
	return &room{channelID: channelID, peers: make(map[string]*peer)}
}

func (r *room) addPeer(p *peer) {
	r.mu.Lock()
	r.peers[p.sessionID] = p
	r.mu.Unlock()
}

func (r *room) removePeer(sessionID string) {
	r.mu.Lock()
	delete(r.peers, sessionID)
	r.mu.Unlock()
}

func (r *room) peerList() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) == 0
}

// findProducer looks up a producer by id across every peer currently
// in the room, since a consuming client only knows the producer id
// (learned from a voice:newProducer broadcast), not which peer owns
// it.
func (r *room) findProducer(producerID string) (*peer, *producerRecord, bool) {
	for _, p := range r.peerList() {
		p.mu.Lock()
		if rec, ok := p.producers[producerID]; ok {
			p.mu.Unlock()
			return p, rec, true
		}
		p.mu.Unlock()
	}
	return nil, nil, false
}
