package voice

import (
	"context"
	"time"
)

// A sendSession is the server side of a client's "send transport": the
// half of §4.6's transport pair the client publishes producer tracks
// over. AwaitTrack blocks (bounded by ctx) until the client's RTP for
// the requested kind actually arrives, since voice:produce is a
// permission gate the coordinator can evaluate before or after that
// media shows up depending on how quickly the client starts sending.
type sendSession interface {
	// Answer completes the WebRTC offer/answer exchange and blocks
	// until ICE gathering finishes, since the wire protocol has no
	// separate trickle-candidate event.
	Answer(offer string) (answer string, err error)
	AwaitTrack(ctx context.Context, kind string) (remoteTrack, error)
	Close() error
}

// A recvSession is the server side of a client's "recv transport": the
// half it consumes other participants' producers over.
type recvSession interface {
	Answer(offer string) (answer string, err error)
	NewLocalTrack(kind, id string) (localTrack, error)
	Close() error
}

// remoteTrack is one inbound RTP stream from a producing client.
// Subscribe fans its packets out to a consumer's local track; the
// returned stop func removes that one subscriber without affecting
// any other consumer of the same producer.
type remoteTrack interface {
	Subscribe(dst localTrack) (stop func(), err error)
	Close()
}

// localTrack is one outbound RTP stream a session pushes to its
// client, added to a recvSession via NewLocalTrack and fed by a
// remoteTrack's Subscribe.
type localTrack interface {
	Close() error
}

// sessionFactory builds send/recv sessions. The default is
// pion-backed; tests substitute an in-memory fake so the state
// machine and permission gating can be exercised without a real ICE
// handshake.
type sessionFactory interface {
	NewSendSession(kinds []string) (sendSession, error)
	NewRecvSession() (recvSession, error)
}

// awaitTrackTimeout bounds how long voice:produce waits for the
// client's RTP to actually start arriving on a freshly negotiated send
// transport before failing the request.
const awaitTrackTimeout = 15 * time.Second
