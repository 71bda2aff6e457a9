package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/remus-node/remus/internal/config"
)

// pionFactory builds real WebRTC sessions over pion/webrtc, configured
// from §6's media settings: the announced IP and ephemeral port range
// a self-hosted node needs when it sits behind a NAT with only a
// narrow forwarded UDP range, plus whatever ICE servers the deployment
// configured for clients that can't reach it directly. The media
// listen IP setting is not applied here.
type pionFactory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func newPionFactory(mediaCfg *config.Config) (*pionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if mediaCfg.MediaMinPort > 0 && mediaCfg.MediaMaxPort > mediaCfg.MediaMinPort {
		if err := se.SetEphemeralUDPPortRange(uint16(mediaCfg.MediaMinPort), uint16(mediaCfg.MediaMaxPort)); err != nil {
			return nil, fmt.Errorf("setting media port range: %w", err)
		}
	}
	if mediaCfg.MediaAnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{mediaCfg.MediaAnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(mediaCfg.ICEServers))
	for _, s := range mediaCfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return &pionFactory{api: api, cfg: webrtc.Configuration{ICEServers: iceServers}}, nil
}

func kindToRTP(kind string) webrtc.RTPCodecType {
	if kind == "audio" || kind == "screenAudio" {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func (f *pionFactory) NewSendSession(kinds []string) (sendSession, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating send transport: %w", err)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kindToRTP(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	sess := &pionSendSession{pc: pc, waiters: make(map[string]chan remoteTrack)}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sess.deliver(newPionRemoteTrack(track))
	})
	return sess, nil
}

func (f *pionFactory) NewRecvSession() (recvSession, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("creating recv transport: %w", err)
	}
	return &pionRecvSession{pc: pc}, nil
}

// pionSendSession is the receiving side of a producing client. Tracks
// that arrive before a matching AwaitTrack call are buffered by kind;
// tracks that arrive after are delivered directly to the waiter.
type pionSendSession struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	waiters map[string]chan remoteTrack
	pending map[string]remoteTrack
}

func (s *pionSendSession) Answer(offer string) (string, error) {
	return answerOver(s.pc, offer)
}

func (s *pionSendSession) AwaitTrack(ctx context.Context, kind string) (remoteTrack, error) {
	s.mu.Lock()
	if s.pending != nil {
		if t, ok := s.pending[kind]; ok {
			delete(s.pending, kind)
			s.mu.Unlock()
			return t, nil
		}
	}
	ch := make(chan remoteTrack, 1)
	s.waiters[kind] = ch
	s.mu.Unlock()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pionSendSession) deliver(t *pionRemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[t.kind]; ok {
		delete(s.waiters, t.kind)
		ch <- t
		return
	}
	if s.pending == nil {
		s.pending = make(map[string]remoteTrack)
	}
	s.pending[t.kind] = t
}

func (s *pionSendSession) Close() error { return s.pc.Close() }

type pionRecvSession struct {
	pc *webrtc.PeerConnection
}

func (s *pionRecvSession) Answer(offer string) (string, error) {
	return answerOver(s.pc, offer)
}

func (s *pionRecvSession) NewLocalTrack(kind, id string) (localTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kindToRTP(kind) == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, kind, id)
	if err != nil {
		return nil, fmt.Errorf("creating local track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("adding local track: %w", err)
	}
	return &pionLocalTrack{track: track, sender: sender}, nil
}

func (s *pionRecvSession) Close() error { return s.pc.Close() }

type pionLocalTrack struct {
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
}

func (t *pionLocalTrack) Close() error { return t.sender.Stop() }

func (t *pionLocalTrack) writeRTP(p *rtp.Packet) error {
	return t.track.WriteRTP(p)
}

// pionRemoteTrack pumps RTP packets off one inbound track and fans
// them out to every subscribed local track, matching the well-known
// "simple SFU" forwarding pattern: one reader goroutine per producer,
// any number of consumer writers.
type pionRemoteTrack struct {
	track *webrtc.TrackRemote
	kind  string

	mu   sync.Mutex
	subs map[*pionLocalTrack]struct{}
	done chan struct{}
}

func newPionRemoteTrack(track *webrtc.TrackRemote) *pionRemoteTrack {
	kind := "video"
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = "audio"
	}
	t := &pionRemoteTrack{track: track, kind: kind, subs: make(map[*pionLocalTrack]struct{}), done: make(chan struct{})}
	go t.pump()
	return t
}

func (t *pionRemoteTrack) pump() {
	for {
		select {
		case <-t.done:
			return
		default:
		}
		packet, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		t.mu.Lock()
		for sub := range t.subs {
			_ = sub.writeRTP(packet)
		}
		t.mu.Unlock()
	}
}

func (t *pionRemoteTrack) Subscribe(dst localTrack) (func(), error) {
	local, ok := dst.(*pionLocalTrack)
	if !ok {
		return nil, fmt.Errorf("voice: incompatible local track type")
	}
	t.mu.Lock()
	t.subs[local] = struct{}{}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, local)
		t.mu.Unlock()
	}, nil
}

func (t *pionRemoteTrack) Close() {
	close(t.done)
}

func answerOver(pc *webrtc.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	<-gatherComplete
	return pc.LocalDescription().SDP, nil
}
