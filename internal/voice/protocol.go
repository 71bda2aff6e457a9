package voice

import "encoding/json"

type joinPayload struct {
	ChannelID string `json:"channelId"`
}

// joinReply implements gateway's voiceChannelReply so the gateway
// knows which voice: room to subscribe the socket to.
type joinReply struct {
	ChannelID      string           `json:"channelId"`
	RouterCaps     rtpCapabilities  `json:"routerRtpCapabilities"`
	Participants   []string         `json:"userIds"`
	ExistingProducers []producerInfo `json:"existingProducers"`
}

func (r joinReply) VoiceChannelID() string { return r.ChannelID }

type rtpCapabilities struct {
	Codecs []codecCapability `json:"codecs"`
}

type codecCapability struct {
	Kind      string `json:"kind"`
	MimeType  string `json:"mimeType"`
	ClockRate int    `json:"clockRate"`
	Channels  int    `json:"channels,omitempty"`
}

// staticRouterCapabilities mirrors §4.6's fixed codec set: Opus 48kHz
// stereo for audio, VP8 90kHz for video. A real mediasoup-style router
// negotiates a much richer capability set; this node supports exactly
// one codec per media kind, so the capabilities exchange amounts to
// confirming that fixed pair rather than picking among alternatives.
func staticRouterCapabilities() rtpCapabilities {
	return rtpCapabilities{Codecs: []codecCapability{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
	}}
}

type createSendTransportPayload struct {
	Kinds []string `json:"kinds"`
}

type createTransportReply struct {
	TransportID string `json:"transportId"`
}

type connectTransportPayload struct {
	TransportID string `json:"transportId"`
	Offer       string `json:"offer"`
}

type connectTransportReply struct {
	Answer string `json:"answer"`
}

type producePayload struct {
	TransportID string `json:"transportId"`
	Kind        string `json:"kind"`
}

type produceReply struct {
	ProducerID string `json:"producerId"`
}

type producerInfo struct {
	ProducerID string `json:"producerId"`
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
}

type consumePayload struct {
	TransportID string `json:"transportId"`
	ProducerID  string `json:"producerId"`
}

type consumeReply struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type closeProducerPayload struct {
	ProducerID string `json:"producerId"`
}

type speakingPayload struct {
	Speaking bool `json:"speaking"`
}

func decodePayload[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
