package protocol

const (
	// BufferedAmountThreshold is the outstanding byte count on a file
	// sub-channel above which the sender stops handing it fragments.
	BufferedAmountThreshold = 65535
	// ChunkSize is the encoded size of one intermediate fragment.
	ChunkSize = 7000
	// RawChunkSize is the number of file bytes that base64-encode to exactly
	// ChunkSize characters, so concatenated chunks decode as one payload.
	RawChunkSize = ChunkSize / 4 * 3
	// SmallFileThreshold is the size below which a file travels as a single
	// whole fragment.
	SmallFileThreshold = 16 * 1024
)

// ChannelKind names one logical sub-channel of a peer connection.
type ChannelKind string

const (
	KindAudio       ChannelKind = "audio"
	KindControl     ChannelKind = "control"
	KindFile        ChannelKind = "file"
	KindRemoteInput ChannelKind = "remoteInput"
	KindScreen      ChannelKind = "screen"
	KindText        ChannelKind = "text"
	KindVideo       ChannelKind = "video"
)

// DataKinds are the kinds carried by a data channel and watched by the idle
// sweep.
var DataKinds = []ChannelKind{KindText, KindFile, KindRemoteInput}

// MediaKinds are the kinds carried by media tracks.
var MediaKinds = []ChannelKind{KindAudio, KindVideo, KindScreen}

func (k ChannelKind) IsData() bool {
	return k == KindText || k == KindFile || k == KindRemoteInput
}

func (k ChannelKind) IsMedia() bool {
	return k == KindAudio || k == KindVideo || k == KindScreen
}

func (k ChannelKind) Valid() bool {
	return k.IsData() || k.IsMedia() || k == KindControl
}

func (k ChannelKind) String() string {
	return string(k)
}

// ParseChannelKind maps a data channel label or stream id back to a kind.
func ParseChannelKind(s string) (ChannelKind, bool) {
	k := ChannelKind(s)
	if !k.Valid() {
		return "", false
	}
	return k, true
}

type MessageType string

const (
	MsgAnswer      MessageType = "answer"
	MsgCandidate   MessageType = "candidate"
	MsgError       MessageType = "error"
	MsgFile        MessageType = "file"
	// MsgHello names the endpoint on a freshly opened relay stream.
	MsgHello       MessageType = "hello"
	MsgMsgAck      MessageType = "msgack"
	MsgOffer       MessageType = "offer"
	MsgRTCEvent    MessageType = "rtcEvent"
	MsgRemoteInput MessageType = "remoteInput"
	MsgSignal      MessageType = "signal"
	MsgText        MessageType = "text"
)

// IsControl reports whether the type belongs to connection negotiation
// rather than application payload.
func (t MessageType) IsControl() bool {
	switch t {
	case MsgOffer, MsgAnswer, MsgCandidate, MsgRTCEvent:
		return true
	default:
		return false
	}
}

type Via string

const (
	ViaDirect Via = "direct"
	ViaRelay  Via = "relay"
)

type RTCEvent string

const (
	EventChannelOpen         RTCEvent = "channelOpen"
	EventRemoteTrackReceived RTCEvent = "remoteTrackReceived"
)

type ChunkType string

const (
	ChunkStart        ChunkType = "start"
	ChunkIntermediate ChunkType = "intermediate"
	ChunkEnd          ChunkType = "end"
	ChunkWhole        ChunkType = "whole"
)
