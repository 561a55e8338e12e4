package protocol

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Envelope is the unit exchanged over the signaling relay and the text
// sub-channel.
type Envelope struct {
	AckID       string                     `json:"ackId,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Channel     ChannelKind                `json:"channel"`
	Data        []byte                     `json:"data,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Event       RTCEvent                   `json:"event,omitempty"`
	From        string                     `json:"from"`
	ID          string                     `json:"id,omitempty"`
	Payload     *Envelope                  `json:"payload,omitempty"`
	Renegotiate bool                       `json:"renegotiate,omitempty"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	SentAt      time.Time                  `json:"sentAt,omitempty"`
	Text        string                     `json:"text,omitempty"`
	To          string                     `json:"to"`
	Tracks      []ChannelKind              `json:"tracks,omitempty"`
	Type        MessageType                `json:"type"`
	Via         Via                        `json:"via,omitempty"`
}

func NewTextMessage(from, to, text string) *Envelope {
	return &Envelope{
		Channel: KindText,
		From:    from,
		ID:      uuid.NewString(),
		SentAt:  time.Now(),
		Text:    text,
		To:      to,
		Type:    MsgText,
	}
}

func NewOffer(from, to string, kind ChannelKind, sdp webrtc.SessionDescription, renegotiate bool, tracks []ChannelKind) *Envelope {
	return &Envelope{
		Channel:     kind,
		From:        from,
		Renegotiate: renegotiate,
		SDP:         &sdp,
		To:          to,
		Tracks:      tracks,
		Type:        MsgOffer,
	}
}

func NewAnswer(from, to string, kind ChannelKind, sdp webrtc.SessionDescription) *Envelope {
	return &Envelope{
		Channel: kind,
		From:    from,
		SDP:     &sdp,
		To:      to,
		Type:    MsgAnswer,
	}
}

func NewCandidate(from, to string, candidate webrtc.ICECandidateInit) *Envelope {
	return &Envelope{
		Candidate: &candidate,
		Channel:   KindControl,
		From:      from,
		To:        to,
		Type:      MsgCandidate,
	}
}

func NewRTCEvent(from, to string, kind ChannelKind, event RTCEvent) *Envelope {
	return &Envelope{
		Channel: kind,
		Event:   event,
		From:    from,
		To:      to,
		Type:    MsgRTCEvent,
	}
}

func NewAck(from, to, ackID string) *Envelope {
	return &Envelope{
		AckID:   ackID,
		Channel: KindText,
		From:    from,
		To:      to,
		Type:    MsgMsgAck,
	}
}

// Wrap tunnels a control envelope inside a signal envelope for delivery over
// a data sub-channel.
func Wrap(inner *Envelope) *Envelope {
	return &Envelope{
		Channel: inner.Channel,
		From:    inner.From,
		Payload: inner,
		To:      inner.To,
		Type:    MsgSignal,
		Via:     ViaDirect,
	}
}

// Fragment is one unit of a chunked file transfer, sent over the file
// sub-channel only.
type Fragment struct {
	ChunkType     ChunkType `json:"chunkType"`
	ContentType   string    `json:"contentType,omitempty"`
	FileID        string    `json:"fileId"`
	FileName      string    `json:"fileName,omitempty"`
	FileSize      int64     `json:"fileSize"`
	FragmentCount int       `json:"fragmentCount,omitempty"`
	From          string    `json:"from"`
	ID            string    `json:"id"`
	Message       string    `json:"message,omitempty"`
	To            string    `json:"to"`
	Type          string    `json:"type"`
}
