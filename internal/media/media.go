// Package media provides local media tracks for audio, video and screen
// channels.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

var ErrUnsupportedKind = errors.New("unsupported media kind")

// Constraints narrow what a capture should produce. Zero fields use the
// provider's defaults.
type Constraints struct {
	FrameRate int
	Height    int
	Width     int
}

// Track is a local track that owns its capture source.
type Track interface {
	webrtc.TrackLocal
	// Stop ends the capture. It is safe to call more than once.
	Stop()
}

// Capturer acquires local media for a channel kind.
type Capturer interface {
	Capture(ctx context.Context, kind protocol.ChannelKind, c Constraints) (Track, error)
}

// SyntheticCapturer produces generated samples instead of device input:
// Opus silence for audio and a fixed VP8 payload for video and screen.
type SyntheticCapturer struct{}

func NewSyntheticCapturer() *SyntheticCapturer {
	return &SyntheticCapturer{}
}

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Frame    = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

func (s *SyntheticCapturer) Capture(ctx context.Context, kind protocol.ChannelKind, c Constraints) (Track, error) {
	var (
		capability webrtc.RTPCodecCapability
		interval   time.Duration
		payload    []byte
	)

	switch kind {
	case protocol.KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		interval = 20 * time.Millisecond
		payload = opusSilence
	case protocol.KindVideo, protocol.KindScreen:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		fps := c.FrameRate
		if fps <= 0 {
			fps = 15
		}
		interval = time.Second / time.Duration(fps)
		payload = vp8Frame
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), kind.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %v", kind, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &syntheticTrack{TrackLocalStaticSample: local, cancel: cancel}
	go t.pump(ctx, interval, payload)
	return t, nil
}

type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	once   sync.Once
}

func (t *syntheticTrack) Stop() {
	t.once.Do(t.cancel)
}

func (t *syntheticTrack) pump(ctx context.Context, interval time.Duration, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors before the track is bound are expected and ignored.
			_ = t.WriteSample(pionmedia.Sample{Data: payload, Duration: interval})
		}
	}
}
