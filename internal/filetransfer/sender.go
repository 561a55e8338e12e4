package filetransfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

// Channel is the part of a data channel the sender needs.
type Channel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
}

// Progress is reported after every fragment handed to the channel.
type Progress struct {
	ChunkType protocol.ChunkType
	FileID    string
	// Offset counts payload fragments sent so far, in the units of Total.
	Offset int
	Total  int
}

type Sender struct {
	config Config
	from   string
	to     string
}

func NewSender(cfg Config, from, to string) *Sender {
	return &Sender{config: cfg, from: from, to: to}
}

// Send fragments f onto ch. onFragment may be nil. The returned error wraps
// ErrChannelNotOpen or ErrSend.
func (s *Sender) Send(ctx context.Context, ch Channel, f *File, onFragment func(Progress)) error {
	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("failed to send %s: %w", f.Name, ErrChannelNotOpen)
	}

	total := s.config.CalculateTotalChunks(f.Size())
	offset := 0
	send := func(frag *protocol.Fragment) error {
		data, err := protocol.EncodeFragment(frag, s.config.Encoding)
		if err != nil {
			return fmt.Errorf("failed to encode fragment: %w: %v", ErrSend, err)
		}
		if ch.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("failed to send %s fragment: %w", frag.ChunkType, ErrChannelNotOpen)
		}
		if err := ch.Send(data); err != nil {
			return fmt.Errorf("failed to send %s fragment: %w: %v", frag.ChunkType, ErrSend, err)
		}
		if frag.ChunkType == protocol.ChunkWhole || frag.ChunkType == protocol.ChunkIntermediate {
			offset++
		}
		if onFragment != nil {
			onFragment(Progress{ChunkType: frag.ChunkType, FileID: f.ID, Offset: offset, Total: total})
		}
		return nil
	}

	if err := send(s.fragment(f, protocol.ChunkStart, "", total)); err != nil {
		return err
	}

	if f.Size() < int64(s.config.SmallFileThreshold) {
		whole := base64.StdEncoding.EncodeToString(f.Data)
		if err := send(s.fragment(f, protocol.ChunkWhole, whole, total)); err != nil {
			return err
		}
		return send(s.fragment(f, protocol.ChunkEnd, "", total))
	}

	raw := s.config.rawChunkSize()
	for start := 0; start < len(f.Data); start += raw {
		if err := s.waitForBuffer(ctx, ch); err != nil {
			return err
		}
		end := min(start+raw, len(f.Data))
		chunk := base64.StdEncoding.EncodeToString(f.Data[start:end])
		if err := send(s.fragment(f, protocol.ChunkIntermediate, chunk, total)); err != nil {
			return err
		}
	}

	return send(s.fragment(f, protocol.ChunkEnd, "", total))
}

// waitForBuffer polls the channel until its outstanding bytes drop below the
// threshold.
func (s *Sender) waitForBuffer(ctx context.Context, ch Channel) error {
	if ch.BufferedAmount() < s.config.BufferedAmountThreshold {
		return nil
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("backpressure wait interrupted: %w: %v", ErrSend, ctx.Err())
		case <-ticker.C:
			if ch.ReadyState() != webrtc.DataChannelStateOpen {
				return fmt.Errorf("channel closed during backpressure wait: %w", ErrChannelNotOpen)
			}
			if ch.BufferedAmount() < s.config.BufferedAmountThreshold {
				return nil
			}
		}
	}
}

func (s *Sender) fragment(f *File, chunkType protocol.ChunkType, message string, total int) *protocol.Fragment {
	return &protocol.Fragment{
		ChunkType:     chunkType,
		ContentType:   f.ContentType,
		FileID:        f.ID,
		FileName:      f.Name,
		FileSize:      f.Size(),
		FragmentCount: total,
		From:          s.from,
		ID:            uuid.NewString(),
		Message:       message,
		To:            s.to,
		Type:          string(protocol.MsgFile),
	}
}
