package filetransfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

type fakeChannel struct {
	buffered uint64
	// drain is subtracted from buffered on every BufferedAmount call.
	drain  uint64
	failAt int
	onSend func(buffered uint64, data []byte)
	sent   [][]byte
	state  webrtc.DataChannelState
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: webrtc.DataChannelStateOpen, failAt: -1}
}

func (c *fakeChannel) Send(data []byte) error {
	if c.failAt >= 0 && len(c.sent) == c.failAt {
		return errors.New("sctp closed")
	}
	if c.onSend != nil {
		c.onSend(c.buffered, data)
	}
	c.sent = append(c.sent, data)
	c.buffered += uint64(len(data))
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	if c.buffered > c.drain {
		c.buffered -= c.drain
	} else {
		c.buffered = 0
	}
	return c.buffered
}

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	return c.state
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func deliver(t *testing.T, ch *fakeChannel) (*Received, []protocol.ChunkType) {
	t.Helper()
	r := NewReceiver()
	var final *Received
	var types []protocol.ChunkType
	for _, data := range ch.sent {
		frag, err := protocol.DecodeFragment(data)
		if err != nil {
			t.Fatalf("failed to decode fragment: %v", err)
		}
		types = append(types, frag.ChunkType)
		res, err := r.Handle(frag)
		if err != nil {
			t.Fatalf("Handle(%s) failed: %v", frag.ChunkType, err)
		}
		if res != nil && res.IsComplete {
			final = res
		}
	}
	return final, types
}

func TestSmallFileRoundTrip(t *testing.T) {
	ch := newFakeChannel()
	f := NewFile("notes.txt", randomData(t, 4096))

	var last Progress
	err := NewSender(DefaultConfig(), "alice", "bob").Send(context.Background(), ch, f, func(p Progress) {
		last = p
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if last.Offset != 1 || last.Total != 1 {
		t.Errorf("expected final progress 1/1, got %d/%d", last.Offset, last.Total)
	}

	final, types := deliver(t, ch)

	expected := []protocol.ChunkType{protocol.ChunkStart, protocol.ChunkWhole, protocol.ChunkEnd}
	if len(types) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, types)
	}
	for i := range expected {
		if types[i] != expected[i] {
			t.Errorf("fragment %d: expected %s, got %s", i, expected[i], types[i])
		}
	}
	if final == nil {
		t.Fatal("expected a completed file")
	}
	if !bytes.Equal(final.Data, f.Data) {
		t.Error("reassembled payload differs from original")
	}
	if final.FileName != "notes.txt" {
		t.Errorf("expected file name notes.txt, got %s", final.FileName)
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmallFileThreshold = 1024
	raw := cfg.rawChunkSize()

	tests := []struct {
		name   string
		chunks int
		enc    protocol.FragmentEncoding
	}{
		{"2 chunks json", 2, protocol.EncodingJSON},
		{"17 chunks json", 17, protocol.EncodingJSON},
		{"200 chunks json", 200, protocol.EncodingJSON},
		{"17 chunks proto", 17, protocol.EncodingProto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Encoding = tt.enc
			ch := newFakeChannel()
			ch.drain = 1 << 30

			// Last chunk is short so padding lands only at the end.
			f := NewFile("blob.bin", randomData(t, raw*(tt.chunks-1)+raw/3))

			var progress []Progress
			err := NewSender(cfg, "alice", "bob").Send(context.Background(), ch, f, func(p Progress) {
				progress = append(progress, p)
			})
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			if got := len(ch.sent); got != tt.chunks+2 {
				t.Fatalf("expected %d fragments, got %d", tt.chunks+2, got)
			}
			if len(progress) != tt.chunks+2 || progress[len(progress)-1].ChunkType != protocol.ChunkEnd {
				t.Errorf("expected progress for every fragment ending with end")
			}
			if progress[0].Total != tt.chunks {
				t.Errorf("expected total %d, got %d", tt.chunks, progress[0].Total)
			}
			if progress[0].Offset != 0 {
				t.Errorf("expected start fragment at offset 0, got %d", progress[0].Offset)
			}
			if last := progress[len(progress)-1]; last.Offset != last.Total {
				t.Errorf("expected final offset %d, got %d", last.Total, last.Offset)
			}

			final, _ := deliver(t, ch)
			if final == nil {
				t.Fatal("expected a completed file")
			}
			if final.Fragments != tt.chunks {
				t.Errorf("expected %d accumulated fragments, got %d", tt.chunks, final.Fragments)
			}
			if !bytes.Equal(final.Data, f.Data) {
				t.Error("reassembled payload differs from original")
			}
		})
	}
}

func TestBackpressureBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond

	ch := newFakeChannel()
	ch.drain = 9000

	var maxFragment uint64
	ch.onSend = func(buffered uint64, data []byte) {
		frag, err := protocol.DecodeFragment(data)
		if err != nil {
			t.Fatalf("failed to decode fragment: %v", err)
		}
		if frag.ChunkType != protocol.ChunkIntermediate {
			return
		}
		if buffered >= cfg.BufferedAmountThreshold {
			t.Fatalf("chunk handed to channel with %d bytes outstanding", buffered)
		}
		maxFragment = max(maxFragment, uint64(len(data)))
	}

	var peak uint64
	f := NewFile("big.bin", randomData(t, 40*protocol.RawChunkSize))
	err := NewSender(cfg, "alice", "bob").Send(context.Background(), ch, f, func(Progress) {
		peak = max(peak, ch.buffered)
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if peak > cfg.BufferedAmountThreshold+maxFragment {
		t.Errorf("outstanding bytes %d exceeded threshold by more than one chunk (%d)", peak, maxFragment)
	}
}

func TestSendChannelNotOpen(t *testing.T) {
	ch := newFakeChannel()
	ch.state = webrtc.DataChannelStateClosed

	err := NewSender(DefaultConfig(), "alice", "bob").Send(context.Background(), ch, NewFile("a.txt", []byte("hi")), nil)
	if !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("expected ErrChannelNotOpen, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Errorf("expected nothing sent, got %d fragments", len(ch.sent))
	}
}

func TestSendFailureStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmallFileThreshold = 1024

	ch := newFakeChannel()
	ch.drain = 1 << 30
	ch.failAt = 3

	err := NewSender(cfg, "alice", "bob").Send(context.Background(), ch, NewFile("a.bin", randomData(t, 10*protocol.RawChunkSize)), nil)
	if !errors.Is(err, ErrSend) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
	if len(ch.sent) != 3 {
		t.Errorf("expected sending to stop after 3 fragments, got %d", len(ch.sent))
	}
}

func TestBackpressureWaitCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmallFileThreshold = 1024
	cfg.PollInterval = time.Millisecond

	ch := newFakeChannel()
	ch.buffered = 1 << 20

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewSender(cfg, "alice", "bob").Send(ctx, ch, NewFile("a.bin", randomData(t, 4*protocol.RawChunkSize)), nil)
	if !errors.Is(err, ErrSend) {
		t.Fatalf("expected ErrSend after cancellation, got %v", err)
	}
}

func TestReceiverEndAfterWhole(t *testing.T) {
	r := NewReceiver()

	res, err := r.Handle(&protocol.Fragment{FileID: "f", ChunkType: protocol.ChunkWhole, Message: "aGk="})
	if err != nil || res == nil || !res.IsComplete || string(res.Data) != "hi" {
		t.Fatalf("unexpected whole result: %+v, %v", res, err)
	}

	res, err = r.Handle(&protocol.Fragment{FileID: "f", ChunkType: protocol.ChunkEnd})
	if err != nil || res != nil {
		t.Errorf("expected end after whole to be a no-op, got %+v, %v", res, err)
	}
	if r.Pending("f") {
		t.Error("expected no pending state")
	}
}

func TestReceiverUnknownChunkType(t *testing.T) {
	if _, err := NewReceiver().Handle(&protocol.Fragment{FileID: "f", ChunkType: "bogus"}); err == nil {
		t.Error("expected an error for unknown chunk type")
	}
}

func TestCalculateTotalChunks(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		size     int64
		expected int
	}{
		{0, 1},
		{16*1024 - 1, 1},
		{16 * 1024, 4},
		{int64(protocol.RawChunkSize) * 10, 10},
		{int64(protocol.RawChunkSize)*10 + 1, 11},
	}

	for _, tt := range tests {
		if got := cfg.CalculateTotalChunks(tt.size); got != tt.expected {
			t.Errorf("CalculateTotalChunks(%d) = %d, expected %d", tt.size, got, tt.expected)
		}
	}
}
