// Package filetransfer fragments outbound files onto a data channel and
// reassembles inbound fragments.
package filetransfer

import (
	"errors"
	"mime"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

var (
	ErrChannelNotOpen = errors.New("channel not open")
	ErrSend           = errors.New("send failed")
)

// File is an outbound file waiting in a peer's file queue.
type File struct {
	ContentType string
	Data        []byte
	ID          string
	Name        string
}

// NewFile assigns an id and guesses the content type from the name.
func NewFile(name string, data []byte) *File {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &File{
		ContentType: contentType,
		Data:        data,
		ID:          uuid.NewString(),
		Name:        filepath.Base(name),
	}
}

func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// Config holds the fragmenting parameters.
type Config struct {
	BufferedAmountThreshold uint64
	ChunkSize               int
	Encoding                protocol.FragmentEncoding
	PollInterval            time.Duration
	SmallFileThreshold      int
}

func DefaultConfig() Config {
	return Config{
		BufferedAmountThreshold: protocol.BufferedAmountThreshold,
		ChunkSize:               protocol.ChunkSize,
		Encoding:                protocol.EncodingJSON,
		PollInterval:            10 * time.Millisecond,
		SmallFileThreshold:      protocol.SmallFileThreshold,
	}
}

// rawChunkSize is the number of payload bytes that encode to ChunkSize
// base64 characters. It is a multiple of three so only the final chunk
// carries padding.
func (c Config) rawChunkSize() int {
	n := c.ChunkSize / 4 * 3
	if n <= 0 {
		n = protocol.RawChunkSize
	}
	return n
}

// CalculateTotalChunks returns the number of intermediate fragments a file
// of the given size is split into. Small files are sent whole.
func (c Config) CalculateTotalChunks(size int64) int {
	if size < int64(c.SmallFileThreshold) {
		return 1
	}
	raw := int64(c.rawChunkSize())
	return int((size + raw - 1) / raw)
}
