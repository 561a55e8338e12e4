package filetransfer

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

// Received describes the state of an inbound file after one fragment.
type Received struct {
	ContentType string
	// Data is set once the file is complete.
	Data          []byte
	FileID        string
	FileName      string
	FileSize      int64
	FragmentCount int
	Fragments     int
	IsComplete    bool
}

type inbound struct {
	contentType   string
	fileName      string
	fileSize      int64
	fragmentCount int
	parts         []string
}

// Receiver reassembles fragments per file id. Fragments are trusted to
// arrive in order.
type Receiver struct {
	transfers map[string]*inbound
}

func NewReceiver() *Receiver {
	return &Receiver{transfers: make(map[string]*inbound)}
}

// Handle applies one fragment. It returns nil, nil for an end fragment of a
// file that was already finalised by a whole fragment.
func (r *Receiver) Handle(f *protocol.Fragment) (*Received, error) {
	switch f.ChunkType {
	case protocol.ChunkStart:
		r.transfers[f.FileID] = &inbound{
			contentType:   f.ContentType,
			fileName:      f.FileName,
			fileSize:      f.FileSize,
			fragmentCount: f.FragmentCount,
		}
		return r.status(f.FileID, r.transfers[f.FileID]), nil

	case protocol.ChunkIntermediate:
		in := r.accumulator(f)
		in.parts = append(in.parts, f.Message)
		return r.status(f.FileID, in), nil

	case protocol.ChunkWhole:
		in := r.accumulator(f)
		delete(r.transfers, f.FileID)
		data, err := base64.StdEncoding.DecodeString(f.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to decode file %s: %v", f.FileID, err)
		}
		res := r.status(f.FileID, in)
		res.Data = data
		res.Fragments = 1
		res.IsComplete = true
		return res, nil

	case protocol.ChunkEnd:
		in, ok := r.transfers[f.FileID]
		if !ok {
			return nil, nil
		}
		delete(r.transfers, f.FileID)
		data, err := base64.StdEncoding.DecodeString(strings.Join(in.parts, ""))
		if err != nil {
			return nil, fmt.Errorf("failed to decode file %s: %v", f.FileID, err)
		}
		res := r.status(f.FileID, in)
		res.Data = data
		res.IsComplete = true
		return res, nil

	default:
		return nil, fmt.Errorf("unknown chunk type %q", f.ChunkType)
	}
}

// Pending reports whether an accumulator exists for fileID.
func (r *Receiver) Pending(fileID string) bool {
	_, ok := r.transfers[fileID]
	return ok
}

// Discard drops any partial state for fileID.
func (r *Receiver) Discard(fileID string) {
	delete(r.transfers, fileID)
}

// accumulator returns the state for f, creating it when the start fragment
// was never seen.
func (r *Receiver) accumulator(f *protocol.Fragment) *inbound {
	in, ok := r.transfers[f.FileID]
	if !ok {
		in = &inbound{
			contentType:   f.ContentType,
			fileName:      f.FileName,
			fileSize:      f.FileSize,
			fragmentCount: f.FragmentCount,
		}
		r.transfers[f.FileID] = in
	}
	return in
}

func (r *Receiver) status(fileID string, in *inbound) *Received {
	return &Received{
		ContentType:   in.contentType,
		FileID:        fileID,
		FileName:      in.fileName,
		FileSize:      in.fileSize,
		FragmentCount: in.fragmentCount,
		Fragments:     len(in.parts),
	}
}
