package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedFragment = errors.New("malformed fragment")

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, env *Envelope) error {
	return json.NewEncoder(w).Encode(env)
}

func (c *Codec) Decode(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Codec) EncodeToBytes(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *Codec) DecodeFromBytes(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// StreamDecoder reads consecutive envelopes from one byte stream.
type StreamDecoder struct {
	dec *json.Decoder
}

func (c *Codec) NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: json.NewDecoder(r)}
}

func (d *StreamDecoder) Decode() (*Envelope, error) {
	var env Envelope
	if err := d.dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// FragmentEncoding selects the wire form of file fragments.
type FragmentEncoding string

const (
	EncodingJSON  FragmentEncoding = "json"
	EncodingProto FragmentEncoding = "proto"
)

func (e FragmentEncoding) Valid() bool {
	return e == EncodingJSON || e == EncodingProto
}

// EncodeFragment marshals f in the given encoding.
func EncodeFragment(f *Fragment, enc FragmentEncoding) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(f)
	case EncodingProto:
		return appendFragment(nil, f), nil
	default:
		return nil, fmt.Errorf("unknown fragment encoding %q", enc)
	}
}

// DecodeFragment detects the encoding of data and unmarshals it. JSON
// fragments always start with '{'; the proto form never does because field
// 15 is unused.
func DecodeFragment(data []byte) (*Fragment, error) {
	if len(data) > 0 && data[0] == '{' {
		var f Fragment
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
		}
		return &f, nil
	}
	return consumeFragment(data)
}

const (
	fieldID protowire.Number = iota + 1
	fieldFrom
	fieldTo
	fieldType
	fieldFileID
	fieldFileName
	fieldFileSize
	fieldChunkType
	fieldContentType
	fieldMessage
	fieldFragmentCount
)

func appendFragment(b []byte, f *Fragment) []byte {
	b = appendString(b, fieldID, f.ID)
	b = appendString(b, fieldFrom, f.From)
	b = appendString(b, fieldTo, f.To)
	b = appendString(b, fieldType, f.Type)
	b = appendString(b, fieldFileID, f.FileID)
	b = appendString(b, fieldFileName, f.FileName)
	b = protowire.AppendTag(b, fieldFileSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.FileSize))
	b = appendString(b, fieldChunkType, string(f.ChunkType))
	b = appendString(b, fieldContentType, f.ContentType)
	b = appendString(b, fieldMessage, f.Message)
	if f.FragmentCount > 0 {
		b = protowire.AppendTag(b, fieldFragmentCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.FragmentCount))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeFragment(b []byte) (*Fragment, error) {
	f := &Fragment{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num != fieldFileSize && num != fieldFragmentCount:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, protowire.ParseError(m))
			}
			b = b[m:]
			setStringField(f, num, s)
		case typ == protowire.VarintType && (num == fieldFileSize || num == fieldFragmentCount):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, protowire.ParseError(m))
			}
			b = b[m:]
			if num == fieldFileSize {
				f.FileSize = int64(v)
			} else {
				f.FragmentCount = int(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFragment, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if f.FileID == "" || f.ChunkType == "" {
		return nil, fmt.Errorf("%w: missing file id or chunk type", ErrMalformedFragment)
	}
	return f, nil
}

func setStringField(f *Fragment, num protowire.Number, s string) {
	switch num {
	case fieldID:
		f.ID = s
	case fieldFrom:
		f.From = s
	case fieldTo:
		f.To = s
	case fieldType:
		f.Type = s
	case fieldFileID:
		f.FileID = s
	case fieldFileName:
		f.FileName = s
	case fieldChunkType:
		f.ChunkType = ChunkType(s)
	case fieldContentType:
		f.ContentType = s
	case fieldMessage:
		f.Message = s
	}
}
