package wire

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"

	lz4 "github.com/bkaradzic/go-lz4"
)

// MaxFrameSize is the largest frame a peer accepts, before and after
// decompression.
const MaxFrameSize = 16 << 20

// LZ4Codec compresses the frames of an inner codec with LZ4.
type LZ4Codec struct {
	Codec Codec
}

// Name implements Codec.
func (LZ4Codec) Name() string { return "lz4" }

// Encode implements Codec.
func (c LZ4Codec) Encode(m *Message) ([]byte, error) {
	raw, err := c.Codec.Encode(m)
	if err != nil {
		return nil, err
	}
	return lz4.Encode(nil, raw)
}

// Decode implements Codec.
// The decoded size is read from the 4-byte little-endian header and checked
// before anything is allocated.
func (c LZ4Codec) Decode(frame []byte) (*Message, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: lz4: short header", ErrMalformed)
	}
	if size := binary.LittleEndian.Uint32(frame); size > MaxFrameSize {
		return nil, fmt.Errorf("%w: lz4: decoded size %d exceeds %d", ErrMalformed, size, MaxFrameSize)
	}
	raw, err := lz4.Decode(nil, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrMalformed, err)
	}
	return c.Codec.Decode(raw)
}

// FlateCodec compresses the frames of an inner codec with DEFLATE.
type FlateCodec struct {
	Codec Codec
}

// Name implements Codec.
func (FlateCodec) Name() string { return "flate" }

// Encode implements Codec.
func (c FlateCodec) Encode(m *Message) ([]byte, error) {
	raw, err := c.Codec.Encode(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (c FlateCodec) Decode(frame []byte) (*Message, error) {
	r := flate.NewReader(bytes.NewReader(frame))
	defer r.Close()
	raw, err := io.ReadAll(io.LimitReader(r, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: flate: %v", ErrMalformed, err)
	}
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("%w: flate: decoded size exceeds %d", ErrMalformed, MaxFrameSize)
	}
	return c.Codec.Decode(raw)
}
