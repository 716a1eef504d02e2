package wire

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"mcastqueue/internal/ring"
)

var (
	// ErrUnknownType is returned when a frame carries a message type this
	// peer does not know.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a frame cannot be parsed.
	ErrMalformed = errors.New("malformed frame")
)

// Codec converts messages to and from frames.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(frame []byte) (*Message, error)
	Name() string
}

// NewCodec returns the codec registered under name. The empty name selects
// the uncompressed codec.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "proto":
		return ProtoCodec{}, nil
	case "lz4":
		return LZ4Codec{Codec: ProtoCodec{}}, nil
	case "flate", "deflate":
		return FlateCodec{Codec: ProtoCodec{}}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (expected none, lz4 or flate)", name)
	}
}

// Field numbers of the message frame.
const (
	fieldType      protowire.Number = 1
	fieldOrigin    protowire.Number = 2
	fieldTarget    protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldTimestamp protowire.Number = 5
	fieldAck       protowire.Number = 6
	fieldGuarantee protowire.Number = 7
	fieldClock     protowire.Number = 8
)

// Field numbers of an embedded address.
const (
	fieldHost protowire.Number = 1
	fieldPort protowire.Number = 2
)

// ProtoCodec encodes messages in the protobuf wire format. Fields holding
// their zero value are omitted and unknown fields are skipped on decode.
type ProtoCodec struct{}

// Name implements Codec.
func (ProtoCodec) Name() string { return "none" }

// Encode implements Codec.
func (ProtoCodec) Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode nil message")
	}
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	b := make([]byte, 0, 32+len(m.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if !m.Origin.IsZero() {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAddress(nil, m.Origin))
	}
	if !m.Target.IsZero() {
		b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAddress(nil, m.Target))
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Timestamp))
	}
	if m.Ack {
		b = protowire.AppendTag(b, fieldAck, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.Guarantee != None {
		b = protowire.AppendTag(b, fieldGuarantee, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Guarantee))
	}
	if m.Clock != 0 {
		b = protowire.AppendTag(b, fieldClock, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Clock))
	}
	return b, nil
}

// Decode implements Codec.
func (ProtoCodec) Decode(frame []byte) (*Message, error) {
	m := &Message{}
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		frame = frame[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: type: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Type = Type(v)
			frame = frame[n:]
		case (num == fieldOrigin || num == fieldTarget) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: address: %v", ErrMalformed, protowire.ParseError(n))
			}
			addr, err := consumeAddress(v)
			if err != nil {
				return nil, err
			}
			if num == fieldOrigin {
				m.Origin = addr
			} else {
				m.Target = addr
			}
			frame = frame[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			frame = frame[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Timestamp = int64(v)
			frame = frame[n:]
		case num == fieldAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: ack: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Ack = protowire.DecodeBool(v)
			frame = frame[n:]
		case num == fieldGuarantee && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: guarantee: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Guarantee = Guarantee(v)
			frame = frame[n:]
		case num == fieldClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: clock: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Clock = int64(v)
			frame = frame[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, frame)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			frame = frame[n:]
		}
	}
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	return m, nil
}

func appendAddress(b []byte, a ring.Address) []byte {
	if a.Host != "" {
		b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
		b = protowire.AppendString(b, a.Host)
	}
	if a.Port != 0 {
		b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Port))
	}
	return b
}

func consumeAddress(b []byte) (ring.Address, error) {
	var a ring.Address
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return a, fmt.Errorf("%w: address: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return a, fmt.Errorf("%w: host: %v", ErrMalformed, protowire.ParseError(n))
			}
			a.Host = v
			b = b[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return a, fmt.Errorf("%w: port: %v", ErrMalformed, protowire.ParseError(n))
			}
			if v > 65535 {
				return a, fmt.Errorf("%w: port %d out of range", ErrMalformed, v)
			}
			a.Port = int(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return a, fmt.Errorf("%w: address field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return a, nil
}
