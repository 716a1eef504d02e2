package wire

import (
	"fmt"
	"strings"

	"mcastqueue/internal/ring"
)

// Type identifies the kind of a Message.
type Type uint8

const (
	TypeUnknown Type = iota
	GetPrev
	GetPrevAnswer
	SetPrev
	SetNext
	Data
	SetNextAnswer
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case GetPrev:
		return "GET_PREV"
	case GetPrevAnswer:
		return "GET_PREV_ANSWER"
	case SetPrev:
		return "SET_PREV"
	case SetNext:
		return "SET_NEXT"
	case Data:
		return "DATA"
	case SetNextAnswer:
		return "SET_NEXT_ANSWER"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool {
	return t >= GetPrev && t <= SetNextAnswer
}

// Guarantee is the delivery guarantee a group runs with.
type Guarantee uint8

const (
	// None delivers every message eventually at every peer.
	None Guarantee = iota
	// FIFO additionally delivers messages from one origin in send order.
	FIFO
	// Causal additionally respects causal order across origins.
	Causal
	// Total delivers every message in the same order at every peer.
	Total
)

// String returns the string representation of Guarantee.
func (g Guarantee) String() string {
	switch g {
	case None:
		return "NONE"
	case FIFO:
		return "FIFO"
	case Causal:
		return "CAUSAL"
	case Total:
		return "TOTAL"
	default:
		return "UNKNOWN"
	}
}

// ParseGuarantee parses a guarantee name, case-insensitively.
func ParseGuarantee(s string) (Guarantee, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return None, nil
	case "FIFO":
		return FIFO, nil
	case "CAUSAL":
		return Causal, nil
	case "TOTAL", "":
		return Total, nil
	default:
		return None, fmt.Errorf("unknown delivery guarantee %q (expected NONE, FIFO, CAUSAL or TOTAL)", s)
	}
}

// Message is one unit moved between ring neighbors. Messages are treated as
// immutable once handed to a Sender; the ack-lap copy of a DATA message is a
// new value built by AckCopy.
type Message struct {
	Type Type
	// Origin is the peer that created the message.
	Origin ring.Address
	// Target is the address argument of a control message ("your new prev
	// is Target", "reply to Target").
	Target ring.Address
	// Payload is only set on the data lap of a DATA message.
	Payload   []byte
	Timestamp int64
	// Ack is true once a DATA message has completed its first lap.
	Ack bool
	// Guarantee is carried by GET_PREV_ANSWER so joiners can detect a
	// mismatch with the group.
	Guarantee Guarantee
	// Clock is the sender's Lamport clock on GET_PREV_ANSWER and
	// SET_NEXT_ANSWER. A joiner starts its own clock past it, so nothing it
	// stamps sorts before a message that went round without it.
	Clock int64
}

// NewData builds the data-lap copy of a DATA message.
func NewData(origin ring.Address, ts int64, payload []byte) *Message {
	return &Message{Type: Data, Origin: origin, Timestamp: ts, Payload: payload}
}

// NewControl builds a control message of the given type.
func NewControl(t Type, origin, target ring.Address) *Message {
	return &Message{Type: t, Origin: origin, Target: target}
}

// AckCopy returns the ack-lap copy of a DATA message. The ack lap only
// certifies the timestamp, so the payload is not carried again.
func (m *Message) AckCopy() *Message {
	return &Message{
		Type:      Data,
		Origin:    m.Origin,
		Timestamp: m.Timestamp,
		Ack:       true,
	}
}

// SameEvent reports whether m and other are copies of the same originated
// message.
func (m *Message) SameEvent(other *Message) bool {
	return m.Timestamp == other.Timestamp && m.Origin == other.Origin
}

// String returns a short description for logs.
func (m *Message) String() string {
	switch m.Type {
	case Data:
		lap := "data"
		if m.Ack {
			lap = "ack"
		}
		return fmt.Sprintf("DATA[%s@%d %s lap, %d bytes]", m.Origin, m.Timestamp, lap, len(m.Payload))
	case GetPrevAnswer, SetNextAnswer:
		return fmt.Sprintf("%s[from=%s target=%s clock=%d]", m.Type, m.Origin, m.Target, m.Clock)
	default:
		return fmt.Sprintf("%s[from=%s target=%s]", m.Type, m.Origin, m.Target)
	}
}
