package wire

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"mcastqueue/internal/ring"
)

func sampleMessages() []*Message {
	a := ring.Address{Host: "10.0.0.1", Port: 7000}
	b := ring.Address{Host: "10.0.0.2", Port: 7001}
	data := NewData(a, 42, []byte("hello, ring"))
	answer := NewControl(GetPrevAnswer, b, a)
	answer.Guarantee = Causal
	answer.Clock = 1 << 40
	spliced := NewControl(SetNextAnswer, b, b)
	spliced.Clock = 17
	return []*Message{
		NewControl(GetPrev, a, a),
		answer,
		NewControl(SetPrev, a, b),
		NewControl(SetNext, b, a),
		spliced,
		data,
		data.AckCopy(),
	}
}

func TestCodecsPreserveMessages(t *testing.T) {
	for _, name := range []string{"none", "lz4", "flate"} {
		codec, err := NewCodec(name)
		if err != nil {
			t.Fatalf("NewCodec(%q): %v", name, err)
		}
		if codec.Name() != name {
			t.Errorf("codec name = %q, want %q", codec.Name(), name)
		}
		for _, m := range sampleMessages() {
			frame, err := codec.Encode(m)
			if err != nil {
				t.Fatalf("%s: Encode(%v): %v", name, m, err)
			}
			got, err := codec.Decode(frame)
			if err != nil {
				t.Fatalf("%s: Decode(%v): %v", name, m, err)
			}
			if got.Type != m.Type || got.Origin != m.Origin || got.Target != m.Target ||
				got.Timestamp != m.Timestamp || got.Ack != m.Ack || got.Guarantee != m.Guarantee ||
				got.Clock != m.Clock || !bytes.Equal(got.Payload, m.Payload) {
				t.Errorf("%s: decoded %+v, want %+v", name, got, m)
			}
		}
	}
}

func TestNewCodecUnknown(t *testing.T) {
	if _, err := NewCodec("zstd"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
	c, err := NewCodec("")
	if err != nil {
		t.Fatalf("NewCodec(\"\"): %v", err)
	}
	if _, ok := c.(ProtoCodec); !ok {
		t.Errorf("default codec = %T, want ProtoCodec", c)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)
	_, err := ProtoCodec{}.Decode(b)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Decode() error = %v, want ErrUnknownType", err)
	}

	if _, err := (ProtoCodec{}).Encode(&Message{Type: TypeUnknown}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Encode() error = %v, want ErrUnknownType", err)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	m := NewData(ring.Address{Host: "h", Port: 1}, 3, []byte("x"))
	frame, err := ProtoCodec{}.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	frame = protowire.AppendTag(frame, 40, protowire.BytesType)
	frame = protowire.AppendString(frame, "from a newer peer")

	got, err := ProtoCodec{}.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.SameEvent(m) || string(got.Payload) != "x" {
		t.Errorf("decoded %v, want %v", got, m)
	}
}

func TestDecodeTruncated(t *testing.T) {
	m := NewData(ring.Address{Host: "h", Port: 1}, 3, []byte("payload"))
	frame, err := ProtoCodec{}.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ProtoCodec{}.Decode(frame[:len(frame)-3])
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() error = %v, want ErrMalformed", err)
	}
	if _, err := (LZ4Codec{Codec: ProtoCodec{}}).Decode([]byte{0xff}); err == nil {
		t.Fatal("expected lz4 decode error")
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	m := NewData(ring.Address{Host: "h", Port: 1}, 1, []byte("abc"))
	frame, _ := ProtoCodec{}.Encode(m)
	got, err := ProtoCodec{}.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	for i := range frame {
		frame[i] = 0
	}
	if string(got.Payload) != "abc" {
		t.Errorf("payload aliases the frame: %q", got.Payload)
	}
}

func TestLZ4DecodeRejectsOversizedHeader(t *testing.T) {
	frame := make([]byte, 8)
	binary.LittleEndian.PutUint32(frame, 0x7E000000)
	_, err := LZ4Codec{Codec: ProtoCodec{}}.Decode(frame)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() error = %v, want ErrMalformed", err)
	}

	binary.LittleEndian.PutUint32(frame, MaxFrameSize+1)
	if _, err := (LZ4Codec{Codec: ProtoCodec{}}).Decode(frame); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() at limit+1 error = %v, want ErrMalformed", err)
	}
	if _, err := (LZ4Codec{Codec: ProtoCodec{}}).Decode(frame[:3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() of short header error = %v, want ErrMalformed", err)
	}
}

func TestFlateDecodeStopsAtMaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(make([]byte, MaxFrameSize+1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() >= MaxFrameSize/100 {
		t.Fatalf("compressed frame is %d bytes, expected a small one", buf.Len())
	}

	_, err = FlateCodec{Codec: ProtoCodec{}}.Decode(buf.Bytes())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode() error = %v, want ErrMalformed", err)
	}
}
