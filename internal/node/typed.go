package node

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Typed is a Node that multicasts values of type E, encoded with gob.
type Typed[E any] struct {
	node *Node
}

// NewTyped wraps n.
func NewTyped[E any](n *Node) *Typed[E] {
	return &Typed[E]{node: n}
}

// Node returns the wrapped peer.
func (t *Typed[E]) Node() *Node { return t.node }

// Put encodes v and multicasts it.
func (t *Typed[E]) Put(v E) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return t.node.Put(buf.Bytes())
}

// Poll returns the next delivered value.
func (t *Typed[E]) Poll() (E, error) {
	return t.PollContext(context.Background())
}

// PollContext is Poll bounded by ctx.
func (t *Typed[E]) PollContext(ctx context.Context) (E, error) {
	var v E
	payload, err := t.node.PollContext(ctx)
	if err != nil {
		return v, err
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Poller is anything Subscribe can drain.
type Poller[E any] interface {
	PollContext(ctx context.Context) (E, error)
}

// Subscribe calls fn with every delivered item until the stream ends, ctx is
// done or fn returns an error. A clean end of stream returns nil.
func Subscribe[E any](ctx context.Context, p Poller[E], fn func(E) error) error {
	for {
		v, err := p.PollContext(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
