package node

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"mcastqueue/internal/order"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/transport"
	"mcastqueue/internal/wire"
)

func testOptions() Options {
	return Options{
		Host:          "127.0.0.1",
		ListenPort:    EphemeralPort,
		AcceptTimeout: 20 * time.Millisecond,
		RetryBackoff:  10 * time.Millisecond,
		DialTimeout:   200 * time.Millisecond,
		JoinTimeout:   2 * time.Second,
	}
}

func pollTimeout(t *testing.T, n *Node) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := n.PollContext(ctx)
	if err != nil {
		t.Fatalf("PollContext: %v", err)
	}
	return p
}

func TestPutBeforeJoin(t *testing.T) {
	n := NewNode(testOptions())
	if err := n.Put([]byte("x")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Put = %v, want ErrNotActive", err)
	}
	if _, err := n.Poll(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Poll = %v, want ErrNotActive", err)
	}
	if err := n.LeaveGroup(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("LeaveGroup = %v, want ErrNotActive", err)
	}
	if n.State() != ring.Unjoined || n.Clock() != 0 || n.AreTherePendingSends() {
		t.Fatalf("unexpected state %v clock %d", n.State(), n.Clock())
	}
}

func TestSingletonGroupDeliversOwnMessages(t *testing.T) {
	var statuses []ring.Status
	opts := testOptions()
	opts.OnStatus = func(s ring.Status) { statuses = append(statuses, s) }
	n := NewNode(opts)
	if err := n.CreateGroup(0, wire.Total); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	snap := n.Ring()
	if snap.Next != snap.Self || snap.Prev != snap.Self || snap.Status != ring.Active {
		t.Fatalf("singleton ring = %+v", snap)
	}
	if err := n.CreateGroup(0, wire.Total); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second CreateGroup = %v", err)
	}

	for _, p := range []string{"one", "two", "three"} {
		if err := n.Put([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := string(pollTimeout(t, n)); got != want {
			t.Fatalf("Poll = %q, want %q", got, want)
		}
	}
	if n.Clock() < 3 {
		t.Fatalf("clock = %d after three puts", n.Clock())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.WaitForPendingSends(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.LeaveGroup(); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	if _, err := n.Poll(); !errors.Is(err, io.EOF) {
		t.Fatalf("Poll after leave = %v, want io.EOF", err)
	}
	if err := n.Put([]byte("late")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Put after leave = %v", err)
	}
	want := []ring.Status{ring.Active, ring.Leaving, ring.Left}
	if len(statuses) != len(want) {
		t.Fatalf("status callbacks %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status callbacks %v, want %v", statuses, want)
		}
	}
}

func TestJoinGuaranteeMismatch(t *testing.T) {
	a := NewNode(testOptions())
	if err := a.CreateGroup(0, wire.Total); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b := NewNode(testOptions())
	err := b.JoinGroup(context.Background(), a.Addr(), wire.FIFO)
	if !errors.Is(err, ErrGuaranteeMismatch) {
		t.Fatalf("JoinGroup = %v, want ErrGuaranteeMismatch", err)
	}
	if b.State() != ring.Left {
		t.Fatalf("failed joiner state = %v", b.State())
	}
	if snap := a.Ring(); snap.Prev != snap.Self || snap.Next != snap.Self {
		t.Fatalf("founder ring changed by failed join: %+v", snap)
	}
}

func TestJoinerClockCatchesUpWithGroup(t *testing.T) {
	a := NewNode(testOptions())
	if err := a.CreateGroup(0, wire.Total); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	for _, p := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if err := a.Put([]byte(p)); err != nil {
			t.Fatal(err)
		}
		pollTimeout(t, a)
	}
	before := a.Clock()
	if before < 5 {
		t.Fatalf("founder clock = %d after five puts", before)
	}

	b := NewNode(testOptions())
	if err := b.JoinGroup(context.Background(), a.Addr(), wire.Total); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	defer b.Close()
	if b.Clock() <= before {
		t.Fatalf("joiner clock = %d, want past the founder's %d", b.Clock(), before)
	}

	if err := b.Put([]byte("from b")); err != nil {
		t.Fatal(err)
	}
	if err := a.Put([]byte("from a")); err != nil {
		t.Fatal(err)
	}
	first, second := string(pollTimeout(t, a)), string(pollTimeout(t, a))
	if got := string(pollTimeout(t, b)); got != first {
		t.Fatalf("b delivered %q first, a delivered %q", got, first)
	}
	if got := string(pollTimeout(t, b)); got != second {
		t.Fatalf("b delivered %q second, a delivered %q", got, second)
	}
}

// sendRaw pushes m straight to a peer's receiver, bypassing the ring.
func sendRaw(t *testing.T, to ring.Address, m *wire.Message) {
	t.Helper()
	opts := transport.Options{DialTimeout: time.Second, RetryBackoff: 10 * time.Millisecond}
	if err := transport.SendOnce(opts, to, m); err != nil {
		t.Fatalf("SendOnce(%v): %v", m, err)
	}
}

func TestUnexpectedControlMessageStopsReceiveLoop(t *testing.T) {
	n := NewNode(testOptions())
	if err := n.CreateGroup(0, wire.FIFO); err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if err := n.Put([]byte("before")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.WaitForPendingSends(ctx); err != nil {
		t.Fatal(err)
	}
	stray := ring.Address{Host: "127.0.0.1", Port: 1}
	sendRaw(t, n.Addr(), wire.NewControl(wire.GetPrevAnswer, stray, stray))

	if got := string(pollTimeout(t, n)); got != "before" {
		t.Fatalf("Poll = %q, want the payload received before the bad frame", got)
	}
	for i := 0; i < 2; i++ {
		_, err := n.PollContext(ctx)
		if !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("Poll = %v, want ErrProtocolViolation", err)
		}
	}
}

func TestAckCopyInSingleLapGroupStopsReceiveLoop(t *testing.T) {
	n := NewNode(testOptions())
	if err := n.CreateGroup(0, wire.FIFO); err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	other := ring.Address{Host: "127.0.0.1", Port: 1}
	sendRaw(t, n.Addr(), wire.NewData(other, 3, nil).AckCopy())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := n.PollContext(ctx)
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, order.ErrUnexpectedAck) {
		t.Fatalf("Poll = %v, want ErrProtocolViolation wrapping ErrUnexpectedAck", err)
	}
}

func TestJoinAbortsOnWrongAnswer(t *testing.T) {
	fake := transport.NewReceiver(transport.Options{AcceptTimeout: 20 * time.Millisecond})
	if err := fake.Listen(0); err != nil {
		t.Fatal(err)
	}
	defer fake.Shutdown()
	fakeAddr := ring.Address{Host: "127.0.0.1", Port: fake.Port()}

	replied := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, err := fake.PollContext(ctx)
		if err != nil {
			replied <- err
			return
		}
		if m.Type != wire.GetPrev {
			replied <- errors.New("fake peer got " + m.Type.String())
			return
		}
		opts := transport.Options{DialTimeout: time.Second}
		replied <- transport.SendOnce(opts, m.Target, wire.NewControl(wire.SetPrev, fakeAddr, fakeAddr))
	}()

	n := NewNode(testOptions())
	err := n.JoinGroup(context.Background(), fakeAddr, wire.Total)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("JoinGroup = %v, want ErrProtocolViolation", err)
	}
	if err := <-replied; err != nil {
		t.Fatalf("fake peer: %v", err)
	}
	if n.State() != ring.Left {
		t.Fatalf("state after failed join = %v", n.State())
	}
	if err := n.Put([]byte("x")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Put after failed join = %v", err)
	}
}

func TestJoinUnreachablePeerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ring.Address{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	ln.Close()

	opts := testOptions()
	opts.JoinTimeout = 200 * time.Millisecond
	n := NewNode(opts)
	err = n.JoinGroup(context.Background(), dead, wire.Total)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("JoinGroup = %v, want deadline exceeded", err)
	}
	if n.State() != ring.Left {
		t.Fatalf("state = %v", n.State())
	}
}

func TestJoinBindError(t *testing.T) {
	a := NewNode(testOptions())
	if err := a.CreateGroup(0, wire.Total); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	opts := testOptions()
	opts.ListenPort = a.Addr().Port
	b := NewNode(opts)
	if err := b.JoinGroup(context.Background(), a.Addr(), wire.Total); err == nil {
		t.Fatal("JoinGroup on a taken port succeeded")
	}
}

func TestTypedAndSubscribe(t *testing.T) {
	type chat struct {
		From string
		Text string
	}
	n := NewNode(testOptions())
	if err := n.CreateGroup(0, wire.FIFO); err != nil {
		t.Fatal(err)
	}
	typed := NewTyped[chat](n)
	for _, text := range []string{"hi", "bye"} {
		if err := typed.Put(chat{From: "me", Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	var got []chat
	errStop := errors.New("stop")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Subscribe[chat](ctx, typed, func(c chat) error {
		got = append(got, c)
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Subscribe = %v", err)
	}
	if got[0].Text != "hi" || got[1].Text != "bye" || got[0].From != "me" {
		t.Fatalf("got %+v", got)
	}

	if err := typed.Node().LeaveGroup(); err != nil {
		t.Fatal(err)
	}
	if err := Subscribe[[]byte](context.Background(), n, func([]byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe after leave = %v, want nil at end of stream", err)
	}
}
