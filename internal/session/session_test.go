package session

import (
	"context"
	"testing"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/wire"
	"go.uber.org/zap"
)

func peerConfig(localID, peerID [4]byte, localASN, peerASN uint32) Config {
	return Config{
		Host: "192.0.2.2",
		Port: 179,
		FSM: fsm.Config{
			LocalASN:           localASN,
			LocalID:            localID,
			PeerASN:            peerASN,
			PeerID:             peerID,
			HoldTime:           90,
			KeepAlive:          30,
			ConnectRetry:       120,
			ASOrigination:      15,
			RouteAdvertisement: 30,
		},
	}
}

type fakeDialer struct {
	conn Conn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	return d.conn, nil
}

// farEnd drives the remote side of a pipe by hand.
type farEnd struct {
	t    *testing.T
	conn Conn
	buf  []byte
}

func (f *farEnd) send(m wire.Message) {
	f.t.Helper()
	b, err := wire.Marshal(m, wire.Negotiated{})
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	if err := f.conn.Send(b); err != nil {
		f.t.Fatalf("send: %v", err)
	}
}

func (f *farEnd) sendRaw(b []byte) {
	f.t.Helper()
	if err := f.conn.Send(b); err != nil {
		f.t.Fatalf("send: %v", err)
	}
}

func (f *farEnd) recv(timeout time.Duration) wire.Message {
	f.t.Helper()
	deadline := time.After(timeout)
	for {
		frame, rest, err := wire.Split(f.buf, wire.Negotiated{})
		if err != nil {
			f.t.Fatalf("split: %v", err)
		}
		if frame != nil {
			f.buf = rest
			m, err := wire.Unmarshal(frame, wire.Negotiated{})
			if err != nil {
				f.t.Fatalf("unmarshal: %v", err)
			}
			return m
		}
		select {
		case b, ok := <-f.conn.Recv():
			if !ok {
				f.t.Fatal("connection closed while waiting for a message")
			}
			f.buf = append(f.buf, b...)
		case <-deadline:
			f.t.Fatal("timed out waiting for a message")
		}
	}
}

func waitState(t *testing.T, s *Session, want fsm.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, at %s", want, s.State())
}

// Two sessions wired back to back over the in-process transport reach
// established from both ends.
func TestHandshakeOverPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ca, cb := Pipe()

	cfgA := peerConfig([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	cfgB := peerConfig([4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 65001, 65000)

	sa := New(cfgA, nil, nil, zap.NewNop())
	sb := New(cfgB, nil, nil, zap.NewNop())
	go sa.Run(ctx)
	go sb.Run(ctx)

	sa.HandleInbound(ca)
	sb.HandleInbound(cb)

	waitState(t, sa, fsm.StateEstablished, 2*time.Second)
	waitState(t, sb, fsm.StateEstablished, 2*time.Second)
}

// The full active-open exchange against a hand-driven peer: one OPEN and
// one KEEPALIVE out, established at the end.
func TestActiveHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, remote := Pipe()
	far := &farEnd{t: t, conn: remote}

	cfg := peerConfig([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	s := New(cfg, &fakeDialer{conn: local}, nil, zap.NewNop())
	go s.Run(ctx)
	s.Start(false)

	m := far.recv(2 * time.Second)
	open, ok := m.(*wire.Open)
	if !ok {
		t.Fatalf("expected OPEN first, got %T", m)
	}
	if open.HoldTime != 90 {
		t.Fatalf("expected hold time 90, got %d", open.HoldTime)
	}

	far.send(&wire.Open{Version: 4, ASN: 65001, HoldTime: 90, BGPID: [4]byte{10, 0, 0, 2}})

	if _, ok := far.recv(2 * time.Second).(wire.Keepalive); !ok {
		t.Fatal("expected KEEPALIVE after our OPEN")
	}

	far.send(wire.Keepalive{})
	waitState(t, s, fsm.StateEstablished, 2*time.Second)
}

// Scenario: an UPDATE with Origin's optional flag set produces one
// attribute_flags_error NOTIFICATION and drives the session to idle.
func TestBadAttributeFlags(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, remote := Pipe()
	far := &farEnd{t: t, conn: remote}

	cfg := peerConfig([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	s := New(cfg, &fakeDialer{conn: local}, nil, zap.NewNop())
	go s.Run(ctx)
	s.Start(false)

	far.recv(2 * time.Second) // OPEN
	far.send(&wire.Open{Version: 4, ASN: 65001, HoldTime: 90, BGPID: [4]byte{10, 0, 0, 2}})
	far.recv(2 * time.Second) // KEEPALIVE
	far.send(wire.Keepalive{})
	waitState(t, s, fsm.StateEstablished, 2*time.Second)

	// Origin with the optional bit set: flags 0xC0, type 1, length 1.
	badAttr := []byte{0xC0, 1, 1, 0}
	body := []byte{0, 0} // no withdrawn routes
	body = append(body, 0, byte(len(badAttr)))
	body = append(body, badAttr...)
	body = append(body, 24, 10, 0, 0)

	frame := make([]byte, 16, 19+len(body))
	for i := range frame {
		frame[i] = 0xFF
	}
	frame = append(frame, byte((19+len(body))>>8), byte(19+len(body)), wire.TypeUpdate)
	frame = append(frame, body...)
	far.sendRaw(frame)

	n, ok := far.recv(2 * time.Second).(*wire.Notification)
	if !ok {
		t.Fatal("expected a NOTIFICATION")
	}
	if n.Code != wire.ErrUpdateMessage || n.Subcode != wire.SubAttributeFlagsError {
		t.Fatalf("expected update/attribute_flags_error, got %d/%d", n.Code, n.Subcode)
	}
	waitState(t, s, fsm.StateIdle, 2*time.Second)
}

// Collision: the side with the lower BGP-ID dumps its own connection and
// adopts the inbound one.
func TestCollisionPeerWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, remote := Pipe()
	far := &farEnd{t: t, conn: remote}

	cfg := peerConfig([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	s := New(cfg, &fakeDialer{conn: local}, nil, zap.NewNop())
	go s.Run(ctx)
	s.Start(false)

	far.recv(2 * time.Second) // OPEN on the outbound connection
	waitState(t, s, fsm.StateOpenSent, 2*time.Second)

	inboundLocal, inboundRemote := Pipe()
	inboundFar := &farEnd{t: t, conn: inboundRemote}
	s.HandleInbound(inboundLocal)

	// The losing outbound connection carries a cease.
	n, ok := far.recv(2 * time.Second).(*wire.Notification)
	if !ok || n.Code != wire.ErrCease {
		t.Fatalf("expected cease on the dumped connection, got %+v", n)
	}

	// The surviving inbound connection restarts the exchange.
	if _, ok := inboundFar.recv(2 * time.Second).(*wire.Open); !ok {
		t.Fatal("expected OPEN on the adopted connection")
	}
}

// Collision: the side with the higher BGP-ID keeps its connection and
// rejects the inbound one.
func TestCollisionLocalWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, remote := Pipe()
	far := &farEnd{t: t, conn: remote}

	cfg := peerConfig([4]byte{10, 0, 0, 9}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	s := New(cfg, &fakeDialer{conn: local}, nil, zap.NewNop())
	go s.Run(ctx)
	s.Start(false)

	far.recv(2 * time.Second) // OPEN on the outbound connection
	waitState(t, s, fsm.StateOpenSent, 2*time.Second)

	inboundLocal, inboundRemote := Pipe()
	s.HandleInbound(inboundLocal)

	// The inbound connection is closed without any message.
	select {
	case _, ok := <-inboundRemote.Recv():
		if ok {
			t.Fatal("expected the inbound connection closed, got bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the inbound close")
	}

	// The outbound session is unaffected.
	far.send(&wire.Open{Version: 4, ASN: 65001, HoldTime: 90, BGPID: [4]byte{10, 0, 0, 2}})
	if _, ok := far.recv(2 * time.Second).(wire.Keepalive); !ok {
		t.Fatal("expected the surviving connection to continue the handshake")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	cfg := peerConfig([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 65000, 65001)
	s := New(cfg, nil, nil, zap.NewNop())

	reg.Register(cfg.Host, s)
	got, ok := reg.Lookup(cfg.Host)
	if !ok || got != s {
		t.Fatal("lookup after register failed")
	}

	states := reg.States()
	if states[cfg.Host] != "idle" {
		t.Fatalf("expected idle, got %s", states[cfg.Host])
	}

	reg.Unregister(cfg.Host, s)
	if _, ok := reg.Lookup(cfg.Host); ok {
		t.Fatal("expected lookup to miss after unregister")
	}
}
