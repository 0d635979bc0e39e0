// Package session binds one FSM instance to one transport connection:
// it feeds wire bytes, timer fires, and transport transitions into the
// machine and executes the effects the machine emits.
package session

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rde"
	"github.com/route-beacon/bgp-speaker/internal/wire"
	"go.uber.org/zap"
)

// Decision is the session's view of the route decision engine.
type Decision interface {
	QueueUpdate(peer rde.PeerInfo, u *wire.Update)
	AdjRIBOut() map[string]rde.Route
}

// Config is one configured peer.
type Config struct {
	FSM  fsm.Config
	Host string
	Port uint16

	// Manual sessions only start on an operator Start call.
	ManualStart bool
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

type ctrlKind uint8

const (
	ctrlStart ctrlKind = iota
	ctrlStop
	ctrlDialResult
	ctrlInbound
)

type ctrlMsg struct {
	kind   ctrlKind
	manual bool
	conn   Conn
	err    error
}

type timerFire struct {
	name  fsm.TimerName
	epoch uint64
}

type timerSched struct {
	timer *time.Timer
	epoch uint64
}

// Session owns its FSM, its socket, and its timer wake-ups. All of them
// are serviced by a single goroutine; inputs from other goroutines arrive
// over the control channel.
type Session struct {
	cfg    Config
	fsm    *fsm.FSM
	dialer Dialer
	rde    Decision
	logger *zap.Logger

	ctrl   chan ctrlMsg
	timerC chan timerFire
	done   chan struct{}

	// state mirrors the FSM state for readers outside the run loop.
	state atomic.Uint32

	// run-loop state
	conn       Conn
	buf        []byte
	sched      [fsm.NumTimers]timerSched
	advertised map[string]rde.Route
	peerAddr   netip.Addr
}

func New(cfg Config, dialer Dialer, decision Decision, logger *zap.Logger) *Session {
	addr, _ := netip.ParseAddr(cfg.Host)
	return &Session{
		cfg:      cfg,
		fsm:      fsm.New(cfg.FSM),
		dialer:   dialer,
		rde:      decision,
		logger:   logger,
		ctrl:     make(chan ctrlMsg, 16),
		timerC:   make(chan timerFire, 16),
		done:     make(chan struct{}),
		peerAddr: addr,
	}
}

// Start begins a session attempt. Automatic-start peers call this once at
// boot; manual peers on operator action.
func (s *Session) Start(manual bool) {
	s.post(ctrlMsg{kind: ctrlStart, manual: manual})
}

// Stop tears the session down. A cease notification goes out from
// open_sent, open_confirm and established, and from connect or active only
// while delay_open runs with notification-without-open enabled.
func (s *Session) Stop() {
	s.post(ctrlMsg{kind: ctrlStop, manual: true})
}

// HandleInbound hands a passively-accepted connection to this session for
// adoption or collision arbitration.
func (s *Session) HandleInbound(c Conn) {
	s.post(ctrlMsg{kind: ctrlInbound, conn: c})
}

// State reports the current FSM state.
func (s *Session) State() fsm.State {
	return fsm.State(s.state.Load())
}

func (s *Session) post(m ctrlMsg) {
	select {
	case s.ctrl <- m:
	case <-s.done:
	}
}

// Run services the session until the context is cancelled. Cancellation
// cancels pending timer wake-ups and closes the socket on the way out.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		close(s.done)
		for i := range s.sched {
			if s.sched[i].timer != nil {
				s.sched[i].timer.Stop()
			}
		}
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	for {
		var recvC <-chan []byte
		if s.conn != nil {
			recvC = s.conn.Recv()
		}

		select {
		case <-ctx.Done():
			return

		case m := <-s.ctrl:
			s.handleCtrl(ctx, m)

		case b, ok := <-recvC:
			if !ok {
				s.conn = nil
				s.buf = nil
				s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPFails})
				continue
			}
			s.buf = append(s.buf, b...)
			s.drainFrames(ctx)

		case f := <-s.timerC:
			t := &s.fsm.Timers[f.name]
			if !t.Running || t.Epoch != f.epoch {
				continue // stale wake-up
			}
			t.Stop()
			s.sched[f.name].timer = nil
			s.dispatch(ctx, fsm.TimerEvent{Name: f.name})
			if f.name == fsm.TimerRouteAdvertisement && s.fsm.State == fsm.StateEstablished {
				s.advertise()
			}
		}
	}
}

func (s *Session) handleCtrl(ctx context.Context, m ctrlMsg) {
	switch m.kind {
	case ctrlStart:
		s.dispatch(ctx, fsm.StartEvent{Manual: m.manual, Passive: s.cfg.FSM.Passive})

	case ctrlStop:
		s.dispatch(ctx, fsm.StopEvent{Manual: m.manual})

	case ctrlDialResult:
		if m.err != nil {
			s.logger.Debug("outbound connect failed", zap.Error(m.err))
			s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPFails})
			return
		}
		if s.conn != nil || s.fsm.State == fsm.StateIdle {
			// A connection raced in while we were dialing, or the machine
			// went idle before the dial finished. Idle must hold no
			// connection.
			m.conn.Close()
			return
		}
		s.conn = m.conn
		s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPRequestAcked})

	case ctrlInbound:
		s.adoptInbound(ctx, m.conn)
	}
}

// adoptInbound resolves the collision between this session's connection
// and a passively-accepted one. Both sides send OPENs; the endpoint with
// the higher BGP-ID keeps its connection.
func (s *Session) adoptInbound(ctx context.Context, c Conn) {
	switch s.fsm.State {
	case fsm.StateOpenSent, fsm.StateOpenConfirm:
		if fsm.LocalWinsCollision(s.cfg.FSM.LocalID, s.cfg.FSM.PeerID) {
			s.logger.Info("collision: local BGP-ID wins, rejecting inbound connection")
			c.Close()
			return
		}
		s.logger.Info("collision: peer BGP-ID wins, dumping outbound connection")
		s.dispatch(ctx, fsm.CollisionDumpEvent{})
		s.conn = c
		s.dispatch(ctx, fsm.StartEvent{Passive: true})
		s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPConfirmed})

	case fsm.StateEstablished:
		c.Close()

	default:
		if s.conn != nil {
			c.Close()
			return
		}
		s.conn = c
		if s.fsm.State == fsm.StateIdle {
			s.dispatch(ctx, fsm.StartEvent{Passive: true})
		}
		s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPConfirmed})
	}
}

// drainFrames feeds complete frames from the read buffer into the machine.
func (s *Session) drainFrames(ctx context.Context) {
	for s.conn != nil {
		frame, rest, err := wire.Split(s.buf, s.fsm.Negotiated())
		if err != nil {
			s.protocolError(ctx, err)
			return
		}
		if frame == nil {
			s.buf = rest
			return
		}
		s.buf = rest

		msg, err := wire.Unmarshal(frame, s.fsm.Negotiated())
		if err != nil {
			s.protocolError(ctx, err)
			return
		}
		metrics.MessagesTotal.WithLabelValues(s.cfg.Host, "in", msgTypeName(msg.MsgType())).Inc()
		s.dispatch(ctx, fsm.RecvEvent{Msg: msg})
	}
}

func (s *Session) protocolError(ctx context.Context, err error) {
	pe, ok := err.(*wire.ProtocolError)
	if !ok {
		s.logger.Warn("decode failed", zap.Error(err))
		s.dispatch(ctx, fsm.TCPEvent{Kind: fsm.TCPFails})
		return
	}
	s.logger.Warn("protocol error",
		zap.Uint8("code", pe.Code),
		zap.Uint8("subcode", pe.Subcode),
	)
	metrics.DecodeErrorsTotal.WithLabelValues(s.cfg.Host,
		strconv.Itoa(int(pe.Code)), strconv.Itoa(int(pe.Subcode))).Inc()
	s.dispatch(ctx, fsm.ProtocolErrorEvent{Err: pe})
}

// dispatch runs one event through the machine and executes its effects in
// emit order, then reconciles the OS timers with the abstract ones.
func (s *Session) dispatch(ctx context.Context, ev fsm.Event) {
	from := s.fsm.State
	effects := s.fsm.Handle(ev)
	to := s.fsm.State
	s.state.Store(uint32(to))

	if from != to {
		s.logger.Info("state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		metrics.FSMTransitionsTotal.WithLabelValues(s.cfg.Host, from.String(), to.String()).Inc()
	}
	metrics.SessionState.WithLabelValues(s.cfg.Host).Set(float64(to))
	metrics.ConnectRetryCount.WithLabelValues(s.cfg.Host).Set(float64(s.fsm.Counters[fsm.CounterConnectRetry]))

	for _, eff := range effects {
		switch e := eff.(type) {
		case fsm.SendEffect:
			s.send(e.Msg)
		case fsm.DisconnectEffect:
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.buf = nil
			s.advertised = nil
		case fsm.ConnectEffect:
			s.dial(ctx)
		case fsm.DeliverEffect:
			s.deliver(e.Msg)
		}
	}

	s.syncTimers()
}

func (s *Session) send(m wire.Message) {
	if s.conn == nil {
		return
	}
	b, err := wire.Marshal(m, s.fsm.Negotiated())
	if err != nil {
		s.logger.Error("encode failed", zap.Error(err))
		return
	}
	if err := s.conn.Send(b); err != nil {
		s.logger.Debug("send failed", zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(s.cfg.Host, "out", msgTypeName(m.MsgType())).Inc()
	if n, ok := m.(*wire.Notification); ok {
		metrics.NotificationsTotal.WithLabelValues(s.cfg.Host, strconv.Itoa(int(n.Code))).Inc()
	}
}

func (s *Session) dial(ctx context.Context) {
	addr := s.cfg.Addr()
	go func() {
		c, err := s.dialer.Dial(ctx, addr)
		select {
		case s.ctrl <- ctrlMsg{kind: ctrlDialResult, conn: c, err: err}:
		case <-s.done:
			if c != nil {
				c.Close()
			}
		}
	}()
}

func (s *Session) peerInfo() rde.PeerInfo {
	return rde.PeerInfo{
		BGPID: s.cfg.FSM.PeerID,
		Addr:  s.peerAddr,
		ASN:   s.cfg.FSM.PeerASN,
		IBGP:  s.fsm.IBGP,
	}
}

func (s *Session) deliver(m wire.Message) {
	switch v := m.(type) {
	case *wire.Update:
		if s.rde != nil {
			s.rde.QueueUpdate(s.peerInfo(), v)
		}
	case *wire.RouteRefresh:
		// Re-send the full table on the next pass.
		s.advertised = nil
		s.advertise()
	}
}

// advertise pushes the Adj-RIB-Out delta to the peer. Routes learned from
// this peer are not reflected back.
func (s *Session) advertise() {
	if s.rde == nil || s.conn == nil || s.fsm.State != fsm.StateEstablished {
		return
	}
	cur := s.rde.AdjRIBOut()

	var withdrawn []wire.Prefix
	for prefix, r := range s.advertised {
		if _, still := cur[prefix]; !still {
			withdrawn = append(withdrawn, r.Prefix)
		}
	}
	if len(withdrawn) > 0 {
		s.send(&wire.Update{Withdrawn: withdrawn})
	}

	sent := make(map[string]rde.Route, len(cur))
	for prefix, r := range cur {
		sent[prefix] = r
		if r.Peer.BGPID == s.cfg.FSM.PeerID {
			continue
		}
		old, had := s.advertised[prefix]
		if had && old.NextHop == r.NextHop && old.Peer.BGPID == r.Peer.BGPID {
			continue
		}
		s.send(&wire.Update{
			Attributes: s.outboundAttributes(r),
			NLRI:       []wire.Prefix{r.Prefix},
		})
	}
	s.advertised = sent
}

// outboundAttributes rewrites a selected route for this peer: next-hop
// self, and for eBGP the local ASN prepended to the path.
func (s *Session) outboundAttributes(r rde.Route) []wire.Attribute {
	var origin wire.Origin = wire.OriginIncomplete
	var path wire.ASPath
	for _, a := range r.Attrs {
		switch v := a.Value.(type) {
		case wire.Origin:
			origin = v
		case wire.ASPath:
			path = v
		}
	}
	if !s.fsm.IBGP {
		segs := make([]wire.ASPathSegment, 0, len(path.Segments)+1)
		segs = append(segs, wire.ASPathSegment{Kind: wire.SegmentASSequence, ASNs: []uint32{s.cfg.FSM.LocalASN}})
		segs = append(segs, path.Segments...)
		path = wire.ASPath{Segments: segs}
	}
	return []wire.Attribute{
		wire.NewAttribute(origin),
		wire.NewAttribute(path),
		wire.NewAttribute(wire.NextHop(s.cfg.FSM.LocalID)),
	}
}

// syncTimers reconciles the scheduler with the machine's abstract timers:
// every running timer has one pending wake-up for its current epoch,
// everything else is cancelled.
func (s *Session) syncTimers() {
	for i := range s.fsm.Timers {
		t := &s.fsm.Timers[i]
		sc := &s.sched[i]
		name := fsm.TimerName(i)

		if !t.Running {
			if sc.timer != nil {
				sc.timer.Stop()
				sc.timer = nil
			}
			sc.epoch = 0
			continue
		}
		if sc.timer != nil && sc.epoch == t.Epoch {
			continue
		}
		if sc.timer != nil {
			sc.timer.Stop()
		}
		epoch := t.Epoch
		sc.epoch = epoch
		sc.timer = time.AfterFunc(time.Duration(t.Seconds)*time.Second, func() {
			select {
			case s.timerC <- timerFire{name: name, epoch: epoch}:
			case <-s.done:
			}
		})
	}
}

func msgTypeName(t uint8) string {
	switch t {
	case wire.TypeOpen:
		return "open"
	case wire.TypeUpdate:
		return "update"
	case wire.TypeNotification:
		return "notification"
	case wire.TypeKeepalive:
		return "keepalive"
	case wire.TypeRouteRefresh:
		return "route_refresh"
	}
	return fmt.Sprintf("type_%d", t)
}
