package fsm

import (
	"encoding/binary"
	"math"

	"github.com/route-beacon/bgp-speaker/internal/wire"
)

// State is the RFC 4271 session state.
type State uint8

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

var stateNames = [...]string{"idle", "connect", "active", "open_sent", "open_confirm", "established"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// TimerName identifies one of the six per-session timers.
type TimerName uint8

const (
	TimerConnectRetry TimerName = iota
	TimerDelayOpen
	TimerHoldTime
	TimerKeepalive
	TimerASOrigination
	TimerRouteAdvertisement

	numTimers
)

// NumTimers is the number of per-session timers.
const NumTimers = int(numTimers)

var timerNames = [...]string{
	"connect_retry", "delay_open", "hold_time",
	"keep_alive", "as_origination", "route_advertisement",
}

func (n TimerName) String() string {
	if int(n) < len(timerNames) {
		return timerNames[n]
	}
	return "unknown"
}

// Timer is the abstract timer the machine reasons about: a seconds setting
// and a running flag. The Session realizes running timers with real clocks.
// Start implies running=true; running is false iff seconds is zero. Epoch
// increments on every start so the scheduler can tell a restart apart from
// an already-armed timer.
type Timer struct {
	Seconds uint16
	Running bool
	Epoch   uint64
}

func (t *Timer) Set(seconds uint16) {
	t.Seconds = seconds
	t.Running = false
}

func (t *Timer) Start() {
	if t.Seconds == 0 {
		return
	}
	t.Running = true
	t.Epoch++
}

func (t *Timer) Stop() {
	t.Running = false
}

func (t *Timer) Restart(seconds uint16) {
	t.Stop()
	t.Set(seconds)
	t.Start()
}

func (t *Timer) zero() {
	t.Seconds = 0
	t.Running = false
}

// CounterConnectRetry is the key of the mandatory session counter.
const CounterConnectRetry = "connect_retry"

// Config is the immutable per-session configuration the machine runs with.
type Config struct {
	LocalASN uint32
	LocalID  [4]byte
	PeerASN  uint32
	PeerID   [4]byte

	HoldTime           uint16
	KeepAlive          uint16
	ConnectRetry       uint16
	DelayOpen          uint16
	ASOrigination      uint16
	RouteAdvertisement uint16

	DelayOpenEnabled        bool
	NotificationWithoutOpen bool
	Passive                 bool

	AdvertiseRouteRefresh    bool
	AdvertiseExtendedMessage bool

	// Networks are the local prefixes originated once the session reaches
	// established and on every as_origination tick.
	Networks []wire.Prefix
}

// FSM is one peer session machine. Handle is the only mutator; it is a
// synchronous pure function of (state, event) with no I/O.
type FSM struct {
	Cfg      Config
	State    State
	Counters map[string]uint64
	Timers   [numTimers]Timer

	// Negotiated by the peer OPEN.
	FourOctetASN    bool
	ExtendedMessage bool
	IBGP            bool
	HoldTime        uint16 // effective, min(local, peer)

	// delayOpen is the per-attempt flag: it starts from the configured
	// value and is disabled when connect_retry expires mid-attempt.
	delayOpen bool
}

func New(cfg Config) *FSM {
	return &FSM{
		Cfg:      cfg,
		State:    StateIdle,
		Counters: map[string]uint64{CounterConnectRetry: 0},
		HoldTime: cfg.HoldTime,
	}
}

// Negotiated is the codec state for this session.
func (f *FSM) Negotiated() wire.Negotiated {
	return wire.Negotiated{
		FourOctetASN:    f.FourOctetASN,
		ExtendedMessage: f.ExtendedMessage,
		LocalASN:        f.Cfg.LocalASN,
	}
}

// DelayOpenRunning reports whether the delay_open timer is armed.
func (f *FSM) DelayOpenRunning() bool {
	return f.Timers[TimerDelayOpen].Running
}

// LocalWinsCollision resolves a connection collision: the endpoint with the
// numerically higher BGP-ID keeps its connection.
func LocalWinsCollision(local, remote [4]byte) bool {
	return binary.BigEndian.Uint32(local[:]) > binary.BigEndian.Uint32(remote[:])
}

// buildOpen composes the outbound OPEN: AS_TRANS in the 16-bit field when
// the local ASN does not fit, the real ASN in the four-octet capability.
func (f *FSM) buildOpen() *wire.Open {
	asn := f.Cfg.LocalASN
	if asn > math.MaxUint16 {
		asn = wire.ASTrans
	}
	caps := []wire.Capability{
		wire.CapFourOctetASN{ASN: f.Cfg.LocalASN},
		wire.CapMultiProtocol{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast},
	}
	if f.Cfg.AdvertiseRouteRefresh {
		caps = append(caps, wire.CapRouteRefresh{})
	}
	if f.Cfg.AdvertiseExtendedMessage {
		caps = append(caps, wire.CapExtendedMessage{})
	}
	return &wire.Open{
		Version:  4,
		ASN:      uint16(asn),
		HoldTime: f.Cfg.HoldTime,
		BGPID:    f.Cfg.LocalID,
		Caps:     caps,
	}
}

// integrateOpen applies the peer OPEN to the negotiated session state.
func (f *FSM) integrateOpen(o *wire.Open) {
	peerASN := uint32(o.ASN)
	if asn, ok := o.FourOctetASN(); ok {
		f.FourOctetASN = true
		peerASN = asn
	}
	if o.HasExtendedMessage() {
		f.ExtendedMessage = true
	}
	f.IBGP = peerASN == f.Cfg.LocalASN
	if o.HoldTime < f.HoldTime {
		f.HoldTime = o.HoldTime
	}
}

// originationUpdate announces the locally-originated networks.
func (f *FSM) originationUpdate() *wire.Update {
	var segments []wire.ASPathSegment
	if !f.IBGP {
		segments = []wire.ASPathSegment{{Kind: wire.SegmentASSequence, ASNs: []uint32{f.Cfg.LocalASN}}}
	}
	return &wire.Update{
		Attributes: []wire.Attribute{
			wire.NewAttribute(wire.OriginIGP),
			wire.NewAttribute(wire.ASPath{Segments: segments}),
			wire.NewAttribute(wire.NextHop(f.Cfg.LocalID)),
		},
		NLRI: f.Cfg.Networks,
	}
}
