package fsm

import "github.com/route-beacon/bgp-speaker/internal/wire"

// Event is an input to the machine: an administrative action, a transport
// transition, a timer expiry, or a received message.
type Event interface {
	isEvent()
}

// StartEvent begins a session attempt. Passive waits for the peer to
// connect; otherwise the machine asks for an outbound connection.
type StartEvent struct {
	Manual  bool
	Passive bool
}

// StopEvent tears the session down.
type StopEvent struct {
	Manual bool
}

// TCPKind distinguishes transport transitions.
type TCPKind uint8

const (
	TCPConfirmed TCPKind = iota
	TCPRequestAcked
	TCPFails
)

// TCPEvent reports a transport transition.
type TCPEvent struct {
	Kind TCPKind
}

// TimerEvent reports an expired timer.
type TimerEvent struct {
	Name TimerName
}

// RecvEvent delivers one decoded message from the wire.
type RecvEvent struct {
	Msg wire.Message
}

// CollisionDumpEvent tells the losing side of a connection collision to
// tear down its connection.
type CollisionDumpEvent struct{}

// ProtocolErrorEvent reports a codec failure on this connection; the
// machine responds by sending the matching NOTIFICATION and going idle.
type ProtocolErrorEvent struct {
	Err *wire.ProtocolError
}

func (StartEvent) isEvent()         {}
func (StopEvent) isEvent()          {}
func (TCPEvent) isEvent()           {}
func (TimerEvent) isEvent()         {}
func (RecvEvent) isEvent()          {}
func (CollisionDumpEvent) isEvent() {}
func (ProtocolErrorEvent) isEvent() {}

// Effect is an instruction to the surrounding I/O layer, executed in emit
// order.
type Effect interface {
	isEffect()
}

// ConnectEffect asks the session to initiate the transport connection.
type ConnectEffect struct{}

// DisconnectEffect asks the session to close the transport connection.
type DisconnectEffect struct{}

// SendEffect asks the session to encode and transmit a message.
type SendEffect struct {
	Msg wire.Message
}

// DeliverEffect re-surfaces a received message for upper-layer dispatch,
// e.g. an UPDATE bound for the decision engine.
type DeliverEffect struct {
	Msg wire.Message
}

func (ConnectEffect) isEffect()    {}
func (DisconnectEffect) isEffect() {}
func (SendEffect) isEffect()       {}
func (DeliverEffect) isEffect()    {}
