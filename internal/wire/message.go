package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message framing: marker(16 x 0xFF) + length(2) + type(1) = 19 byte header.
const (
	MarkerSize = 16
	HeaderSize = 19

	MaxMessageSize = 4096
	// MaxExtendedMessageSize applies once the extended-message capability
	// (RFC 8654) has been negotiated.
	MaxExtendedMessageSize = 65535
)

// BGP message types.
const (
	TypeOpen         uint8 = 1
	TypeUpdate       uint8 = 2
	TypeNotification uint8 = 3
	TypeKeepalive    uint8 = 4
	TypeRouteRefresh uint8 = 5
)

// AFI / SAFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2

	SAFIUnicast uint8 = 1
)

// ASTrans is the reserved ASN (RFC 6793) substituted on the wire when a
// 4-octet ASN must cross a 2-octet-only session.
const ASTrans uint32 = 23456

var marker = bytes.Repeat([]byte{0xFF}, MarkerSize)

// Message is a decoded BGP message.
type Message interface {
	MsgType() uint8
}

// Keepalive has no body.
type Keepalive struct{}

func (Keepalive) MsgType() uint8 { return TypeKeepalive }

// Notification carries an error code, subcode, and optional diagnostic data.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) MsgType() uint8 { return TypeNotification }

// Negotiated carries the per-session codec state agreed during the OPEN
// exchange. The zero value is a plain RFC 4271 session.
type Negotiated struct {
	FourOctetASN    bool
	ExtendedMessage bool
	// ExtendedParams selects the RFC 9072 extended optional parameters
	// encoding for outbound OPEN messages.
	ExtendedParams bool
	LocalASN       uint32
}

func (n Negotiated) maxMessageSize() int {
	if n.ExtendedMessage {
		return MaxExtendedMessageSize
	}
	return MaxMessageSize
}

// Split scans buf for one complete frame. It returns the framed message
// bytes (header included) and the unconsumed remainder; msg is nil when the
// buffer does not yet hold a full frame. The remainder aliases buf, no
// copies are made. Header violations return a ProtocolError carrying the
// NOTIFICATION to send before disconnecting.
func Split(buf []byte, neg Negotiated) (msg, rest []byte, err error) {
	if len(buf) < HeaderSize {
		return nil, buf, nil
	}
	if !bytes.Equal(buf[:MarkerSize], marker) {
		return nil, buf, newError(ErrMessageHeader, SubConnectionNotSynchronized, nil)
	}
	length := int(binary.BigEndian.Uint16(buf[MarkerSize : MarkerSize+2]))
	if length < HeaderSize || length > neg.maxMessageSize() {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(length))
		return nil, buf, newError(ErrMessageHeader, SubBadMessageLength, data)
	}
	t := buf[MarkerSize+2]
	if t < TypeOpen || t > TypeRouteRefresh {
		return nil, buf, newError(ErrMessageHeader, SubBadMessageType, []byte{t})
	}
	if len(buf) < length {
		return nil, buf, nil
	}
	return buf[:length], buf[length:], nil
}

// Unmarshal decodes one complete frame produced by Split.
func Unmarshal(frame []byte, neg Negotiated) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("wire: frame too short (%d bytes)", len(frame))
	}
	body := frame[HeaderSize:]
	switch frame[MarkerSize+2] {
	case TypeOpen:
		return parseOpen(body)
	case TypeUpdate:
		return parseUpdate(body, neg)
	case TypeNotification:
		return parseNotification(body)
	case TypeKeepalive:
		if len(body) != 0 {
			data := make([]byte, 2)
			binary.BigEndian.PutUint16(data, uint16(len(frame)))
			return nil, newError(ErrMessageHeader, SubBadMessageLength, data)
		}
		return Keepalive{}, nil
	case TypeRouteRefresh:
		return parseRouteRefresh(body)
	}
	return nil, newError(ErrMessageHeader, SubBadMessageType, []byte{frame[MarkerSize+2]})
}

// Marshal frames a message for the wire.
func Marshal(m Message, neg Negotiated) ([]byte, error) {
	var body []byte
	var err error

	switch v := m.(type) {
	case *Open:
		body, err = v.marshal(neg)
	case *Update:
		body, err = v.marshal(neg)
	case *Notification:
		body = append([]byte{v.Code, v.Subcode}, v.Data...)
	case Keepalive, *Keepalive:
		body = nil
	case *RouteRefresh:
		body = v.marshal()
	default:
		err = fmt.Errorf("wire: cannot marshal message type %T", m)
	}
	if err != nil {
		return nil, err
	}

	length := HeaderSize + len(body)
	if length > neg.maxMessageSize() {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(length))
		return nil, newError(ErrMessageHeader, SubBadMessageLength, data)
	}

	out := make([]byte, HeaderSize, length)
	copy(out, marker)
	binary.BigEndian.PutUint16(out[MarkerSize:], uint16(length))
	out[MarkerSize+2] = m.MsgType()
	return append(out, body...), nil
}

func parseNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(HeaderSize+len(body)))
		return nil, newError(ErrMessageHeader, SubBadMessageLength, data)
	}
	n := &Notification{Code: body[0], Subcode: body[1]}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n, nil
}

// RouteRefresh requests re-advertisement of an address family (RFC 2918).
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

func (*RouteRefresh) MsgType() uint8 { return TypeRouteRefresh }

func (r *RouteRefresh) marshal() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body, r.AFI)
	body[3] = r.SAFI
	return body
}

func parseRouteRefresh(body []byte) (*RouteRefresh, error) {
	if len(body) != 4 {
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(HeaderSize+len(body)))
		return nil, newError(ErrMessageHeader, SubBadMessageLength, data)
	}
	return &RouteRefresh{AFI: binary.BigEndian.Uint16(body[0:2]), SAFI: body[3]}, nil
}
