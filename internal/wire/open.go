package wire

import (
	"encoding/binary"
)

// Optional parameter types. Only Capabilities (RFC 5492) is recognized.
const paramCapabilities uint8 = 2

// extendedParamsSentinel in the optional-parameters-length slot signals the
// RFC 9072 extended encoding: a 2-octet length follows, and each parameter
// header carries a 2-octet length.
const extendedParamsSentinel uint8 = 255

// Capability codes.
const (
	capMultiProtocol        uint8 = 1
	capRouteRefresh         uint8 = 2
	capExtendedMessage      uint8 = 6
	capGracefulRestart      uint8 = 64
	capFourOctetASN         uint8 = 65
	capEnhancedRouteRefresh uint8 = 70
)

// Capability is one negotiable feature carried in OPEN optional parameters.
type Capability interface {
	CapCode() uint8
}

type CapMultiProtocol struct {
	AFI  uint16
	SAFI uint8
}

func (CapMultiProtocol) CapCode() uint8 { return capMultiProtocol }

type CapRouteRefresh struct{}

func (CapRouteRefresh) CapCode() uint8 { return capRouteRefresh }

type CapExtendedMessage struct{}

func (CapExtendedMessage) CapCode() uint8 { return capExtendedMessage }

// GracefulRestartTuple is one per-AF entry in the graceful restart capability.
type GracefulRestartTuple struct {
	AFI                 uint16
	SAFI                uint8
	ForwardingPreserved bool
}

// CapGracefulRestart records the peer's restart state and time (RFC 4724).
// Negotiation only: the speaker advertises and records it, nothing more.
type CapGracefulRestart struct {
	Restarted bool
	Time      uint16 // 12 bits on the wire
	Tuples    []GracefulRestartTuple
}

func (CapGracefulRestart) CapCode() uint8 { return capGracefulRestart }

type CapFourOctetASN struct {
	ASN uint32
}

func (CapFourOctetASN) CapCode() uint8 { return capFourOctetASN }

type CapEnhancedRouteRefresh struct{}

func (CapEnhancedRouteRefresh) CapCode() uint8 { return capEnhancedRouteRefresh }

// Open is the session-establishment message. ASN is the 16-bit wire value;
// a 4-octet local ASN rides in the FourOctetASN capability with ASTrans here.
type Open struct {
	Version  uint8
	ASN      uint16
	HoldTime uint16
	BGPID    [4]byte
	Caps     []Capability
}

func (*Open) MsgType() uint8 { return TypeOpen }

// FourOctetASN returns the peer ASN from the four-octet capability, if sent.
func (o *Open) FourOctetASN() (uint32, bool) {
	for _, c := range o.Caps {
		if v, ok := c.(CapFourOctetASN); ok {
			return v.ASN, true
		}
	}
	return 0, false
}

// HasExtendedMessage reports whether the peer offered RFC 8654 messages.
func (o *Open) HasExtendedMessage() bool {
	for _, c := range o.Caps {
		if _, ok := c.(CapExtendedMessage); ok {
			return true
		}
	}
	return false
}

func parseOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, newError(ErrOpenMessage, SubUnspecific, nil)
	}

	o := &Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
	}
	copy(o.BGPID[:], body[5:9])

	if o.Version != 4 {
		supported := make([]byte, 2)
		binary.BigEndian.PutUint16(supported, 4)
		return nil, newError(ErrOpenMessage, SubUnsupportedVersionNumber, supported)
	}
	if o.ASN == 0 {
		return nil, newError(ErrOpenMessage, SubBadPeerAS, nil)
	}
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return nil, newError(ErrOpenMessage, SubUnacceptableHoldTime, nil)
	}

	params := body[9:]
	paramLen := int(params[0])
	params = params[1:]

	extended := false
	if paramLen == int(extendedParamsSentinel) && len(params) >= 2 {
		extended = true
		paramLen = int(binary.BigEndian.Uint16(params[:2]))
		params = params[2:]
	}
	if paramLen != len(params) {
		return nil, newError(ErrOpenMessage, SubUnspecific, nil)
	}

	for len(params) > 0 {
		var ptype uint8
		var plen int
		if extended {
			if len(params) < 3 {
				return nil, newError(ErrOpenMessage, SubUnspecific, nil)
			}
			ptype = params[0]
			plen = int(binary.BigEndian.Uint16(params[1:3]))
			params = params[3:]
		} else {
			if len(params) < 2 {
				return nil, newError(ErrOpenMessage, SubUnspecific, nil)
			}
			ptype = params[0]
			plen = int(params[1])
			params = params[2:]
		}
		if plen > len(params) {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		value := params[:plen]
		params = params[plen:]

		if ptype != paramCapabilities {
			return nil, newError(ErrOpenMessage, SubUnsupportedOptionalParameter, []byte{ptype})
		}

		caps, err := parseCapabilities(value)
		if err != nil {
			return nil, err
		}
		o.Caps = append(o.Caps, caps...)
	}

	return o, nil
}

func parseCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		code := data[0]
		clen := int(data[1])
		data = data[2:]
		if clen > len(data) {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		value := data[:clen]
		data = data[clen:]

		c, err := parseCapability(code, value)
		if err != nil {
			return nil, err
		}
		if c != nil {
			caps = append(caps, c)
		}
	}
	return caps, nil
}

// parseCapability decodes one capability. Unknown codes are silently
// ignored; structural garbage inside a recognized one is an OPEN error.
func parseCapability(code uint8, value []byte) (Capability, error) {
	switch code {
	case capMultiProtocol:
		if len(value) != 4 {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		return CapMultiProtocol{AFI: binary.BigEndian.Uint16(value[0:2]), SAFI: value[3]}, nil
	case capRouteRefresh:
		return CapRouteRefresh{}, nil
	case capExtendedMessage:
		return CapExtendedMessage{}, nil
	case capGracefulRestart:
		if len(value) < 2 || (len(value)-2)%4 != 0 {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		head := binary.BigEndian.Uint16(value[0:2])
		c := CapGracefulRestart{
			Restarted: head&0x8000 != 0,
			Time:      head & 0x0FFF,
		}
		for rest := value[2:]; len(rest) >= 4; rest = rest[4:] {
			c.Tuples = append(c.Tuples, GracefulRestartTuple{
				AFI:                 binary.BigEndian.Uint16(rest[0:2]),
				SAFI:                rest[2],
				ForwardingPreserved: rest[3]&0x80 != 0,
			})
		}
		return c, nil
	case capFourOctetASN:
		if len(value) != 4 {
			return nil, newError(ErrOpenMessage, SubUnspecific, nil)
		}
		asn := binary.BigEndian.Uint32(value)
		if asn == 0 {
			return nil, newError(ErrOpenMessage, SubBadPeerAS, nil)
		}
		return CapFourOctetASN{ASN: asn}, nil
	case capEnhancedRouteRefresh:
		return CapEnhancedRouteRefresh{}, nil
	}
	return nil, nil
}

func (o *Open) marshal(neg Negotiated) ([]byte, error) {
	body := make([]byte, 9, 64)
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.ASN)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	copy(body[5:9], o.BGPID[:])

	var caps []byte
	for _, c := range o.Caps {
		caps = appendCapability(caps, c)
	}

	if neg.ExtendedParams {
		// Sentinel length, 2-octet total, parameter with 2-octet length.
		total := 0
		if len(caps) > 0 {
			total = 3 + len(caps)
		}
		body = append(body, extendedParamsSentinel)
		body = binary.BigEndian.AppendUint16(body, uint16(total))
		if len(caps) > 0 {
			body = append(body, paramCapabilities)
			body = binary.BigEndian.AppendUint16(body, uint16(len(caps)))
			body = append(body, caps...)
		}
		return body, nil
	}

	if len(caps) == 0 {
		return append(body, 0), nil
	}
	body = append(body, byte(2+len(caps)), paramCapabilities, byte(len(caps)))
	return append(body, caps...), nil
}

func appendCapability(out []byte, c Capability) []byte {
	switch v := c.(type) {
	case CapMultiProtocol:
		out = append(out, v.CapCode(), 4)
		out = binary.BigEndian.AppendUint16(out, v.AFI)
		out = append(out, 0, v.SAFI)
	case CapRouteRefresh, CapEnhancedRouteRefresh, CapExtendedMessage:
		out = append(out, c.CapCode(), 0)
	case CapGracefulRestart:
		out = append(out, v.CapCode(), byte(2+4*len(v.Tuples)))
		head := v.Time & 0x0FFF
		if v.Restarted {
			head |= 0x8000
		}
		out = binary.BigEndian.AppendUint16(out, head)
		for _, t := range v.Tuples {
			out = binary.BigEndian.AppendUint16(out, t.AFI)
			flags := byte(0)
			if t.ForwardingPreserved {
				flags = 0x80
			}
			out = append(out, t.SAFI, flags)
		}
	case CapFourOctetASN:
		out = append(out, v.CapCode(), 4)
		out = binary.BigEndian.AppendUint32(out, v.ASN)
	}
	return out
}
