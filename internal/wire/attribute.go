package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Path attribute flag bits, MSB first.
const (
	FlagOptional       byte = 0x80
	FlagTransitive     byte = 0x40
	FlagPartial        byte = 0x20
	FlagExtendedLength byte = 0x10
)

// Path attribute type codes.
const (
	AttrOrigin                  uint8 = 1
	AttrASPath                  uint8 = 2
	AttrNextHop                 uint8 = 3
	AttrMultiExitDisc           uint8 = 4
	AttrLocalPref               uint8 = 5
	AttrAtomicAggregate         uint8 = 6
	AttrAggregator              uint8 = 7
	AttrCommunities             uint8 = 8
	AttrOriginatorID            uint8 = 9
	AttrClusterList             uint8 = 10
	AttrMPReachNLRI             uint8 = 14
	AttrMPUnreachNLRI           uint8 = 15
	AttrExtendedCommunities     uint8 = 16
	AttrAS4Path                 uint8 = 17
	AttrAS4Aggregator           uint8 = 18
	AttrIPv6ExtendedCommunities uint8 = 25
	AttrLargeCommunities        uint8 = 32
)

// AS_PATH segment kinds.
const (
	SegmentASSet            uint8 = 1
	SegmentASSequence       uint8 = 2
	SegmentASConfedSequence uint8 = 3
	SegmentASConfedSet      uint8 = 4
)

// flagPolicy is the per-type rule enforced on decode and encode. The
// extended-length bit is framing, not policy, and is never checked here.
type flagPolicy struct {
	required  byte
	forbidden byte
}

var flagPolicies = map[uint8]flagPolicy{
	AttrOrigin:                  {required: FlagTransitive, forbidden: FlagOptional | FlagPartial},
	AttrASPath:                  {required: FlagTransitive, forbidden: FlagOptional | FlagPartial},
	AttrNextHop:                 {required: FlagTransitive, forbidden: FlagOptional | FlagPartial},
	AttrMultiExitDisc:           {required: FlagOptional, forbidden: FlagTransitive | FlagPartial},
	AttrLocalPref:               {required: FlagTransitive, forbidden: FlagOptional},
	AttrAtomicAggregate:         {required: FlagTransitive, forbidden: FlagOptional},
	AttrAggregator:              {required: FlagOptional | FlagTransitive},
	AttrCommunities:             {required: FlagOptional | FlagTransitive},
	AttrOriginatorID:            {required: FlagOptional | FlagTransitive},
	AttrClusterList:             {required: FlagOptional | FlagTransitive},
	AttrMPReachNLRI:             {required: FlagOptional, forbidden: FlagTransitive | FlagPartial},
	AttrMPUnreachNLRI:           {required: FlagOptional, forbidden: FlagTransitive | FlagPartial},
	AttrExtendedCommunities:     {required: FlagOptional | FlagTransitive},
	AttrAS4Path:                 {required: FlagOptional | FlagTransitive},
	AttrAS4Aggregator:           {required: FlagOptional | FlagTransitive},
	AttrIPv6ExtendedCommunities: {required: FlagOptional | FlagTransitive},
	AttrLargeCommunities:        {required: FlagOptional | FlagTransitive},
}

// DefaultFlags returns the canonical flag byte for an attribute type.
func DefaultFlags(code uint8) byte {
	return flagPolicies[code].required
}

func flagsValid(flags byte, code uint8) bool {
	p, ok := flagPolicies[code]
	if !ok {
		return true
	}
	check := flags &^ FlagExtendedLength
	return check&p.required == p.required && check&p.forbidden == 0
}

// AttrValue is the payload of one path attribute.
type AttrValue interface {
	Code() uint8
}

// Attribute pairs a flag byte with its typed value. NewAttribute applies
// the canonical flags; decode preserves what was on the wire.
type Attribute struct {
	Flags byte
	Value AttrValue
}

func NewAttribute(v AttrValue) Attribute {
	return Attribute{Flags: DefaultFlags(v.Code()), Value: v}
}

// Origin values: 0 IGP, 1 EGP, 2 INCOMPLETE.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

func (Origin) Code() uint8 { return AttrOrigin }

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	case OriginIncomplete:
		return "INCOMPLETE"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
}

// ASPathSegment is one segment of an AS_PATH.
type ASPathSegment struct {
	Kind uint8
	ASNs []uint32
}

type ASPath struct {
	Segments []ASPathSegment
}

func (ASPath) Code() uint8 { return AttrASPath }

// Contains reports whether asn appears anywhere in the path.
func (p ASPath) Contains(asn uint32) bool {
	for _, seg := range p.Segments {
		for _, a := range seg.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}

// Length is the route-selection path length: each AS_SEQUENCE ASN counts
// one, each set segment counts one regardless of size.
func (p ASPath) Length() int {
	n := 0
	for _, seg := range p.Segments {
		switch seg.Kind {
		case SegmentASSequence, SegmentASConfedSequence:
			n += len(seg.ASNs)
		default:
			n++
		}
	}
	return n
}

type NextHop [4]byte

func (NextHop) Code() uint8     { return AttrNextHop }
func (h NextHop) String() string { return net.IP(h[:]).String() }

type MultiExitDisc uint32

func (MultiExitDisc) Code() uint8 { return AttrMultiExitDisc }

type LocalPref uint32

func (LocalPref) Code() uint8 { return AttrLocalPref }

type AtomicAggregate struct{}

func (AtomicAggregate) Code() uint8 { return AttrAtomicAggregate }

type Aggregator struct {
	ASN  uint32
	Addr [4]byte
}

func (Aggregator) Code() uint8 { return AttrAggregator }

type Communities []Community

func (Communities) Code() uint8 { return AttrCommunities }

type OriginatorID [4]byte

func (OriginatorID) Code() uint8 { return AttrOriginatorID }

type ClusterList [][4]byte

func (ClusterList) Code() uint8 { return AttrClusterList }

// MPReachNLRI is carried as decoded header fields plus the raw NLRI bytes:
// non-IPv4 address families pass through the speaker unmodified.
type MPReachNLRI struct {
	AFI     uint16
	SAFI    uint8
	NextHop []byte
	NLRI    []byte
}

func (MPReachNLRI) Code() uint8 { return AttrMPReachNLRI }

type MPUnreachNLRI struct {
	AFI       uint16
	SAFI      uint8
	Withdrawn []byte
}

func (MPUnreachNLRI) Code() uint8 { return AttrMPUnreachNLRI }

type ExtendedCommunities [][8]byte

func (ExtendedCommunities) Code() uint8 { return AttrExtendedCommunities }

// AS4Path carries the 4-octet path across 2-octet-only sessions.
type AS4Path struct {
	Segments []ASPathSegment
}

func (AS4Path) Code() uint8 { return AttrAS4Path }

type AS4Aggregator struct {
	ASN  uint32
	Addr [4]byte
}

func (AS4Aggregator) Code() uint8 { return AttrAS4Aggregator }

type IPv6ExtendedCommunities [][20]byte

func (IPv6ExtendedCommunities) Code() uint8 { return AttrIPv6ExtendedCommunities }

type LargeCommunity struct {
	Global uint32
	Data1  uint32
	Data2  uint32
}

func (c LargeCommunity) String() string {
	return fmt.Sprintf("%d:%d:%d", c.Global, c.Data1, c.Data2)
}

type LargeCommunities []LargeCommunity

func (LargeCommunities) Code() uint8 { return AttrLargeCommunities }

// parseAttributes walks the path attributes section of an UPDATE.
func parseAttributes(data []byte, neg Negotiated) ([]Attribute, error) {
	var attrs []Attribute
	for len(data) > 0 {
		if len(data) < 3 {
			return nil, newError(ErrUpdateMessage, SubMalformedAttributeList, nil)
		}
		flags := data[0]
		code := data[1]

		var alen, hdr int
		if flags&FlagExtendedLength != 0 {
			if len(data) < 4 {
				return nil, newError(ErrUpdateMessage, SubMalformedAttributeList, nil)
			}
			alen = int(binary.BigEndian.Uint16(data[2:4]))
			hdr = 4
		} else {
			alen = int(data[2])
			hdr = 3
		}
		if hdr+alen > len(data) {
			return nil, newError(ErrUpdateMessage, SubAttributeLengthError, data)
		}
		raw := data[:hdr+alen]
		value := data[hdr : hdr+alen]
		data = data[hdr+alen:]

		if !flagsValid(flags, code) {
			return nil, newError(ErrUpdateMessage, SubAttributeFlagsError, append([]byte(nil), raw...))
		}

		v, err := parseAttrValue(code, value, raw, neg)
		if err != nil {
			return nil, err
		}
		if v == nil {
			// Unrecognized optional attribute: pass over it. A missing
			// optional bit on an unknown type is a well-known attribute
			// we do not implement.
			if flags&FlagOptional == 0 {
				return nil, newError(ErrUpdateMessage, SubUnrecognizedWellKnownAttribute, append([]byte(nil), raw...))
			}
			continue
		}
		attrs = append(attrs, Attribute{Flags: flags, Value: v})
	}
	return attrs, nil
}

func lengthError(raw []byte) error {
	return newError(ErrUpdateMessage, SubAttributeLengthError, append([]byte(nil), raw...))
}

func parseAttrValue(code uint8, value, raw []byte, neg Negotiated) (AttrValue, error) {
	switch code {
	case AttrOrigin:
		if len(value) != 1 {
			return nil, lengthError(raw)
		}
		if value[0] > 2 {
			return nil, newError(ErrUpdateMessage, SubInvalidOriginAttribute, append([]byte(nil), raw...))
		}
		return Origin(value[0]), nil

	case AttrASPath:
		segs, err := parseSegments(value, neg.FourOctetASN)
		if err != nil {
			return nil, err
		}
		return ASPath{Segments: segs}, nil

	case AttrNextHop:
		if len(value) != 4 {
			return nil, newError(ErrUpdateMessage, SubInvalidNextHopAttribute, append([]byte(nil), raw...))
		}
		var h NextHop
		copy(h[:], value)
		return h, nil

	case AttrMultiExitDisc:
		if len(value) != 4 {
			return nil, lengthError(raw)
		}
		return MultiExitDisc(binary.BigEndian.Uint32(value)), nil

	case AttrLocalPref:
		if len(value) != 4 {
			return nil, lengthError(raw)
		}
		return LocalPref(binary.BigEndian.Uint32(value)), nil

	case AttrAtomicAggregate:
		if len(value) != 0 {
			return nil, lengthError(raw)
		}
		return AtomicAggregate{}, nil

	case AttrAggregator:
		asnLen := 2
		if neg.FourOctetASN {
			asnLen = 4
		}
		if len(value) != asnLen+4 {
			return nil, lengthError(raw)
		}
		a := Aggregator{}
		if neg.FourOctetASN {
			a.ASN = binary.BigEndian.Uint32(value[0:4])
		} else {
			a.ASN = uint32(binary.BigEndian.Uint16(value[0:2]))
		}
		copy(a.Addr[:], value[asnLen:])
		return a, nil

	case AttrCommunities:
		if len(value)%4 != 0 {
			return nil, lengthError(raw)
		}
		cs := make(Communities, 0, len(value)/4)
		for i := 0; i+4 <= len(value); i += 4 {
			cs = append(cs, Community(binary.BigEndian.Uint32(value[i:i+4])))
		}
		return cs, nil

	case AttrOriginatorID:
		if len(value) != 4 {
			return nil, lengthError(raw)
		}
		var id OriginatorID
		copy(id[:], value)
		return id, nil

	case AttrClusterList:
		if len(value)%4 != 0 {
			return nil, lengthError(raw)
		}
		cl := make(ClusterList, 0, len(value)/4)
		for i := 0; i+4 <= len(value); i += 4 {
			var a [4]byte
			copy(a[:], value[i:i+4])
			cl = append(cl, a)
		}
		return cl, nil

	case AttrMPReachNLRI:
		if len(value) < 5 {
			return nil, lengthError(raw)
		}
		m := MPReachNLRI{
			AFI:  binary.BigEndian.Uint16(value[0:2]),
			SAFI: value[2],
		}
		nhLen := int(value[3])
		if 4+nhLen+1 > len(value) {
			return nil, lengthError(raw)
		}
		m.NextHop = append([]byte(nil), value[4:4+nhLen]...)
		// One reserved octet after the next hop, then raw NLRI.
		m.NLRI = append([]byte(nil), value[4+nhLen+1:]...)
		return m, nil

	case AttrMPUnreachNLRI:
		if len(value) < 3 {
			return nil, lengthError(raw)
		}
		return MPUnreachNLRI{
			AFI:       binary.BigEndian.Uint16(value[0:2]),
			SAFI:      value[2],
			Withdrawn: append([]byte(nil), value[3:]...),
		}, nil

	case AttrExtendedCommunities:
		if len(value)%8 != 0 {
			return nil, lengthError(raw)
		}
		ec := make(ExtendedCommunities, 0, len(value)/8)
		for i := 0; i+8 <= len(value); i += 8 {
			var v [8]byte
			copy(v[:], value[i:i+8])
			ec = append(ec, v)
		}
		return ec, nil

	case AttrAS4Path:
		segs, err := parseSegments(value, true)
		if err != nil {
			return nil, err
		}
		return AS4Path{Segments: segs}, nil

	case AttrAS4Aggregator:
		if len(value) != 8 {
			return nil, lengthError(raw)
		}
		a := AS4Aggregator{ASN: binary.BigEndian.Uint32(value[0:4])}
		copy(a.Addr[:], value[4:8])
		return a, nil

	case AttrIPv6ExtendedCommunities:
		if len(value)%20 != 0 {
			return nil, lengthError(raw)
		}
		ec := make(IPv6ExtendedCommunities, 0, len(value)/20)
		for i := 0; i+20 <= len(value); i += 20 {
			var v [20]byte
			copy(v[:], value[i:i+20])
			ec = append(ec, v)
		}
		return ec, nil

	case AttrLargeCommunities:
		if len(value)%12 != 0 {
			return nil, lengthError(raw)
		}
		lc := make(LargeCommunities, 0, len(value)/12)
		for i := 0; i+12 <= len(value); i += 12 {
			lc = append(lc, LargeCommunity{
				Global: binary.BigEndian.Uint32(value[i : i+4]),
				Data1:  binary.BigEndian.Uint32(value[i+4 : i+8]),
				Data2:  binary.BigEndian.Uint32(value[i+8 : i+12]),
			})
		}
		return lc, nil
	}
	return nil, nil
}

func parseSegments(data []byte, fourOctet bool) ([]ASPathSegment, error) {
	asnLen := 2
	if fourOctet {
		asnLen = 4
	}
	var segs []ASPathSegment
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, newError(ErrUpdateMessage, SubMalformedASPath, nil)
		}
		kind := data[0]
		count := int(data[1])
		data = data[2:]
		if kind < SegmentASSet || kind > SegmentASConfedSet {
			return nil, newError(ErrUpdateMessage, SubMalformedASPath, nil)
		}
		if count*asnLen > len(data) {
			return nil, newError(ErrUpdateMessage, SubMalformedASPath, nil)
		}
		seg := ASPathSegment{Kind: kind, ASNs: make([]uint32, count)}
		for i := 0; i < count; i++ {
			if fourOctet {
				seg.ASNs[i] = binary.BigEndian.Uint32(data[i*4 : i*4+4])
			} else {
				seg.ASNs[i] = uint32(binary.BigEndian.Uint16(data[i*2 : i*2+2]))
			}
		}
		data = data[count*asnLen:]
		segs = append(segs, seg)
	}
	return segs, nil
}

// appendAttribute encodes one attribute, choosing the 1- or 2-octet length
// form and setting the extended-length bit as needed. Flags that violate
// the type's policy are a protocol error.
func appendAttribute(out []byte, a Attribute, neg Negotiated) ([]byte, error) {
	code := a.Value.Code()
	if !flagsValid(a.Flags, code) {
		return nil, newError(ErrUpdateMessage, SubAttributeFlagsError, []byte{a.Flags, code})
	}

	value, err := marshalAttrValue(a.Value, neg)
	if err != nil {
		return nil, err
	}

	flags := a.Flags &^ FlagExtendedLength
	if len(value) > 255 {
		flags |= FlagExtendedLength
		out = append(out, flags, code)
		out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
	} else {
		out = append(out, flags, code, byte(len(value)))
	}
	return append(out, value...), nil
}

func marshalAttrValue(v AttrValue, neg Negotiated) ([]byte, error) {
	switch a := v.(type) {
	case Origin:
		return []byte{byte(a)}, nil

	case ASPath:
		return appendSegments(nil, a.Segments, neg.FourOctetASN), nil

	case NextHop:
		return a[:], nil

	case MultiExitDisc:
		return binary.BigEndian.AppendUint32(nil, uint32(a)), nil

	case LocalPref:
		return binary.BigEndian.AppendUint32(nil, uint32(a)), nil

	case AtomicAggregate:
		return nil, nil

	case Aggregator:
		var out []byte
		if neg.FourOctetASN {
			out = binary.BigEndian.AppendUint32(out, a.ASN)
		} else {
			asn := a.ASN
			if asn > 0xFFFF {
				asn = ASTrans
			}
			out = binary.BigEndian.AppendUint16(out, uint16(asn))
		}
		return append(out, a.Addr[:]...), nil

	case Communities:
		out := make([]byte, 0, 4*len(a))
		for _, c := range a {
			out = binary.BigEndian.AppendUint32(out, uint32(c))
		}
		return out, nil

	case OriginatorID:
		return a[:], nil

	case ClusterList:
		out := make([]byte, 0, 4*len(a))
		for _, id := range a {
			out = append(out, id[:]...)
		}
		return out, nil

	case MPReachNLRI:
		out := binary.BigEndian.AppendUint16(nil, a.AFI)
		out = append(out, a.SAFI, byte(len(a.NextHop)))
		out = append(out, a.NextHop...)
		out = append(out, 0) // reserved
		return append(out, a.NLRI...), nil

	case MPUnreachNLRI:
		out := binary.BigEndian.AppendUint16(nil, a.AFI)
		out = append(out, a.SAFI)
		return append(out, a.Withdrawn...), nil

	case ExtendedCommunities:
		out := make([]byte, 0, 8*len(a))
		for _, c := range a {
			out = append(out, c[:]...)
		}
		return out, nil

	case AS4Path:
		return appendSegments(nil, a.Segments, true), nil

	case AS4Aggregator:
		out := binary.BigEndian.AppendUint32(nil, a.ASN)
		return append(out, a.Addr[:]...), nil

	case IPv6ExtendedCommunities:
		out := make([]byte, 0, 20*len(a))
		for _, c := range a {
			out = append(out, c[:]...)
		}
		return out, nil

	case LargeCommunities:
		out := make([]byte, 0, 12*len(a))
		for _, c := range a {
			out = binary.BigEndian.AppendUint32(out, c.Global)
			out = binary.BigEndian.AppendUint32(out, c.Data1)
			out = binary.BigEndian.AppendUint32(out, c.Data2)
		}
		return out, nil
	}
	return nil, fmt.Errorf("wire: cannot marshal attribute %T", v)
}

func appendSegments(out []byte, segs []ASPathSegment, fourOctet bool) []byte {
	for _, seg := range segs {
		out = append(out, seg.Kind, byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if fourOctet {
				out = binary.BigEndian.AppendUint32(out, asn)
			} else {
				if asn > 0xFFFF {
					asn = ASTrans
				}
				out = binary.BigEndian.AppendUint16(out, uint16(asn))
			}
		}
	}
	return out
}
