package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Prefix is a wire-compact IPv4 route: a bit length and the minimum number
// of bytes that hold it, left-aligned with unused trailing bits zero.
type Prefix struct {
	Length uint8
	Body   []byte
}

// PrefixFromCIDR converts a parsed IPv4 prefix to wire form.
func PrefixFromCIDR(p netip.Prefix) Prefix {
	a := p.Addr().As4()
	n := (p.Bits() + 7) / 8
	body := append([]byte(nil), a[:n]...)
	return Prefix{Length: uint8(p.Bits()), Body: body}
}

func (p Prefix) String() string {
	var a [4]byte
	copy(a[:], p.Body)
	return fmt.Sprintf("%s/%d", net.IP(a[:]).String(), p.Length)
}

func appendPrefixes(out []byte, prefixes []Prefix) []byte {
	for _, p := range prefixes {
		out = append(out, p.Length)
		out = append(out, p.Body...)
	}
	return out
}

func parsePrefixes(data []byte) ([]Prefix, error) {
	var prefixes []Prefix
	for len(data) > 0 {
		plen := data[0]
		if plen > 32 {
			return nil, newError(ErrUpdateMessage, SubInvalidNetworkField, []byte{plen})
		}
		n := int(plen+7) / 8
		if 1+n > len(data) {
			return nil, newError(ErrUpdateMessage, SubInvalidNetworkField, data)
		}
		prefixes = append(prefixes, Prefix{
			Length: plen,
			Body:   append([]byte(nil), data[1:1+n]...),
		})
		data = data[1+n:]
	}
	return prefixes, nil
}

// Update carries withdrawn routes, path attributes, and announced NLRI.
type Update struct {
	Withdrawn  []Prefix
	Attributes []Attribute
	NLRI       []Prefix
}

func (*Update) MsgType() uint8 { return TypeUpdate }

func parseUpdate(body []byte, neg Negotiated) (*Update, error) {
	if len(body) < 4 {
		return nil, newError(ErrUpdateMessage, SubMalformedAttributeList, nil)
	}

	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	if 2+withdrawnLen+2 > len(body) {
		return nil, newError(ErrUpdateMessage, SubMalformedAttributeList, nil)
	}
	withdrawn, err := parsePrefixes(body[2 : 2+withdrawnLen])
	if err != nil {
		return nil, err
	}

	rest := body[2+withdrawnLen:]
	attrLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if 2+attrLen > len(rest) {
		return nil, newError(ErrUpdateMessage, SubMalformedAttributeList, nil)
	}
	attrs, err := parseAttributes(rest[2:2+attrLen], neg)
	if err != nil {
		return nil, err
	}

	nlri, err := parsePrefixes(rest[2+attrLen:])
	if err != nil {
		return nil, err
	}

	return &Update{Withdrawn: withdrawn, Attributes: attrs, NLRI: nlri}, nil
}

func (u *Update) marshal(neg Negotiated) ([]byte, error) {
	attrs := u.Attributes
	if !neg.FourOctetASN {
		attrs = withAS4Attributes(attrs)
	}

	var attrBytes []byte
	var err error
	for _, a := range attrs {
		attrBytes, err = appendAttribute(attrBytes, a, neg)
		if err != nil {
			return nil, err
		}
	}

	withdrawn := appendPrefixes(nil, u.Withdrawn)

	body := binary.BigEndian.AppendUint16(nil, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrBytes)))
	body = append(body, attrBytes...)
	return appendPrefixes(body, u.NLRI), nil
}

// withAS4Attributes re-expresses 4-octet ASNs for a 2-octet peer: the wire
// AS_PATH and AGGREGATOR carry AS_TRANS, the full values ride alongside in
// AS4_PATH / AS4_AGGREGATOR.
func withAS4Attributes(attrs []Attribute) []Attribute {
	var (
		out      []Attribute
		needs4   bool
		hasAS4   bool
		hasAgg4  bool
		path     ASPath
		agg      Aggregator
		hasPath  bool
		hasAgg   bool
	)
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case ASPath:
			path, hasPath = v, true
			for _, seg := range v.Segments {
				for _, asn := range seg.ASNs {
					if asn > 0xFFFF {
						needs4 = true
					}
				}
			}
		case Aggregator:
			agg, hasAgg = v, true
			if v.ASN > 0xFFFF {
				needs4 = true
			}
		case AS4Path:
			hasAS4 = true
		case AS4Aggregator:
			hasAgg4 = true
		}
		out = append(out, a)
	}
	if !needs4 {
		return attrs
	}
	if hasPath && !hasAS4 {
		out = append(out, NewAttribute(AS4Path{Segments: path.Segments}))
	}
	if hasAgg && !hasAgg4 {
		out = append(out, NewAttribute(AS4Aggregator{ASN: agg.ASN, Addr: agg.Addr}))
	}
	return out
}

// attribute accessors used by route selection

func (u *Update) attr(code uint8) (AttrValue, bool) {
	for _, a := range u.Attributes {
		if a.Value.Code() == code {
			return a.Value, true
		}
	}
	return nil, false
}

func (u *Update) Origin() (Origin, bool) {
	v, ok := u.attr(AttrOrigin)
	if !ok {
		return 0, false
	}
	return v.(Origin), true
}

func (u *Update) ASPath() (ASPath, bool) {
	v, ok := u.attr(AttrASPath)
	if !ok {
		return ASPath{}, false
	}
	return v.(ASPath), true
}

func (u *Update) NextHop() (NextHop, bool) {
	v, ok := u.attr(AttrNextHop)
	if !ok {
		return NextHop{}, false
	}
	return v.(NextHop), true
}

func (u *Update) LocalPref() (uint32, bool) {
	v, ok := u.attr(AttrLocalPref)
	if !ok {
		return 0, false
	}
	return uint32(v.(LocalPref)), true
}

func (u *Update) MultiExitDisc() (uint32, bool) {
	v, ok := u.attr(AttrMultiExitDisc)
	if !ok {
		return 0, false
	}
	return uint32(v.(MultiExitDisc)), true
}
