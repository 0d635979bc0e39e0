package wire

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

// buildFrame constructs a framed message with the given type and body.
func buildFrame(msgType uint8, body []byte) []byte {
	msg := make([]byte, HeaderSize+len(body))
	for i := 0; i < MarkerSize; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[MarkerSize:], uint16(len(msg)))
	msg[MarkerSize+2] = msgType
	copy(msg[HeaderSize:], body)
	return msg
}

// buildPathAttr constructs a single path attribute.
func buildPathAttr(flags byte, typeCode byte, data []byte) []byte {
	if len(data) > 255 || flags&FlagExtendedLength != 0 {
		attr := make([]byte, 4+len(data))
		attr[0] = flags | FlagExtendedLength
		attr[1] = typeCode
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func buildUpdateBody(withdrawn, pathAttrs, nlri []byte) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(pathAttrs)))
	body = append(body, pathAttrs...)
	return append(body, nlri...)
}

func TestSplit_PartialThenComplete(t *testing.T) {
	frame := buildFrame(TypeKeepalive, nil)

	msg, rest, err := Split(frame[:10], Negotiated{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatal("expected no frame from a partial buffer")
	}
	if len(rest) != 10 {
		t.Fatalf("expected rest to keep the partial bytes, got %d", len(rest))
	}

	buf := append(frame, frame[:5]...)
	msg, rest, err = Split(buf, Negotiated{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(msg, frame) {
		t.Fatal("frame bytes mismatch")
	}
	if len(rest) != 5 {
		t.Fatalf("expected 5 tail bytes, got %d", len(rest))
	}
}

func TestSplit_BadMarker(t *testing.T) {
	frame := buildFrame(TypeKeepalive, nil)
	frame[0] = 0x00

	_, _, err := Split(frame, Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != ErrMessageHeader || pe.Subcode != SubConnectionNotSynchronized {
		t.Fatalf("expected connection_not_synchronized, got %d/%d", pe.Code, pe.Subcode)
	}
}

func TestSplit_BadLength(t *testing.T) {
	frame := buildFrame(TypeKeepalive, nil)
	binary.BigEndian.PutUint16(frame[MarkerSize:], 5000)

	_, _, err := Split(frame, Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != ErrMessageHeader || pe.Subcode != SubBadMessageLength {
		t.Fatalf("expected bad_message_length, got %d/%d", pe.Code, pe.Subcode)
	}

	// The same length is fine once extended messages are negotiated.
	if _, _, err := Split(frame, Negotiated{ExtendedMessage: true}); err != nil {
		t.Fatalf("unexpected error with extended messages: %v", err)
	}
}

func TestSplit_BadType(t *testing.T) {
	frame := buildFrame(9, nil)

	_, _, err := Split(frame, Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Subcode != SubBadMessageType {
		t.Fatalf("expected bad_message_type, got subcode %d", pe.Subcode)
	}
	if len(pe.Data) != 1 || pe.Data[0] != 9 {
		t.Fatalf("expected offending type byte in data, got %v", pe.Data)
	}
}

func roundTrip(t *testing.T, m Message, neg Negotiated) Message {
	t.Helper()
	b, err := Marshal(m, neg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, rest, err := Split(b, neg)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no tail, got %d bytes", len(rest))
	}
	out, err := Unmarshal(frame, neg)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestRoundTrip_Keepalive(t *testing.T) {
	out := roundTrip(t, Keepalive{}, Negotiated{})
	if _, ok := out.(Keepalive); !ok {
		t.Fatalf("expected Keepalive, got %T", out)
	}
}

func TestRoundTrip_Notification(t *testing.T) {
	in := &Notification{Code: ErrUpdateMessage, Subcode: SubAttributeFlagsError, Data: []byte{0x80, 1, 1, 0}}
	out := roundTrip(t, in, Negotiated{})
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestRoundTrip_RouteRefresh(t *testing.T) {
	in := &RouteRefresh{AFI: AFIIPv4, SAFI: SAFIUnicast}
	out := roundTrip(t, in, Negotiated{})
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func testOpen() *Open {
	return &Open{
		Version:  4,
		ASN:      23456,
		HoldTime: 90,
		BGPID:    [4]byte{10, 0, 0, 1},
		Caps: []Capability{
			CapFourOctetASN{ASN: 4200000000},
			CapMultiProtocol{AFI: AFIIPv4, SAFI: SAFIUnicast},
			CapRouteRefresh{},
			CapExtendedMessage{},
			CapGracefulRestart{Restarted: true, Time: 120, Tuples: []GracefulRestartTuple{
				{AFI: AFIIPv4, SAFI: SAFIUnicast, ForwardingPreserved: true},
			}},
			CapEnhancedRouteRefresh{},
		},
	}
}

func TestRoundTrip_Open(t *testing.T) {
	in := testOpen()
	out := roundTrip(t, in, Negotiated{})
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestRoundTrip_OpenExtendedParams(t *testing.T) {
	in := testOpen()
	out := roundTrip(t, in, Negotiated{ExtendedParams: true})
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestOpen_UnsupportedVersion(t *testing.T) {
	body := []byte{3, 0xFD, 0xE8, 0, 90, 10, 0, 0, 2, 0}
	_, err := Unmarshal(buildFrame(TypeOpen, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != ErrOpenMessage || pe.Subcode != SubUnsupportedVersionNumber {
		t.Fatalf("expected unsupported_version_number, got %d/%d", pe.Code, pe.Subcode)
	}
}

func TestOpen_UnacceptableHoldTime(t *testing.T) {
	body := []byte{4, 0xFD, 0xE8, 0, 2, 10, 0, 0, 2, 0}
	_, err := Unmarshal(buildFrame(TypeOpen, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Subcode != SubUnacceptableHoldTime {
		t.Fatalf("expected unacceptable_hold_time, got subcode %d", pe.Subcode)
	}
}

func TestOpen_ZeroHoldTimeAllowed(t *testing.T) {
	body := []byte{4, 0xFD, 0xE8, 0, 0, 10, 0, 0, 2, 0}
	m, err := Unmarshal(buildFrame(TypeOpen, body), Negotiated{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.(*Open).HoldTime != 0 {
		t.Fatal("expected hold time 0")
	}
}

func TestOpen_UnknownCapabilityIgnored(t *testing.T) {
	caps := []byte{200, 2, 0xAA, 0xBB} // unknown code 200
	params := append([]byte{paramCapabilities, byte(len(caps))}, caps...)
	body := []byte{4, 0xFD, 0xE8, 0, 90, 10, 0, 0, 2, byte(len(params))}
	body = append(body, params...)

	m, err := Unmarshal(buildFrame(TypeOpen, body), Negotiated{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.(*Open).Caps) != 0 {
		t.Fatalf("expected unknown capability to be dropped, got %v", m.(*Open).Caps)
	}
}

func TestOpen_GarbageCapability(t *testing.T) {
	caps := []byte{byte(capFourOctetASN), 3, 0, 0, 1} // four-octet ASN must be 4 bytes
	params := append([]byte{paramCapabilities, byte(len(caps))}, caps...)
	body := []byte{4, 0xFD, 0xE8, 0, 90, 10, 0, 0, 2, byte(len(params))}
	body = append(body, params...)

	_, err := Unmarshal(buildFrame(TypeOpen, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != ErrOpenMessage || pe.Subcode != SubUnspecific {
		t.Fatalf("expected open/unspecific, got %d/%d", pe.Code, pe.Subcode)
	}
}

func testUpdate() *Update {
	return &Update{
		Withdrawn: []Prefix{{Length: 16, Body: []byte{172, 16}}},
		Attributes: []Attribute{
			NewAttribute(OriginIGP),
			NewAttribute(ASPath{Segments: []ASPathSegment{
				{Kind: SegmentASSequence, ASNs: []uint32{65000, 65001}},
				{Kind: SegmentASSet, ASNs: []uint32{64512}},
			}}),
			NewAttribute(NextHop{192, 168, 1, 1}),
			NewAttribute(MultiExitDisc(50)),
			NewAttribute(LocalPref(200)),
			NewAttribute(AtomicAggregate{}),
			NewAttribute(Aggregator{ASN: 65001, Addr: [4]byte{10, 0, 0, 9}}),
			NewAttribute(Communities{CommunityNoExport, Community(65000<<16 | 100)}),
			NewAttribute(OriginatorID{10, 0, 0, 7}),
			NewAttribute(ClusterList{{10, 0, 0, 7}, {10, 0, 0, 8}}),
			NewAttribute(MPReachNLRI{
				AFI:     AFIIPv6,
				SAFI:    SAFIUnicast,
				NextHop: []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
				NLRI:    []byte{32, 0x20, 0x01, 0x0d, 0xb8},
			}),
			NewAttribute(MPUnreachNLRI{AFI: AFIIPv6, SAFI: SAFIUnicast, Withdrawn: []byte{48, 0x20, 0x01, 0x0d, 0xb8, 0, 1}}),
			NewAttribute(ExtendedCommunities{{0x00, 0x02, 0xFD, 0xE8, 0, 0, 0, 1}}),
			NewAttribute(IPv6ExtendedCommunities{{0, 2, 0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}}),
			NewAttribute(LargeCommunities{{Global: 65000, Data1: 1, Data2: 2}}),
		},
		NLRI: []Prefix{{Length: 24, Body: []byte{10, 1, 2}}},
	}
}

func TestRoundTrip_Update(t *testing.T) {
	in := testUpdate()
	out := roundTrip(t, in, Negotiated{})
	if !reflect.DeepEqual(in, out.(*Update)) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestRoundTrip_UpdateFourOctet(t *testing.T) {
	in := &Update{
		Attributes: []Attribute{
			NewAttribute(OriginIGP),
			NewAttribute(ASPath{Segments: []ASPathSegment{
				{Kind: SegmentASSequence, ASNs: []uint32{4200000000, 65001}},
			}}),
			NewAttribute(NextHop{10, 0, 0, 1}),
			NewAttribute(Aggregator{ASN: 4200000000, Addr: [4]byte{10, 0, 0, 9}}),
		},
		NLRI: []Prefix{{Length: 8, Body: []byte{10}}},
	}
	out := roundTrip(t, in, Negotiated{FourOctetASN: true})
	if !reflect.DeepEqual(in, out.(*Update)) {
		t.Fatalf("mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

// A 4-octet ASN sent to a 2-octet peer becomes AS_TRANS on the wire with
// the real path alongside in AS4_PATH / AS4_AGGREGATOR.
func TestUpdate_ASTransSubstitution(t *testing.T) {
	in := &Update{
		Attributes: []Attribute{
			NewAttribute(OriginIGP),
			NewAttribute(ASPath{Segments: []ASPathSegment{
				{Kind: SegmentASSequence, ASNs: []uint32{4200000000}},
			}}),
			NewAttribute(NextHop{10, 0, 0, 1}),
			NewAttribute(Aggregator{ASN: 4200000000, Addr: [4]byte{10, 0, 0, 9}}),
		},
		NLRI: []Prefix{{Length: 8, Body: []byte{10}}},
	}

	out := roundTrip(t, in, Negotiated{}).(*Update)

	path, ok := out.ASPath()
	if !ok {
		t.Fatal("missing AS_PATH")
	}
	if path.Segments[0].ASNs[0] != ASTrans {
		t.Fatalf("expected AS_TRANS on the wire, got %d", path.Segments[0].ASNs[0])
	}

	var as4 *AS4Path
	var agg4 *AS4Aggregator
	for _, a := range out.Attributes {
		switch v := a.Value.(type) {
		case AS4Path:
			as4 = &v
		case AS4Aggregator:
			agg4 = &v
		}
	}
	if as4 == nil || as4.Segments[0].ASNs[0] != 4200000000 {
		t.Fatalf("expected AS4_PATH with the real ASN, got %+v", as4)
	}
	if agg4 == nil || agg4.ASN != 4200000000 {
		t.Fatalf("expected AS4_AGGREGATOR with the real ASN, got %+v", agg4)
	}
}

// Scenario: an UPDATE whose Origin carries the optional flag must raise
// attribute_flags_error with the offending bytes.
func TestUpdate_OriginFlagViolation(t *testing.T) {
	bad := buildPathAttr(FlagOptional|FlagTransitive, AttrOrigin, []byte{0})
	nexthop := buildPathAttr(FlagTransitive, AttrNextHop, []byte{192, 168, 1, 1})
	body := buildUpdateBody(nil, append(bad, nexthop...), []byte{24, 10, 0, 0})

	_, err := Unmarshal(buildFrame(TypeUpdate, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != ErrUpdateMessage || pe.Subcode != SubAttributeFlagsError {
		t.Fatalf("expected attribute_flags_error, got %d/%d", pe.Code, pe.Subcode)
	}
	if !bytes.Equal(pe.Data, bad) {
		t.Fatalf("expected offending attribute bytes, got %x", pe.Data)
	}
}

func TestUpdate_MEDTransitiveFlagViolation(t *testing.T) {
	bad := buildPathAttr(FlagOptional|FlagTransitive, AttrMultiExitDisc, []byte{0, 0, 0, 1})
	body := buildUpdateBody(nil, bad, nil)

	_, err := Unmarshal(buildFrame(TypeUpdate, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Subcode != SubAttributeFlagsError {
		t.Fatalf("expected attribute_flags_error, got %v", err)
	}
}

func TestUpdate_InvalidOrigin(t *testing.T) {
	bad := buildPathAttr(FlagTransitive, AttrOrigin, []byte{7})
	body := buildUpdateBody(nil, bad, nil)

	_, err := Unmarshal(buildFrame(TypeUpdate, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Subcode != SubInvalidOriginAttribute {
		t.Fatalf("expected invalid_origin_attribute, got %v", err)
	}
}

func TestUpdate_InvalidNetworkField(t *testing.T) {
	body := buildUpdateBody(nil, nil, []byte{40, 10, 0, 0, 0, 0})
	_, err := Unmarshal(buildFrame(TypeUpdate, body), Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Subcode != SubInvalidNetworkField {
		t.Fatalf("expected invalid_network_field, got %v", err)
	}
}

func TestUpdate_UnknownOptionalAttributeSkipped(t *testing.T) {
	unknown := buildPathAttr(FlagOptional|FlagTransitive, 99, []byte{1, 2, 3})
	nexthop := buildPathAttr(FlagTransitive, AttrNextHop, []byte{192, 168, 1, 1})
	body := buildUpdateBody(nil, append(unknown, nexthop...), []byte{24, 10, 0, 0})

	m, err := Unmarshal(buildFrame(TypeUpdate, body), Negotiated{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := m.(*Update)
	if len(u.Attributes) != 1 {
		t.Fatalf("expected only NEXT_HOP to survive, got %d attributes", len(u.Attributes))
	}
	if _, ok := u.NextHop(); !ok {
		t.Fatal("missing NEXT_HOP")
	}
}

func TestEncode_FlagPolicyViolation(t *testing.T) {
	u := &Update{
		Attributes: []Attribute{
			{Flags: FlagOptional | FlagTransitive, Value: OriginIGP},
		},
	}
	_, err := Marshal(u, Negotiated{})
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Subcode != SubAttributeFlagsError {
		t.Fatalf("expected attribute_flags_error on encode, got %v", err)
	}
}

func TestExtendedLengthAttribute(t *testing.T) {
	// 300 communities force the 2-octet length form.
	cs := make(Communities, 300)
	for i := range cs {
		cs[i] = Community(i)
	}
	in := &Update{Attributes: []Attribute{NewAttribute(cs)}}

	out := roundTrip(t, in, Negotiated{}).(*Update)
	if out.Attributes[0].Flags&FlagExtendedLength == 0 {
		t.Fatal("expected extended-length flag on the decoded attribute")
	}
	if !reflect.DeepEqual(out.Attributes[0].Value, cs) {
		t.Fatal("communities mismatch")
	}
}

func TestCommunityNames(t *testing.T) {
	if got := CommunityNoExport.String(); got != "NO_EXPORT" {
		t.Fatalf("expected NO_EXPORT, got %s", got)
	}
	if got := CommunityGracefulShutdown.String(); got != "GRACEFUL_SHUTDOWN" {
		t.Fatalf("expected GRACEFUL_SHUTDOWN, got %s", got)
	}
	if got := Community(65000<<16 | 100).String(); got != "65000:100" {
		t.Fatalf("expected 65000:100, got %s", got)
	}
}

func TestPrefixString(t *testing.T) {
	p := Prefix{Length: 24, Body: []byte{10, 1, 2}}
	if p.String() != "10.1.2.0/24" {
		t.Fatalf("expected 10.1.2.0/24, got %s", p.String())
	}
}
