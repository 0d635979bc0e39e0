package rde

import (
	"fmt"
	"net"
	"strings"

	"github.com/route-beacon/bgp-speaker/internal/wire"
)

// RouteEvent is a single best-path change produced by a dissemination
// phase, in the shape the export and archive sinks consume.
type RouteEvent struct {
	Prefix    string            `json:"prefix"`
	Action    string            `json:"action"` // "A" or "D"
	Nexthop   string            `json:"nexthop,omitempty"`
	PeerID    string            `json:"peer_id,omitempty"`
	PeerASN   uint32            `json:"peer_asn,omitempty"`
	Pref      uint32            `json:"pref"`
	ASPath    string            `json:"as_path,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	LocalPref *uint32           `json:"localpref,omitempty"`
	MED       *uint32           `json:"med,omitempty"`
	CommStd   []string          `json:"communities_std,omitempty"`
	CommLarge []string          `json:"communities_large,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`

	// Raw is the canonical wire encoding of the selected route, for
	// archive storage only. Not exported as JSON.
	Raw []byte `json:"-"`
}

func announceEvent(r Route) RouteEvent {
	ev := RouteEvent{
		Prefix:  r.Prefix.String(),
		Action:  "A",
		Nexthop: r.NextHop.String(),
		PeerID:  net.IP(r.Peer.BGPID[:]).String(),
		PeerASN: r.Peer.ASN,
		Pref:    r.Pref,
	}
	for _, a := range r.Attrs {
		switch v := a.Value.(type) {
		case wire.Origin:
			ev.Origin = v.String()
		case wire.ASPath:
			ev.ASPath = formatASPath(v)
		case wire.LocalPref:
			lp := uint32(v)
			ev.LocalPref = &lp
		case wire.MultiExitDisc:
			med := uint32(v)
			ev.MED = &med
		case wire.Communities:
			for _, c := range v {
				ev.CommStd = append(ev.CommStd, c.String())
			}
		case wire.LargeCommunities:
			for _, c := range v {
				ev.CommLarge = append(ev.CommLarge, c.String())
			}
		}
	}
	if b, err := wire.Marshal(&wire.Update{Attributes: r.Attrs, NLRI: []wire.Prefix{r.Prefix}}, wire.Negotiated{}); err == nil {
		ev.Raw = b
	}
	return ev
}

func withdrawEvent(prefix string, r Route) RouteEvent {
	return RouteEvent{
		Prefix: prefix,
		Action: "D",
		PeerID: net.IP(r.Peer.BGPID[:]).String(),
	}
}

func formatASPath(p wire.ASPath) string {
	var segments []string
	for _, seg := range p.Segments {
		asns := make([]string, len(seg.ASNs))
		for i, a := range seg.ASNs {
			asns[i] = fmt.Sprintf("%d", a)
		}
		switch seg.Kind {
		case wire.SegmentASSet, wire.SegmentASConfedSet:
			segments = append(segments, "{"+strings.Join(asns, ",")+"}")
		default:
			segments = append(segments, strings.Join(asns, " "))
		}
	}
	return strings.Join(segments, " ")
}
