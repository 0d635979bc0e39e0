package archive

import (
	"bytes"
	"testing"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/rde"
)

func TestEventIDStable(t *testing.T) {
	at := time.Unix(1700000000, 0)
	ev := &rde.RouteEvent{
		Prefix:  "10.1.0.0/16",
		Action:  "A",
		PeerID:  "10.0.0.2",
		Nexthop: "192.0.2.1",
		ASPath:  "65001 65002",
	}

	a := EventID(ev, at)
	b := EventID(ev, at)
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical ids for identical events")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-byte digest, got %d", len(a))
	}

	other := *ev
	other.Action = "D"
	if bytes.Equal(a, EventID(&other, at)) {
		t.Fatal("expected a different id for a different action")
	}

	if bytes.Equal(a, EventID(ev, at.Add(time.Second))) {
		t.Fatal("expected a different id for a different cycle time")
	}
}
