package wire

import "fmt"

// Community is a 32-bit route tag (RFC 1997).
type Community uint32

// Well-known community values. Unrecognized values keep their raw form.
const (
	CommunityGracefulShutdown  Community = 0xFFFF0000
	CommunityAcceptOwn         Community = 0xFFFF0001
	CommunityLLGRStale         Community = 0xFFFF0006
	CommunityNoLLGR            Community = 0xFFFF0007
	CommunityBlackhole         Community = 0xFFFF029A
	CommunityNoExport          Community = 0xFFFFFF01
	CommunityNoAdvertise       Community = 0xFFFFFF02
	CommunityNoExportSubconfed Community = 0xFFFFFF03
	CommunityNoPeer            Community = 0xFFFFFF04
)

var communityNames = map[Community]string{
	CommunityGracefulShutdown:  "GRACEFUL_SHUTDOWN",
	CommunityAcceptOwn:         "ACCEPT_OWN",
	CommunityLLGRStale:         "LLGR_STALE",
	CommunityNoLLGR:            "NO_LLGR",
	CommunityBlackhole:         "BLACKHOLE",
	CommunityNoExport:          "NO_EXPORT",
	CommunityNoAdvertise:       "NO_ADVERTISE",
	CommunityNoExportSubconfed: "NO_EXPORT_SUBCONFED",
	CommunityNoPeer:            "NO_PEER",
}

func (c Community) String() string {
	if name, ok := communityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d:%d", uint32(c)>>16, uint32(c)&0xFFFF)
}
