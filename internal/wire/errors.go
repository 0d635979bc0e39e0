package wire

import "fmt"

// NOTIFICATION error codes (RFC 4271 section 4.5).
const (
	ErrMessageHeader    uint8 = 1
	ErrOpenMessage      uint8 = 2
	ErrUpdateMessage    uint8 = 3
	ErrHoldTimerExpired uint8 = 4
	ErrFSM              uint8 = 5
	ErrCease            uint8 = 6
)

// Message header error subcodes.
const (
	SubConnectionNotSynchronized uint8 = 1
	SubBadMessageLength          uint8 = 2
	SubBadMessageType            uint8 = 3
)

// OPEN message error subcodes.
const (
	SubUnspecific                   uint8 = 0
	SubUnsupportedVersionNumber     uint8 = 1
	SubBadPeerAS                    uint8 = 2
	SubBadBGPIdentifier             uint8 = 3
	SubUnsupportedOptionalParameter uint8 = 4
	SubAuthenticationFailure        uint8 = 5
	SubUnacceptableHoldTime         uint8 = 6
)

// UPDATE message error subcodes.
const (
	SubMalformedAttributeList         uint8 = 1
	SubUnrecognizedWellKnownAttribute uint8 = 2
	SubMissingWellKnownAttribute      uint8 = 3
	SubAttributeFlagsError            uint8 = 4
	SubAttributeLengthError           uint8 = 5
	SubInvalidOriginAttribute         uint8 = 6
	SubASRoutingLoop                  uint8 = 7
	SubInvalidNextHopAttribute        uint8 = 8
	SubOptionalAttributeError         uint8 = 9
	SubInvalidNetworkField            uint8 = 10
	SubMalformedASPath                uint8 = 11
)

// FSM error subcodes (RFC 6608).
const (
	SubUnexpectedMessageInOpenSent    uint8 = 1
	SubUnexpectedMessageInOpenConfirm uint8 = 2
	SubUnexpectedMessageInEstablished uint8 = 3
)

// Cease subcodes (RFC 4486).
const (
	SubMaximumPrefixesReached        uint8 = 1
	SubAdministrativeShutdown        uint8 = 2
	SubPeerDeconfigured              uint8 = 3
	SubAdministrativeReset           uint8 = 4
	SubConnectionRejected            uint8 = 5
	SubOtherConfigurationChange      uint8 = 6
	SubConnectionCollisionResolution uint8 = 7
	SubOutOfResources                uint8 = 8
)

// ProtocolError is a typed codec failure carrying the code, subcode, and
// offending bytes that a NOTIFICATION to the peer must carry. It is the
// only error kind the codec raises for malformed-but-framed input.
type ProtocolError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol error code=%d subcode=%d (%d data bytes)", e.Code, e.Subcode, len(e.Data))
}

// Notification converts the error into the NOTIFICATION message to send
// before disconnecting.
func (e *ProtocolError) Notification() *Notification {
	return &Notification{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}

func newError(code, subcode uint8, data []byte) *ProtocolError {
	return &ProtocolError{Code: code, Subcode: subcode, Data: data}
}
