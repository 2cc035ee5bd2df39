// Package protocol defines the frame format shared by both ends of a link:
// header layout, checksum, fragmentation rules and the error kinds the rest
// of the engine reports.
package protocol

import "fmt"

// Type identifies the kind of frame carried on the wire.
type Type uint8

const (
	// Data frames (0x00-0x0F)
	TypeSingle Type = 0x00 // Whole message in one frame
	TypeStart  Type = 0x01 // First fragment of a multi-frame message
	TypeMid    Type = 0x02 // Intermediate fragment
	TypeEnd    Type = 0x03 // Last fragment

	// Control frames (0x10-0x1F)
	TypeAck     Type = 0x10
	TypeNack    Type = 0x11
	TypePing    Type = 0x12
	TypePong    Type = 0x13
	TypeReset   Type = 0x14
	TypeSync    Type = 0x15
	TypeSyncAck Type = 0x16
)

// IsData reports whether t carries message payload.
func (t Type) IsData() bool { return t <= TypeEnd }

// IsControl reports whether t is a link control frame.
func (t Type) IsControl() bool { return t >= TypeAck && t <= TypeSyncAck }

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool { return t.IsData() || t.IsControl() }

func (t Type) String() string {
	switch t {
	case TypeSingle:
		return "SINGLE"
	case TypeStart:
		return "START"
	case TypeMid:
		return "MID"
	case TypeEnd:
		return "END"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeReset:
		return "RESET"
	case TypeSync:
		return "SYNC"
	case TypeSyncAck:
		return "SYNC_ACK"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Flags is the header flag bitset.
type Flags uint8

const (
	FlagEncrypted    Flags = 0x01
	FlagAckRequested Flags = 0x02
)

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Wire layout (little-endian):
//
//	0  magic          1
//	1  type           1
//	2  flags          1
//	3  messageId      1
//	4  fragmentIndex  2
//	6  totalLength    2
//	8  currentLength  2
//	10 senderId       1
//	11 receiverId     1
//	12 payload        currentLength
//	.. crc16(payload) 2
const (
	Magic      byte = 0x55 // low byte of the 0xAA55 sentinel
	HeaderSize      = 12
	FooterSize      = 2
	Overhead        = HeaderSize + FooterSize

	MinMTU     = 23
	MaxMTU     = 1500
	DefaultMTU = 250

	// MaxMessageSize is bounded by the 16-bit totalLength field.
	MaxMessageSize = 0xFFFF

	// Broadcast is the receiver id addressing every node on the link.
	Broadcast uint8 = 0
)

// Header is the decoded fixed header. The magic byte is implied.
type Header struct {
	Type          Type
	Flags         Flags
	MessageID     uint8
	FragmentIndex uint16
	TotalLength   uint16
	CurrentLength uint16
	SenderID      uint8
	ReceiverID    uint8
}

// AckRequested reports whether the sender wants this frame acknowledged.
func (h Header) AckRequested() bool { return h.Flags.Has(FlagAckRequested) }

// Encrypted reports whether the message payload is ciphertext.
func (h Header) Encrypted() bool { return h.Flags.Has(FlagEncrypted) }

func (h Header) String() string {
	return fmt.Sprintf("%s id=%d frag=%d len=%d/%d %d->%d flags=0x%02x",
		h.Type, h.MessageID, h.FragmentIndex, h.CurrentLength, h.TotalLength,
		h.SenderID, h.ReceiverID, uint8(h.Flags))
}

// Frame is one header plus the payload slice it describes.
type Frame struct {
	Header  Header
	Payload []byte
}

// UsablePayload returns the largest payload a single frame can carry at the
// given MTU. It is zero or negative when the MTU cannot carry a payload byte.
func UsablePayload(mtu int) int {
	return mtu - Overhead
}

// ValidMTU reports whether mtu is within the supported range.
func ValidMTU(mtu int) bool {
	return mtu >= MinMTU && mtu <= MaxMTU
}
