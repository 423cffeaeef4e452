// Package protocol decodes the drink telemetry the bottle streams over its
// notify characteristics.
//
// A drink record is 13 bytes:
//
//	0     tag (0x1A)
//	1-5   month, day, hour, minute, second
//	6     reserved
//	7     volume in ml
//	8-12  opaque trailer
//
// Records arrive either in a framed packet ("PT" + 2 byte length + 2 byte
// metadata + N records) or in a header-less stream with unknown leading bytes.
package protocol

import "bytes"

// Wire constants.
const (
	RecordTag  byte = 0x1A
	RecordSize      = 13
	HeaderSize      = 6

	// CmdRequestHistory asks the bottle to replay its drink history.
	CmdRequestHistory byte = 0x01

	resyncPrefix = 2
)

// PacketKind classifies a notification by its 2-byte ASCII header.
type PacketKind int

// Known packet kinds.
const (
	PacketUnknown PacketKind = iota
	PacketDrinkHistory
	PacketStatus
	PacketAck
)

var (
	headerDrink  = []byte("PT")
	headerStatus = []byte("RT")
	headerAck    = []byte("RP")
)

func (k PacketKind) String() string {
	switch k {
	case PacketDrinkHistory:
		return "drink_history"
	case PacketStatus:
		return "status"
	case PacketAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Classify returns the packet kind announced by buf's header.
func Classify(buf []byte) PacketKind {
	switch {
	case bytes.HasPrefix(buf, headerDrink):
		return PacketDrinkHistory
	case bytes.HasPrefix(buf, headerStatus):
		return PacketStatus
	case bytes.HasPrefix(buf, headerAck):
		return PacketAck
	default:
		return PacketUnknown
	}
}

// RequestHistoryCommand returns the payload that requests drink history.
func RequestHistoryCommand() []byte {
	return []byte{CmdRequestHistory}
}
