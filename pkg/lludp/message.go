package lludp

import (
	"errors"
	"fmt"
)

// Frequency is the wire-width class of a message identifier.
type Frequency int

const (
	FreqHigh   Frequency = iota // 1 byte on the wire
	FreqMedium                  // 2 bytes: 0xFF + id
	FreqLow                     // 4 bytes: 0xFF 0xFF + big-endian u16
)

func (f Frequency) String() string {
	switch f {
	case FreqHigh:
		return "high"
	case FreqMedium:
		return "medium"
	case FreqLow:
		return "low"
	default:
		return "unknown"
	}
}

// MessageID is the canonical form of a wire message identifier: the wire
// bytes widened to 32 bits. High-frequency ids are the single byte value,
// medium ids are 0xFF00|id, low ids are 0xFFFF0000|id.
type MessageID uint32

// Known message identifiers. The table is closed: an identifier absent
// from the registry fails decode with ErrUnknownMessage.
const (
	MsgStartPingCheck            MessageID = 0x01
	MsgCompletePingCheck         MessageID = 0x02
	MsgAgentUpdate               MessageID = 0x04
	MsgObjectUpdate              MessageID = 0x05
	MsgImprovedTerseObjectUpdate MessageID = 0x07
	MsgImageData                 MessageID = 0x1A

	MsgRequestMultipleObjects MessageID = 0xFF03
	MsgCoarseLocationUpdate   MessageID = 0xFF06

	MsgUseCircuitCode         MessageID = 0xFFFFFF01
	MsgRegionHandshake        MessageID = 0xFFFFFF04
	MsgRegionHandshakeReply   MessageID = 0xFFFFFF05
	MsgObjectUpdateCached     MessageID = 0xFFFFFF06
	MsgCompleteAgentMovement  MessageID = 0xFFFFFF07
	MsgAgentMovementComplete  MessageID = 0xFFFFFF08
	MsgLogoutRequest          MessageID = 0xFFFFFF09
	MsgCloseCircuit           MessageID = 0xFFFFFF0A
	MsgKillObject             MessageID = 0xFFFFFF0B
	MsgTeleportFinish         MessageID = 0xFFFFFF0E
	MsgTeleportLocal          MessageID = 0xFFFFFF0F
	MsgTeleportStart          MessageID = 0xFFFFFF19
	MsgTeleportProgress       MessageID = 0xFFFFFF1A
	MsgTeleportFailed         MessageID = 0xFFFFFF1B
	MsgChatFromSimulator      MessageID = 0xFFFFFF2C
	MsgChatFromViewer         MessageID = 0xFFFFFF2E
	MsgImprovedInstantMessage MessageID = 0xFFFFFF36
	MsgAvatarAnimation        MessageID = 0xFFFFFF3B
	MsgObjectPropertiesFamily MessageID = 0xFFFFFF3F
	MsgAgentDataUpdate        MessageID = 0xFFFFFF4A
	MsgAgentThrottle          MessageID = 0xFFFFFF51
	MsgObjectProperties       MessageID = 0xFFFFFF5A
	MsgAvatarAppearance       MessageID = 0xFFFFFECC
	MsgAgentWearablesUpdate   MessageID = 0xFFFFFECE
	MsgPacketAck              MessageID = 0xFFFFFFF4
)

// ErrUnknownMessage reports an identifier outside the closed table. The
// datagram is dropped but the circuit stays alive.
var ErrUnknownMessage = errors.New("lludp: unrecognized message identifier")

// MessageInfo describes one entry of the message table.
type MessageInfo struct {
	Name string
	Freq Frequency
	// ZeroCoded marks messages the client zero-codes on send by default.
	ZeroCoded bool
}

var messageTable = map[MessageID]MessageInfo{
	MsgStartPingCheck:            {Name: "StartPingCheck", Freq: FreqHigh},
	MsgCompletePingCheck:         {Name: "CompletePingCheck", Freq: FreqHigh},
	MsgAgentUpdate:               {Name: "AgentUpdate", Freq: FreqHigh, ZeroCoded: true},
	MsgObjectUpdate:              {Name: "ObjectUpdate", Freq: FreqHigh, ZeroCoded: true},
	MsgImprovedTerseObjectUpdate: {Name: "ImprovedTerseObjectUpdate", Freq: FreqHigh},
	MsgImageData:                 {Name: "ImageData", Freq: FreqHigh},

	MsgRequestMultipleObjects: {Name: "RequestMultipleObjects", Freq: FreqMedium},
	MsgCoarseLocationUpdate:   {Name: "CoarseLocationUpdate", Freq: FreqMedium},

	MsgUseCircuitCode:         {Name: "UseCircuitCode", Freq: FreqLow},
	MsgRegionHandshake:        {Name: "RegionHandshake", Freq: FreqLow, ZeroCoded: true},
	MsgRegionHandshakeReply:   {Name: "RegionHandshakeReply", Freq: FreqLow, ZeroCoded: true},
	MsgObjectUpdateCached:     {Name: "ObjectUpdateCached", Freq: FreqLow, ZeroCoded: true},
	MsgCompleteAgentMovement:  {Name: "CompleteAgentMovement", Freq: FreqLow},
	MsgAgentMovementComplete:  {Name: "AgentMovementComplete", Freq: FreqLow},
	MsgLogoutRequest:          {Name: "LogoutRequest", Freq: FreqLow},
	MsgCloseCircuit:           {Name: "CloseCircuit", Freq: FreqLow},
	MsgKillObject:             {Name: "KillObject", Freq: FreqLow},
	MsgTeleportFinish:         {Name: "TeleportFinish", Freq: FreqLow},
	MsgTeleportLocal:          {Name: "TeleportLocal", Freq: FreqLow},
	MsgTeleportStart:          {Name: "TeleportStart", Freq: FreqLow},
	MsgTeleportProgress:       {Name: "TeleportProgress", Freq: FreqLow},
	MsgTeleportFailed:         {Name: "TeleportFailed", Freq: FreqLow},
	MsgChatFromSimulator:      {Name: "ChatFromSimulator", Freq: FreqLow},
	MsgChatFromViewer:         {Name: "ChatFromViewer", Freq: FreqLow},
	MsgImprovedInstantMessage: {Name: "ImprovedInstantMessage", Freq: FreqLow},
	MsgAvatarAnimation:        {Name: "AvatarAnimation", Freq: FreqLow},
	MsgObjectPropertiesFamily: {Name: "ObjectPropertiesFamily", Freq: FreqLow, ZeroCoded: true},
	MsgAgentDataUpdate:        {Name: "AgentDataUpdate", Freq: FreqLow},
	MsgAgentThrottle:          {Name: "AgentThrottle", Freq: FreqLow},
	MsgObjectProperties:       {Name: "ObjectProperties", Freq: FreqLow, ZeroCoded: true},
	MsgAvatarAppearance:       {Name: "AvatarAppearance", Freq: FreqLow},
	MsgAgentWearablesUpdate:   {Name: "AgentWearablesUpdate", Freq: FreqLow},
	MsgPacketAck:              {Name: "PacketAck", Freq: FreqLow},
}

// Lookup resolves id against the message table.
func Lookup(id MessageID) (MessageInfo, error) {
	info, ok := messageTable[id]
	if !ok {
		return MessageInfo{}, fmt.Errorf("%w: 0x%08X", ErrUnknownMessage, uint32(id))
	}
	return info, nil
}

func (id MessageID) String() string {
	if info, ok := messageTable[id]; ok {
		return info.Name
	}
	return fmt.Sprintf("Unknown(0x%08X)", uint32(id))
}

// readMessageID decodes the variable-width identifier at the start of a
// body region and returns it with the number of bytes consumed.
func readMessageID(body []byte) (MessageID, int, error) {
	if len(body) < 1 {
		return 0, 0, errors.New("lludp: empty body, no message identifier")
	}
	if body[0] != 0xFF {
		return MessageID(body[0]), 1, nil
	}
	if len(body) < 2 {
		return 0, 0, errors.New("lludp: truncated medium message identifier")
	}
	if body[1] != 0xFF {
		return 0xFF00 | MessageID(body[1]), 2, nil
	}
	if len(body) < 4 {
		return 0, 0, errors.New("lludp: truncated low message identifier")
	}
	return 0xFFFF0000 | MessageID(body[2])<<8 | MessageID(body[3]), 4, nil
}

// appendMessageID appends the wire form of id, derived from its canonical
// value range.
func appendMessageID(b []byte, id MessageID) ([]byte, error) {
	switch {
	case id <= 0xFE:
		return append(b, byte(id)), nil
	case id >= 0xFF01 && id <= 0xFFFE:
		return append(b, 0xFF, byte(id)), nil
	case id >= 0xFFFF0000:
		return append(b, 0xFF, 0xFF, byte(id>>8), byte(id)), nil
	default:
		return b, fmt.Errorf("lludp: message identifier 0x%08X has no wire form", uint32(id))
	}
}
