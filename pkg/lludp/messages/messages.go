package messages

import (
	"fmt"

	"gridlink/pkg/lludp"
	"gridlink/pkg/types"
)

// Message is one typed message body. Implementations map 1:1 to entries
// of the lludp message table.
type Message interface {
	ID() lludp.MessageID
	MarshalBody() ([]byte, error)
	UnmarshalBody(b []byte) error
}

// Build wraps a typed message into an outbound packet.
func Build(m Message) (*lludp.Packet, error) {
	body, err := m.MarshalBody()
	if err != nil {
		return nil, err
	}
	return lludp.NewPacket(m.ID(), body)
}

// factories builds a fresh value for each decodable inbound message.
var factories = map[lludp.MessageID]func() Message{
	lludp.MsgUseCircuitCode:            func() Message { return &UseCircuitCode{} },
	lludp.MsgRegionHandshake:           func() Message { return &RegionHandshake{} },
	lludp.MsgRegionHandshakeReply:      func() Message { return &RegionHandshakeReply{} },
	lludp.MsgCompleteAgentMovement:     func() Message { return &CompleteAgentMovement{} },
	lludp.MsgAgentMovementComplete:     func() Message { return &AgentMovementComplete{} },
	lludp.MsgAgentThrottle:             func() Message { return &AgentThrottle{} },
	lludp.MsgPacketAck:                 func() Message { return &PacketAck{} },
	lludp.MsgStartPingCheck:            func() Message { return &StartPingCheck{} },
	lludp.MsgCompletePingCheck:         func() Message { return &CompletePingCheck{} },
	lludp.MsgCloseCircuit:              func() Message { return &CloseCircuit{} },
	lludp.MsgLogoutRequest:             func() Message { return &LogoutRequest{} },
	lludp.MsgChatFromViewer:            func() Message { return &ChatFromViewer{} },
	lludp.MsgChatFromSimulator:         func() Message { return &ChatFromSimulator{} },
	lludp.MsgKillObject:                func() Message { return &KillObject{} },
	lludp.MsgObjectUpdateCached:        func() Message { return &ObjectUpdateCached{} },
	lludp.MsgImprovedTerseObjectUpdate: func() Message { return &ImprovedTerseObjectUpdate{} },
}

// Parse decodes a packet's body into its typed message. Messages the
// client never interprets return (nil, nil): the caller still has the raw
// packet.
func Parse(p *lludp.Packet) (Message, error) {
	mk, ok := factories[p.ID]
	if !ok {
		return nil, nil
	}
	m := mk()
	if err := m.UnmarshalBody(p.Body); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.ID, err)
	}
	return m, nil
}

// UseCircuitCode opens a circuit: it binds the login-issued circuit code
// to the agent's session on this region.
type UseCircuitCode struct {
	Code      uint32
	SessionID types.ID
	AgentID   types.ID
}

func (*UseCircuitCode) ID() lludp.MessageID { return lludp.MsgUseCircuitCode }

func (m *UseCircuitCode) MarshalBody() ([]byte, error) {
	var w writer
	w.u32(m.Code)
	w.id(m.SessionID)
	w.id(m.AgentID)
	return w.b, nil
}

func (m *UseCircuitCode) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.Code = r.u32()
	m.SessionID = r.id()
	m.AgentID = r.id()
	return r.err
}

// RegionHandshake is the region's reply to UseCircuitCode, carrying
// region identity and terrain parameters.
type RegionHandshake struct {
	RegionFlags    uint32
	SimAccess      byte
	SimName        string
	SimOwner       types.ID
	TerrainBase    [4]float32
	TerrainDetail  [4]float32
	WaterHeight    float32
	BillableFactor float32
	CacheID        types.ID
	TerrainStartX  float32
	TerrainStartY  float32
	RegionID       types.ID
}

func (*RegionHandshake) ID() lludp.MessageID { return lludp.MsgRegionHandshake }

func (m *RegionHandshake) MarshalBody() ([]byte, error) {
	if len(m.SimName) > 254 {
		return nil, fmt.Errorf("messages: sim name exceeds 254 bytes")
	}
	var w writer
	w.u32(m.RegionFlags)
	w.u8(m.SimAccess)
	w.bytes([]byte(m.SimName))
	w.u8(0) // null terminator
	w.id(m.SimOwner)
	for _, f := range m.TerrainBase {
		w.f32(f)
	}
	for _, f := range m.TerrainDetail {
		w.f32(f)
	}
	w.f32(m.WaterHeight)
	w.f32(m.BillableFactor)
	w.id(m.CacheID)
	w.f32(m.TerrainStartX)
	w.f32(m.TerrainStartY)
	w.id(m.RegionID)
	return w.b, nil
}

func (m *RegionHandshake) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.RegionFlags = r.u32()
	m.SimAccess = r.u8()
	// sim name is null-terminated on the wire
	name := make([]byte, 0, 32)
	for {
		c := r.u8()
		if c == 0 || r.err != nil {
			break
		}
		name = append(name, c)
	}
	m.SimName = string(name)
	m.SimOwner = r.id()
	for i := range m.TerrainBase {
		m.TerrainBase[i] = r.f32()
	}
	for i := range m.TerrainDetail {
		m.TerrainDetail[i] = r.f32()
	}
	m.WaterHeight = r.f32()
	m.BillableFactor = r.f32()
	m.CacheID = r.id()
	m.TerrainStartX = r.f32()
	m.TerrainStartY = r.f32()
	m.RegionID = r.id()
	return r.err
}

// RegionHandshakeReply acknowledges the handshake and advertises client
// capabilities via its flags word.
type RegionHandshakeReply struct {
	AgentID   types.ID
	SessionID types.ID
	Flags     uint32
}

func (*RegionHandshakeReply) ID() lludp.MessageID { return lludp.MsgRegionHandshakeReply }

func (m *RegionHandshakeReply) MarshalBody() ([]byte, error) {
	var w writer
	w.id(m.AgentID)
	w.id(m.SessionID)
	w.u32(m.Flags)
	return w.b, nil
}

func (m *RegionHandshakeReply) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.AgentID = r.id()
	m.SessionID = r.id()
	m.Flags = r.u32()
	return r.err
}

// CompleteAgentMovement asks the region to finish placing the agent.
type CompleteAgentMovement struct {
	AgentID     types.ID
	SessionID   types.ID
	CircuitCode uint32
}

func (*CompleteAgentMovement) ID() lludp.MessageID { return lludp.MsgCompleteAgentMovement }

func (m *CompleteAgentMovement) MarshalBody() ([]byte, error) {
	var w writer
	w.id(m.AgentID)
	w.id(m.SessionID)
	w.u32(m.CircuitCode)
	return w.b, nil
}

func (m *CompleteAgentMovement) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.AgentID = r.id()
	m.SessionID = r.id()
	m.CircuitCode = r.u32()
	return r.err
}

// AgentMovementComplete confirms the agent is placed; receiving it moves
// the circuit to its active state.
type AgentMovementComplete struct {
	AgentID      types.ID
	SessionID    types.ID
	Position     types.Vector3
	LookAt       types.Vector3
	RegionHandle uint64
	Timestamp    uint32
}

func (*AgentMovementComplete) ID() lludp.MessageID { return lludp.MsgAgentMovementComplete }

func (m *AgentMovementComplete) MarshalBody() ([]byte, error) {
	var w writer
	w.id(m.AgentID)
	w.id(m.SessionID)
	w.vector3(m.Position)
	w.vector3(m.LookAt)
	w.u64(m.RegionHandle)
	w.u32(m.Timestamp)
	return w.b, nil
}

func (m *AgentMovementComplete) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.AgentID = r.id()
	m.SessionID = r.id()
	m.Position = r.vector3()
	m.LookAt = r.vector3()
	m.RegionHandle = r.u64()
	m.Timestamp = r.u32()
	return r.err
}

// ThrottleBufferSize is the fixed length of the throttle category buffer
// (seven float32 rates).
const ThrottleBufferSize = 28

// AgentThrottle sets per-category bandwidth budgets for the circuit.
type AgentThrottle struct {
	Throttles [ThrottleBufferSize]byte
}

func (*AgentThrottle) ID() lludp.MessageID { return lludp.MsgAgentThrottle }

func (m *AgentThrottle) MarshalBody() ([]byte, error) {
	return append([]byte(nil), m.Throttles[:]...), nil
}

func (m *AgentThrottle) UnmarshalBody(b []byte) error {
	if len(b) < ThrottleBufferSize {
		return fmt.Errorf("messages: throttle body is %d bytes, want %d", len(b), ThrottleBufferSize)
	}
	copy(m.Throttles[:], b)
	return nil
}

// PacketAck is the dedicated acknowledgement message: a count byte plus
// that many sequence numbers. Consumed by the reliability engine, never
// dispatched to application handlers.
type PacketAck struct {
	Sequences []uint32
}

func (*PacketAck) ID() lludp.MessageID { return lludp.MsgPacketAck }

func (m *PacketAck) MarshalBody() ([]byte, error) {
	if len(m.Sequences) > 255 {
		return nil, fmt.Errorf("messages: %d acks exceeds wire limit 255", len(m.Sequences))
	}
	var w writer
	w.u8(byte(len(m.Sequences)))
	for _, seq := range m.Sequences {
		w.u32(seq)
	}
	return w.b, nil
}

func (m *PacketAck) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	count := int(r.u8())
	m.Sequences = make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		m.Sequences = append(m.Sequences, r.u32())
	}
	return r.err
}

// StartPingCheck is the region's keepalive probe. OldestUnacked lets the
// peer drop resend state for anything older.
type StartPingCheck struct {
	PingID        byte
	OldestUnacked uint32
}

func (*StartPingCheck) ID() lludp.MessageID { return lludp.MsgStartPingCheck }

func (m *StartPingCheck) MarshalBody() ([]byte, error) {
	var w writer
	w.u8(m.PingID)
	w.u32(m.OldestUnacked)
	return w.b, nil
}

func (m *StartPingCheck) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.PingID = r.u8()
	m.OldestUnacked = r.u32()
	return r.err
}

// CompletePingCheck answers StartPingCheck with the same ping id.
type CompletePingCheck struct {
	PingID byte
}

func (*CompletePingCheck) ID() lludp.MessageID { return lludp.MsgCompletePingCheck }

func (m *CompletePingCheck) MarshalBody() ([]byte, error) {
	return []byte{m.PingID}, nil
}

func (m *CompletePingCheck) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.PingID = r.u8()
	return r.err
}

// CloseCircuit is the courtesy goodbye sent before abandoning a circuit.
type CloseCircuit struct{}

func (*CloseCircuit) ID() lludp.MessageID          { return lludp.MsgCloseCircuit }
func (*CloseCircuit) MarshalBody() ([]byte, error) { return nil, nil }
func (*CloseCircuit) UnmarshalBody(b []byte) error { return nil }

// LogoutRequest asks the grid to end the session.
type LogoutRequest struct {
	AgentID   types.ID
	SessionID types.ID
}

func (*LogoutRequest) ID() lludp.MessageID { return lludp.MsgLogoutRequest }

func (m *LogoutRequest) MarshalBody() ([]byte, error) {
	var w writer
	w.id(m.AgentID)
	w.id(m.SessionID)
	return w.b, nil
}

func (m *LogoutRequest) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.AgentID = r.id()
	m.SessionID = r.id()
	return r.err
}

// ChatFromViewer carries agent chat to the simulator.
type ChatFromViewer struct {
	AgentID   types.ID
	SessionID types.ID
	Message   string
	Type      byte
	Channel   int32
}

func (*ChatFromViewer) ID() lludp.MessageID { return lludp.MsgChatFromViewer }

func (m *ChatFromViewer) MarshalBody() ([]byte, error) {
	var w writer
	w.id(m.AgentID)
	w.id(m.SessionID)
	w.str(m.Message)
	w.u8(m.Type)
	w.u32(uint32(m.Channel))
	return w.b, nil
}

func (m *ChatFromViewer) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.AgentID = r.id()
	m.SessionID = r.id()
	m.Message = r.str()
	m.Type = r.u8()
	m.Channel = int32(r.u32())
	return r.err
}

// ChatFromSimulator carries chat heard near the agent.
type ChatFromSimulator struct {
	FromName   string
	SourceID   types.ID
	OwnerID    types.ID
	SourceType byte
	ChatType   byte
	Audible    byte
	Position   types.Vector3
	Message    string
}

func (*ChatFromSimulator) ID() lludp.MessageID { return lludp.MsgChatFromSimulator }

func (m *ChatFromSimulator) MarshalBody() ([]byte, error) {
	var w writer
	w.str(m.FromName)
	w.id(m.SourceID)
	w.id(m.OwnerID)
	w.u8(m.SourceType)
	w.u8(m.ChatType)
	w.u8(m.Audible)
	w.vector3(m.Position)
	w.str(m.Message)
	return w.b, nil
}

func (m *ChatFromSimulator) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.FromName = r.str()
	m.SourceID = r.id()
	m.OwnerID = r.id()
	m.SourceType = r.u8()
	m.ChatType = r.u8()
	m.Audible = r.u8()
	m.Position = r.vector3()
	m.Message = r.str()
	return r.err
}

// KillObject tells the client to drop objects by local id.
type KillObject struct {
	LocalIDs []uint32
}

func (*KillObject) ID() lludp.MessageID { return lludp.MsgKillObject }

func (m *KillObject) MarshalBody() ([]byte, error) {
	if len(m.LocalIDs) > 255 {
		return nil, fmt.Errorf("messages: %d kill blocks exceeds 255", len(m.LocalIDs))
	}
	var w writer
	w.u8(byte(len(m.LocalIDs)))
	for _, id := range m.LocalIDs {
		w.u32(id)
	}
	return w.b, nil
}

func (m *KillObject) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	count := int(r.u8())
	m.LocalIDs = make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		m.LocalIDs = append(m.LocalIDs, r.u32())
	}
	return r.err
}

// ObjectUpdateCachedBlock advertises a cached object by CRC so the client
// can decide whether to request a full update.
type ObjectUpdateCachedBlock struct {
	LocalID     uint32
	CRC         uint32
	UpdateFlags uint32
}

// ObjectUpdateCached lists objects the region believes the client has
// cached.
type ObjectUpdateCached struct {
	RegionHandle uint64
	TimeDilation uint16
	Blocks       []ObjectUpdateCachedBlock
}

func (*ObjectUpdateCached) ID() lludp.MessageID { return lludp.MsgObjectUpdateCached }

func (m *ObjectUpdateCached) MarshalBody() ([]byte, error) {
	if len(m.Blocks) > 255 {
		return nil, fmt.Errorf("messages: %d cached blocks exceeds 255", len(m.Blocks))
	}
	var w writer
	w.u64(m.RegionHandle)
	w.u16(m.TimeDilation)
	w.u8(byte(len(m.Blocks)))
	for _, blk := range m.Blocks {
		w.u32(blk.LocalID)
		w.u32(blk.CRC)
		w.u32(blk.UpdateFlags)
	}
	return w.b, nil
}

func (m *ObjectUpdateCached) UnmarshalBody(b []byte) error {
	r := reader{b: b}
	m.RegionHandle = r.u64()
	m.TimeDilation = r.u16()
	count := int(r.u8())
	m.Blocks = make([]ObjectUpdateCachedBlock, 0, count)
	for i := 0; i < count; i++ {
		m.Blocks = append(m.Blocks, ObjectUpdateCachedBlock{
			LocalID:     r.u32(),
			CRC:         r.u32(),
			UpdateFlags: r.u32(),
		})
	}
	return r.err
}
