// Package netmgr owns the set of region circuits for one agent session:
// a current circuit carrying agent traffic plus child circuits for
// neighboring regions, and the handler registry inbound packets are
// dispatched through.
package netmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"gridlink/pkg/config"
	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/circuit"
	"gridlink/pkg/lludp/messages"
	"gridlink/pkg/stats"
	"gridlink/pkg/trace"
	"gridlink/pkg/types"
)

// Handler receives every decoded, non-duplicate packet for a registered
// message id. msg is nil for ids the client does not interpret. Handlers
// must not block; long work belongs in a goroutine of their own.
type Handler func(c *circuit.Circuit, pkt *lludp.Packet, msg messages.Message)

// Registration identifies one registered handler so it can be removed,
// including from within a handler invocation.
type Registration struct {
	id lludp.MessageID
	fn Handler
}

// ErrNoCurrentCircuit reports an operation that needs an occupied region.
var ErrNoCurrentCircuit = errors.New("netmgr: no current circuit")

// Options carries the session identity and shared collaborators.
type Options struct {
	Circuit   config.CircuitConfig
	AgentID   types.ID
	SessionID types.ID
	Logger    *zap.Logger
	Stats     *stats.Stats
	Recorder  *trace.Recorder

	// OnSessionDisconnected fires when the current circuit goes away,
	// whether by explicit disconnect or transport failure.
	OnSessionDisconnected func(reason error)
}

// Manager owns all circuits of one session.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	current  *circuit.Circuit
	children map[*circuit.Circuit]struct{}
	handlers map[lludp.MessageID][]*Registration
	closed   bool
}

// New builds an empty manager. Circuits are added with Connect and
// ConnectChild.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.Named("netmgr"),
		children: make(map[*circuit.Circuit]struct{}),
		handlers: make(map[lludp.MessageID][]*Registration),
	}
}

// Connect opens the circuit for the region the agent occupies and makes
// it current. An existing current circuit is closed first.
func (m *Manager) Connect(ctx context.Context, address string, code uint32) (*circuit.Circuit, error) {
	c, err := m.dial(ctx, address, code)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	old := m.current
	m.current = c
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return c, nil
}

// ConnectChild opens a circuit to a neighboring region. Child circuits
// receive and dispatch traffic but never carry agent movement.
func (m *Manager) ConnectChild(ctx context.Context, address string, code uint32) (*circuit.Circuit, error) {
	c, err := m.dial(ctx, address, code)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.children[c] = struct{}{}
	m.mu.Unlock()
	return c, nil
}

// Promote makes an existing child circuit current, for region crossings.
// The previous current circuit becomes a child.
func (m *Manager) Promote(c *circuit.Circuit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.children[c]; !ok {
		return fmt.Errorf("netmgr: circuit %s is not a child", c.Remote())
	}
	delete(m.children, c)
	if m.current != nil {
		m.children[m.current] = struct{}{}
	}
	m.current = c
	m.log.Info("current region changed", zap.String("region", c.Remote().String()))
	return nil
}

func (m *Manager) dial(ctx context.Context, address string, code uint32) (*circuit.Circuit, error) {
	return circuit.Dial(ctx, address, code, circuit.Options{
		Config:    m.opts.Circuit,
		AgentID:   m.opts.AgentID,
		SessionID: m.opts.SessionID,
		Logger:    m.opts.Logger,
		Stats:     m.opts.Stats,
		Recorder:  m.opts.Recorder,
		OnPacket:  m.dispatch,
		OnClosed:  m.circuitClosed,
	})
}

// Current returns the circuit for the occupied region, or nil.
func (m *Manager) Current() *circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Circuits returns the current circuit plus all children.
func (m *Manager) Circuits() []*circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*circuit.Circuit, 0, len(m.children)+1)
	if m.current != nil {
		out = append(out, m.current)
	}
	for c := range m.children {
		out = append(out, c)
	}
	return out
}

// Send transmits a packet on the current circuit.
func (m *Manager) Send(p *lludp.Packet) error {
	c := m.Current()
	if c == nil {
		return ErrNoCurrentCircuit
	}
	return c.Send(p)
}

// SendMessage transmits a typed message on the current circuit.
func (m *Manager) SendMessage(msg messages.Message, reliable bool) error {
	c := m.Current()
	if c == nil {
		return ErrNoCurrentCircuit
	}
	return c.SendMessage(msg, reliable)
}

// RegisterHandler subscribes fn to a message id. The returned
// registration removes exactly this subscription.
func (m *Manager) RegisterHandler(id lludp.MessageID, fn Handler) *Registration {
	reg := &Registration{id: id, fn: fn}
	m.mu.Lock()
	defer m.mu.Unlock()
	// copy-on-write so in-flight dispatch snapshots stay valid
	cur := m.handlers[id]
	next := make([]*Registration, len(cur), len(cur)+1)
	copy(next, cur)
	m.handlers[id] = append(next, reg)
	return reg
}

// UnregisterHandler removes a previous registration. Safe to call from
// inside a handler invocation.
func (m *Manager) UnregisterHandler(reg *Registration) {
	if reg == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.handlers[reg.id]
	next := make([]*Registration, 0, len(cur))
	for _, r := range cur {
		if r != reg {
			next = append(next, r)
		}
	}
	if len(next) == 0 {
		delete(m.handlers, reg.id)
	} else {
		m.handlers[reg.id] = next
	}
}

// dispatch fans one decoded packet out to the handlers registered for
// its id. It iterates a stable snapshot: registrations added or removed
// by a handler take effect for the next packet, not this one.
func (m *Manager) dispatch(c *circuit.Circuit, pkt *lludp.Packet, msg messages.Message) {
	m.mu.Lock()
	snapshot := m.handlers[pkt.ID]
	m.mu.Unlock()
	for _, reg := range snapshot {
		reg.fn(c, pkt, msg)
	}
}

// circuitClosed is the circuit teardown callback: it removes the circuit
// from the active set and raises the session-disconnected notification
// when the occupied region is gone.
func (m *Manager) circuitClosed(c *circuit.Circuit, reason error) {
	m.mu.Lock()
	wasCurrent := m.current == c
	if wasCurrent {
		m.current = nil
	}
	delete(m.children, c)
	notify := wasCurrent && !m.closed
	m.mu.Unlock()

	if !notify {
		return
	}
	if reason != nil {
		m.log.Warn("session disconnected", zap.Error(reason))
	} else {
		m.log.Info("session disconnected")
	}
	if m.opts.OnSessionDisconnected != nil {
		m.opts.OnSessionDisconnected(reason)
	}
}

// Disconnect closes one circuit. Closing the current circuit raises the
// session-disconnected notification.
func (m *Manager) Disconnect(c *circuit.Circuit) {
	if c != nil {
		_ = c.Close()
	}
}

// Logout sends a LogoutRequest on the current circuit, then closes every
// circuit. The logout is best-effort: a dead current circuit still
// results in a full local teardown.
func (m *Manager) Logout() {
	if c := m.Current(); c != nil {
		err := c.SendMessage(&messages.LogoutRequest{
			AgentID:   m.opts.AgentID,
			SessionID: m.opts.SessionID,
		}, true)
		if err != nil {
			m.log.Warn("logout request failed", zap.Error(err))
		}
	}
	m.Shutdown()
}

// Shutdown closes every circuit without the logout courtesy. The
// session-disconnected notification is suppressed: the caller asked.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, c := range m.Circuits() {
		_ = c.Close()
	}
}
