// Package circuit manages one reliable LLUDP session with a region: a
// dedicated UDP socket, the handshake state machine, the receive loop,
// and the resend and ack-flush timers.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/pkg/config"
	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/messages"
	"gridlink/pkg/lludp/reliability"
	"gridlink/pkg/stats"
	"gridlink/pkg/trace"
	"gridlink/pkg/types"
)

// State is the circuit lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshakeConfirm
	StateActive
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshakeConfirm:
		return "awaiting-handshake-confirm"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotReady rejects application sends before the handshake
	// completes. Handshake traffic itself is exempt: it is what drives
	// the transition.
	ErrNotReady = errors.New("circuit: not ready")

	// ErrHandshakeFailed reports a circuit that never reached its
	// active state.
	ErrHandshakeFailed = errors.New("circuit: handshake failed")

	errClosed = errors.New("circuit: closed")
)

// Options carries the collaborators a circuit needs. Logger is
// required; Stats, Recorder and the callbacks may be nil.
type Options struct {
	Config    config.CircuitConfig
	AgentID   types.ID
	SessionID types.ID
	Logger    *zap.Logger
	Stats     *stats.Stats
	Recorder  *trace.Recorder

	// OnPacket is invoked for every decoded, non-duplicate inbound
	// packet after internal handling. msg is nil for message ids the
	// client does not interpret.
	OnPacket func(c *Circuit, pkt *lludp.Packet, msg messages.Message)

	// OnClosed is invoked exactly once when the circuit tears down,
	// with a nil reason for an orderly disconnect.
	OnClosed func(c *Circuit, reason error)

	// OnDeliveryFailure is invoked when a reliable packet exhausts its
	// retries while the circuit is active. Handshake-phase failures
	// tear the circuit down instead.
	OnDeliveryFailure func(c *Circuit, seq uint32)
}

// Circuit is one region session. All exported methods are safe for
// concurrent use.
type Circuit struct {
	remote    *net.UDPAddr
	code      uint32
	agentID   types.ID
	sessionID types.ID

	cfg    config.CircuitConfig
	log    *zap.Logger
	stats  *stats.Stats
	rec    *trace.Recorder
	engine *reliability.Engine
	opts   Options

	conn *net.UDPConn

	mu     sync.Mutex
	state  State
	reason error

	ready  chan struct{} // closed when the handshake confirms
	closed chan struct{} // closed when teardown begins

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a circuit to address with the login-issued circuit code and
// blocks until the handshake confirms, the configured handshake timeout
// elapses, or ctx is done. On failure the circuit is fully torn down.
func Dial(ctx context.Context, address string, code uint32, opts Options) (*Circuit, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("circuit: resolve %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("circuit: dial %s: %w", address, err)
	}

	c := &Circuit{
		remote:    raddr,
		code:      code,
		agentID:   opts.AgentID,
		sessionID: opts.SessionID,
		cfg:       opts.Config,
		log:       opts.Logger.With(zap.String("region", raddr.String())),
		stats:     opts.Stats,
		rec:       opts.Recorder,
		opts:      opts,
		conn:      conn,
		state:     StateConnecting,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
	c.engine = reliability.New(reliability.Config{
		ResendInterval: opts.Config.ResendInterval(),
		MaxRetries:     opts.Config.MaxRetries,
		SeenWindow:     opts.Config.SeenWindow,
		MaxBatchedAcks: opts.Config.MaxBatchedAcks,
	})
	c.stats.CircuitOpened()

	c.wg.Add(2)
	go c.recvLoop()
	go c.timerLoop()

	c.log.Info("opening circuit", zap.Uint32("code", code))
	// Transition before the write: the region's reply races the state
	// change otherwise.
	c.setState(StateConnecting, StateAwaitingHandshakeConfirm)
	open := messages.UseCircuitCode{Code: code, SessionID: c.sessionID, AgentID: c.agentID}
	if err := c.sendMessage(&open, true); err != nil {
		c.teardown(err)
		return nil, err
	}

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return nil, ctx.Err()
	case <-time.After(c.cfg.HandshakeTimeout()):
		err := fmt.Errorf("%w: no confirmation within %v", ErrHandshakeFailed, c.cfg.HandshakeTimeout())
		c.teardown(err)
		return nil, err
	case <-c.closed:
		return nil, c.closeReason()
	}
}

// Remote returns the region endpoint.
func (c *Circuit) Remote() *net.UDPAddr { return c.remote }

// Code returns the circuit code the session was opened with.
func (c *Circuit) Code() uint32 { return c.code }

// State returns the current lifecycle phase.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether the handshake has confirmed and the circuit
// accepts application traffic.
func (c *Circuit) IsActive() bool { return c.State() == StateActive }

// PendingCount reports unacknowledged reliable packets, for health
// inspection.
func (c *Circuit) PendingCount() int { return c.engine.PendingCount() }

// Send transmits an application packet. Before the circuit is active it
// fails with ErrNotReady rather than queueing.
func (c *Circuit) Send(p *lludp.Packet) error {
	if !c.IsActive() {
		return fmt.Errorf("%w: state %s", ErrNotReady, c.State())
	}
	return c.transmit(p)
}

// SendMessage builds and transmits a typed message. reliable requests
// acknowledged delivery.
func (c *Circuit) SendMessage(m messages.Message, reliable bool) error {
	if !c.IsActive() {
		return fmt.Errorf("%w: state %s", ErrNotReady, c.State())
	}
	return c.sendMessage(m, reliable)
}

// Close tears the circuit down: a best-effort CloseCircuit goodbye, then
// timers, socket and reliability state go together. Safe to call more
// than once.
func (c *Circuit) Close() error {
	c.sayGoodbye()
	c.teardown(nil)
	return nil
}

func (c *Circuit) sayGoodbye() {
	c.mu.Lock()
	disconnecting := c.state == StateDisconnecting || c.state == StateDisconnected
	c.mu.Unlock()
	if disconnecting {
		return
	}
	// Unreliable: the peer is being abandoned either way.
	_ = c.sendMessage(&messages.CloseCircuit{}, false)
}

// sendMessage is the internal send used by both the public API and the
// handshake driver, which must transmit before the circuit is active.
func (c *Circuit) sendMessage(m messages.Message, reliable bool) error {
	p, err := messages.Build(m)
	if err != nil {
		return err
	}
	if reliable {
		p.Reliable()
	}
	return c.transmit(p)
}

// transmit assigns the next sequence number, piggybacks owed acks,
// encodes and writes one datagram, and tracks it when reliable.
func (c *Circuit) transmit(p *lludp.Packet) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}

	p.Header.Sequence = c.engine.NextSequence()
	acks := c.engine.TakeAcks(c.cfg.MaxBatchedAcks)
	p.Acks = acks

	frame, err := p.EncodeFrame(c.cfg.MaxPacketSize)
	if err != nil {
		// Nothing went on the wire: put the drained acks back so the
		// next transmit or flush carries them instead of losing them.
		for _, seq := range acks {
			c.engine.QueueAck(seq)
		}
		return err
	}
	if p.IsReliable() {
		c.engine.Track(p.Header.Sequence, frame, time.Now())
	}
	if err := c.write(frame); err != nil {
		return err
	}
	c.stats.AcksSent(len(acks))
	return nil
}

// write puts one encoded frame on the socket. A socket-level write
// failure is fatal to the circuit: the connected UDP socket is gone and
// nothing sent afterwards can arrive, so the circuit is torn down unless
// the error is just the teardown racing us.
func (c *Circuit) write(frame []byte) error {
	if _, err := c.conn.Write(frame); err != nil {
		err = fmt.Errorf("circuit: send: %w", err)
		select {
		case <-c.closed:
		default:
			c.teardown(err)
		}
		return err
	}
	c.stats.PacketOut(len(frame))
	if err := c.rec.Record(trace.DirOut, c.remote.String(), frame); err != nil {
		c.log.Warn("trace record failed", zap.Error(err))
	}
	return nil
}

func (c *Circuit) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.teardown(fmt.Errorf("circuit: recv: %w", err))
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.stats.PacketIn(n)
		if err := c.rec.Record(trace.DirIn, c.remote.String(), data); err != nil {
			c.log.Warn("trace record failed", zap.Error(err))
		}
		c.handleDatagram(data)
	}
}

func (c *Circuit) handleDatagram(data []byte) {
	pkt, err := lludp.DecodeFrame(data)
	if err != nil {
		// Unknown ids and malformed framing drop the datagram only.
		// An unknown id still comes back framed: its appended acks and
		// its own sequence feed the reliability engine before the body
		// is discarded, or the peer resends forever.
		c.stats.DecodeError()
		if errors.Is(err, lludp.ErrUnknownMessage) && pkt != nil {
			c.log.Debug("unrecognized message", zap.Error(err))
			c.bookkeep(pkt)
		} else {
			c.log.Warn("malformed datagram", zap.Error(err))
		}
		return
	}

	if c.bookkeep(pkt) {
		return
	}

	msg, err := messages.Parse(pkt)
	if err != nil {
		c.stats.DecodeError()
		c.log.Warn("undecodable body", zap.Stringer("id", pkt.ID), zap.Error(err))
		return
	}

	if done := c.handleInternal(pkt, msg); done {
		return
	}

	c.dispatch(pkt, msg)
}

// bookkeep runs the reliability accounting every framable datagram gets,
// interpreted or not: appended acks cancel our pending resends, a
// reliable sequence owes the peer an ack, and the dedupe window decides
// whether the body may proceed. Reports true for a duplicate.
func (c *Circuit) bookkeep(pkt *lludp.Packet) (duplicate bool) {
	if len(pkt.Acks) > 0 {
		for _, seq := range pkt.Acks {
			c.engine.Ack(seq)
		}
		c.stats.AcksReceived(len(pkt.Acks))
	}
	if pkt.IsReliable() {
		c.engine.QueueAck(pkt.Header.Sequence)
	}
	if c.engine.ObserveInbound(pkt.Header.Sequence) {
		c.stats.DuplicateIn()
		c.log.Debug("duplicate dropped", zap.Uint32("seq", pkt.Header.Sequence))
		return true
	}
	return false
}

func (c *Circuit) dispatch(pkt *lludp.Packet, msg messages.Message) {
	select {
	case <-c.closed:
		return
	default:
	}
	if c.opts.OnPacket != nil {
		c.opts.OnPacket(c, pkt, msg)
	}
}

// handleInternal services the protocol machinery: handshake progression,
// dedicated acks and ping keepalive. It reports true when the packet is
// fully consumed and must not reach application handlers.
func (c *Circuit) handleInternal(pkt *lludp.Packet, msg messages.Message) bool {
	switch m := msg.(type) {
	case *messages.PacketAck:
		for _, seq := range m.Sequences {
			c.engine.Ack(seq)
		}
		c.stats.AcksReceived(len(m.Sequences))
		return true

	case *messages.StartPingCheck:
		// Keepalive: answer with the same ping id.
		_ = c.transmitPing(m.PingID)
		return false

	case *messages.RegionHandshake:
		if c.setState(StateAwaitingHandshakeConfirm, StateAwaitingHandshakeConfirm) {
			c.log.Info("region handshake",
				zap.String("sim", m.SimName),
				zap.String("region_id", m.RegionID.String()))
			c.confirmHandshake()
		}
		return false

	case *messages.AgentMovementComplete:
		if c.setState(StateAwaitingHandshakeConfirm, StateActive) {
			c.log.Info("circuit active",
				zap.Uint64("region_handle", m.RegionHandle))
			_ = c.sendMessage(defaultThrottle(), true)
			close(c.ready)
		}
		return false
	}
	return false
}

func (c *Circuit) transmitPing(id byte) error {
	return c.sendMessage(&messages.CompletePingCheck{PingID: id}, false)
}

// confirmHandshake answers RegionHandshake and asks the region to place
// the agent; AgentMovementComplete then activates the circuit.
func (c *Circuit) confirmHandshake() {
	reply := messages.RegionHandshakeReply{AgentID: c.agentID, SessionID: c.sessionID}
	if err := c.sendMessage(&reply, true); err != nil {
		c.log.Warn("handshake reply failed", zap.Error(err))
		return
	}
	move := messages.CompleteAgentMovement{
		AgentID:     c.agentID,
		SessionID:   c.sessionID,
		CircuitCode: c.code,
	}
	if err := c.sendMessage(&move, true); err != nil {
		c.log.Warn("complete agent movement failed", zap.Error(err))
	}
}

func (c *Circuit) timerLoop() {
	defer c.wg.Done()
	resend := time.NewTicker(c.cfg.ResendInterval())
	flush := time.NewTicker(c.cfg.AckFlush())
	defer resend.Stop()
	defer flush.Stop()

	for {
		select {
		case <-c.closed:
			return
		case now := <-resend.C:
			c.resendScan(now)
		case <-flush.C:
			c.flushAcks()
		}
	}
}

func (c *Circuit) resendScan(now time.Time) {
	due, failed := c.engine.ResendScan(now)
	for _, p := range due {
		// The first frame byte is the uncompressed flag byte; mark the
		// retransmission in place.
		p.Data[0] |= byte(lludp.FlagResent)
		if err := c.write(p.Data); err != nil {
			c.log.Warn("resend failed", zap.Uint32("seq", p.Sequence), zap.Error(err))
			continue
		}
		c.stats.Resend()
		c.log.Debug("resent", zap.Uint32("seq", p.Sequence), zap.Int("retry", p.Retries))
	}
	for _, p := range failed {
		c.stats.DeliveryFailure()
		c.log.Warn("delivery failed", zap.Uint32("seq", p.Sequence), zap.Int("retries", p.Retries))
		if !c.IsActive() {
			// A handshake packet the region never acknowledged: the
			// circuit will not come up.
			c.teardown(fmt.Errorf("%w: open packet seq %d unacknowledged after %d retries",
				ErrHandshakeFailed, p.Sequence, p.Retries))
			return
		}
		if c.opts.OnDeliveryFailure != nil {
			c.opts.OnDeliveryFailure(c, p.Sequence)
		}
	}
}

// flushAcks sends a dedicated PacketAck when acks are owed but no
// outbound traffic has carried them.
func (c *Circuit) flushAcks() {
	if c.engine.AcksOwed() == 0 {
		return
	}
	seqs := c.engine.TakeAcks(255)
	if len(seqs) == 0 {
		return
	}
	ack := messages.PacketAck{Sequences: seqs}
	p, err := messages.Build(&ack)
	if err != nil {
		c.log.Warn("ack build failed", zap.Error(err))
		return
	}
	p.Header.Sequence = c.engine.NextSequence()
	frame, err := p.EncodeFrame(c.cfg.MaxPacketSize)
	if err != nil {
		c.log.Warn("ack encode failed", zap.Error(err))
		return
	}
	if err := c.write(frame); err != nil {
		c.log.Warn("ack flush failed", zap.Error(err))
		return
	}
	c.stats.AcksSent(len(seqs))
}

// setState performs a compare-and-swap on the lifecycle phase.
func (c *Circuit) setState(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Circuit) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != nil {
		return c.reason
	}
	return errClosed
}

// teardown cancels the receive loop and timers, closes the socket and
// discards reliability state as one atomic operation. The pending set is
// discarded, not flushed: the peer is being abandoned.
func (c *Circuit) teardown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnecting
		c.reason = reason
		c.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()
		c.engine.Reset()

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		c.stats.CircuitClosed()
		if reason != nil {
			c.log.Info("circuit closed", zap.Error(reason))
		} else {
			c.log.Info("circuit closed")
		}
		if c.opts.OnClosed != nil {
			c.opts.OnClosed(c, reason)
		}
	})
}

// Wait blocks until the receive loop and timers have exited. Intended
// for tests and orderly shutdown.
func (c *Circuit) Wait() { c.wg.Wait() }
