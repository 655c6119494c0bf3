package circuit

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridlink/pkg/config"
	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/messages"
	"gridlink/pkg/lludp/reliability"
)

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		ResendIntervalMS:   100,
		MaxRetries:         3,
		AckFlushMS:         50,
		MaxBatchedAcks:     10,
		SeenWindow:         256,
		HandshakeTimeoutMS: 2000,
		MaxPacketSize:      1200,
	}
}

type simEvent struct {
	pkt *lludp.Packet
	msg messages.Message
}

// fakeSim is a loopback region endpoint: it decodes client datagrams,
// acknowledges reliable ones, and when scripted walks the client through
// the handshake.
type fakeSim struct {
	t    *testing.T
	conn *net.UDPConn

	mu     sync.Mutex
	client *net.UDPAddr
	seq    uint32

	script bool
	// noAck suppresses the automatic acknowledgement for matching
	// packets, to force the client into a resend.
	noAck func(*lludp.Packet, messages.Message) bool

	inbox  chan simEvent
	closed chan struct{}
}

func newFakeSim(t *testing.T, script bool) *fakeSim {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	s := &fakeSim{
		t:      t,
		conn:   conn,
		script: script,
		inbox:  make(chan simEvent, 128),
		closed: make(chan struct{}),
	}
	go s.run()
	t.Cleanup(s.stop)
	return s
}

func (s *fakeSim) addr() string { return s.conn.LocalAddr().String() }

func (s *fakeSim) stop() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
		_ = s.conn.Close()
	}
}

func (s *fakeSim) run() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.Lock()
		s.client = raddr
		s.mu.Unlock()

		pkt, err := lludp.DecodeFrame(data)
		if err != nil {
			continue
		}
		msg, err := messages.Parse(pkt)
		if err != nil {
			continue
		}

		if pkt.IsReliable() && (s.noAck == nil || !s.noAck(pkt, msg)) {
			s.send(&messages.PacketAck{Sequences: []uint32{pkt.Header.Sequence}}, false)
		}
		if s.script {
			switch msg.(type) {
			case *messages.UseCircuitCode:
				s.send(&messages.RegionHandshake{SimName: "Testville", RegionID: uuid.New()}, true)
			case *messages.CompleteAgentMovement:
				s.send(&messages.AgentMovementComplete{RegionHandle: 42, Timestamp: 1}, true)
			}
		}

		select {
		case s.inbox <- simEvent{pkt: pkt, msg: msg}:
		case <-s.closed:
			return
		}
	}
}

func (s *fakeSim) send(m messages.Message, reliable bool) {
	s.mu.Lock()
	client := s.client
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if client == nil {
		s.t.Error("fake sim has no client yet")
		return
	}
	p, err := messages.Build(m)
	require.NoError(s.t, err)
	if reliable {
		p.Reliable()
	}
	p.Header.Sequence = seq
	frame, err := p.EncodeFrame(lludp.DefaultMaxPacketSize)
	require.NoError(s.t, err)
	_, err = s.conn.WriteToUDP(frame, client)
	require.NoError(s.t, err)
}

// waitFor drains the sim inbox until pred matches or the deadline hits.
func (s *fakeSim) waitFor(t *testing.T, d time.Duration, pred func(simEvent) bool) simEvent {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-s.inbox:
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for packet")
			return simEvent{}
		}
	}
}

func dialTest(t *testing.T, sim *fakeSim, opts Options) (*Circuit, error) {
	t.Helper()
	if opts.Config == (config.CircuitConfig{}) {
		opts.Config = testCircuitConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.AgentID == uuid.Nil {
		opts.AgentID = uuid.New()
	}
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, sim.addr(), 7001, opts)
}

func TestDialCompletesHandshake(t *testing.T) {
	sim := newFakeSim(t, true)

	c, err := dialTest(t, sim, Options{})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, StateActive, c.State())
	require.True(t, c.IsActive())
	require.Equal(t, uint32(7001), c.Code())

	// the full handshake and the post-activation throttle must have
	// reached the region
	sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.RegionHandshakeReply)
		return ok
	})
	sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.AgentThrottle)
		return ok
	})
}

func TestDialTimesOutAgainstSilentRegion(t *testing.T) {
	sim := newFakeSim(t, false)

	cfg := testCircuitConfig()
	cfg.HandshakeTimeoutMS = 300
	_, err := dialTest(t, sim, Options{Config: cfg})
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeFailsWhenOpenPacketExhaustsRetries(t *testing.T) {
	sim := newFakeSim(t, false)
	sim.noAck = func(*lludp.Packet, messages.Message) bool { return true }

	var closedErr error
	done := make(chan struct{})
	cfg := testCircuitConfig()
	cfg.ResendIntervalMS = 50
	cfg.MaxRetries = 2
	_, err := dialTest(t, sim, Options{
		Config: cfg,
		OnClosed: func(_ *Circuit, reason error) {
			closedErr = reason
			close(done)
		},
	})
	require.ErrorIs(t, err, ErrHandshakeFailed)

	select {
	case <-done:
		require.ErrorIs(t, closedErr, ErrHandshakeFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}

	// the open packet went out resent before giving up
	sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.UseCircuitCode)
		return ok && ev.pkt.Header.Flags.Has(lludp.FlagResent)
	})
}

func TestSendRejectedAfterClose(t *testing.T) {
	sim := newFakeSim(t, true)

	c, err := dialTest(t, sim, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, StateDisconnected, c.State())

	err = c.SendMessage(&messages.ChatFromViewer{Message: "too late"}, true)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestCloseSendsCourtesyGoodbye(t *testing.T) {
	sim := newFakeSim(t, true)

	c, err := dialTest(t, sim, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.CloseCircuit)
		return ok
	})
}

func TestPingKeepalive(t *testing.T) {
	sim := newFakeSim(t, true)

	c, err := dialTest(t, sim, Options{})
	require.NoError(t, err)
	defer c.Close()

	sim.send(&messages.StartPingCheck{PingID: 9, OldestUnacked: 0}, false)

	ev := sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.CompletePingCheck)
		return ok
	})
	require.Equal(t, byte(9), ev.msg.(*messages.CompletePingCheck).PingID)
}

func TestReliableSendIsResentUntilAcked(t *testing.T) {
	sim := newFakeSim(t, true)

	var mu sync.Mutex
	dropped := false
	sim.noAck = func(_ *lludp.Packet, msg messages.Message) bool {
		if _, ok := msg.(*messages.ChatFromViewer); !ok {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if !dropped {
			dropped = true
			return true
		}
		return false
	}

	c, err := dialTest(t, sim, Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendMessage(&messages.ChatFromViewer{Message: "hi"}, true))

	first := sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.ChatFromViewer)
		return ok
	})
	require.False(t, first.pkt.Header.Flags.Has(lludp.FlagResent))

	second := sim.waitFor(t, 2*time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.ChatFromViewer)
		return ok && ev.pkt.Header.Flags.Has(lludp.FlagResent)
	})
	require.Equal(t, first.pkt.Header.Sequence, second.pkt.Header.Sequence)

	require.Eventually(t, func() bool { return c.PendingCount() == 0 },
		2*time.Second, 20*time.Millisecond, "pending never drained after ack")
}

func TestInboundDuplicateDispatchedOnceButReacked(t *testing.T) {
	sim := newFakeSim(t, true)

	var mu sync.Mutex
	var chats []string
	c, err := dialTest(t, sim, Options{
		OnPacket: func(_ *Circuit, _ *lludp.Packet, msg messages.Message) {
			if chat, ok := msg.(*messages.ChatFromSimulator); ok {
				mu.Lock()
				chats = append(chats, chat.Message)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	defer c.Close()

	chat := &messages.ChatFromSimulator{FromName: "Object", Message: "once"}
	p, err := messages.Build(chat)
	require.NoError(t, err)
	p.Reliable()
	sim.mu.Lock()
	sim.seq++
	p.Header.Sequence = sim.seq
	seq := sim.seq
	client := sim.client
	sim.mu.Unlock()
	frame, err := p.EncodeFrame(lludp.DefaultMaxPacketSize)
	require.NoError(t, err)

	// deliver the identical reliable datagram twice
	_, err = sim.conn.WriteToUDP(frame, client)
	require.NoError(t, err)
	_, err = sim.conn.WriteToUDP(frame, client)
	require.NoError(t, err)

	// the first copy reaches the handler, the duplicate does not
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chats) == 1 && chats[0] == "once"
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	require.Len(t, chats, 1, "duplicate reached handler")
	mu.Unlock()

	// both copies still get acknowledged, piggybacked or dedicated
	sim.waitFor(t, 2*time.Second, func(ev simEvent) bool {
		for _, s := range ev.pkt.Acks {
			if s == seq {
				return true
			}
		}
		if ack, ok := ev.msg.(*messages.PacketAck); ok {
			for _, s := range ack.Sequences {
				if s == seq {
					return true
				}
			}
		}
		return false
	})
}

func TestUnknownInboundStillFeedsReliability(t *testing.T) {
	sim := newFakeSim(t, true)
	sim.noAck = func(_ *lludp.Packet, msg messages.Message) bool {
		_, ok := msg.(*messages.ChatFromViewer)
		return ok
	}

	// resends parked out of the way so only an inbound ack can drain the
	// pending set
	cfg := testCircuitConfig()
	cfg.ResendIntervalMS = 10000
	c, err := dialTest(t, sim, Options{Config: cfg})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendMessage(&messages.ChatFromViewer{Message: "hi"}, true))
	chat := sim.waitFor(t, time.Second, func(ev simEvent) bool {
		_, ok := ev.msg.(*messages.ChatFromViewer)
		return ok
	})
	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		2*time.Second, 20*time.Millisecond, "handshake-era acks never settled")

	// a reliable frame with an id outside our table, carrying the ack for
	// the chat in its trailer
	sim.mu.Lock()
	sim.seq++
	unkSeq := sim.seq
	client := sim.client
	sim.mu.Unlock()
	h := lludp.Header{Flags: lludp.FlagReliable | lludp.FlagAcks, Sequence: unkSeq}
	frame, err := h.MarshalBinary()
	require.NoError(t, err)
	frame = append(frame, 0x6F, 0x01, 0x02) // unrecognized high id, opaque body
	frame = binary.LittleEndian.AppendUint32(frame, chat.pkt.Header.Sequence)
	frame = append(frame, 0x01)
	_, err = sim.conn.WriteToUDP(frame, client)
	require.NoError(t, err)

	// the trailer ack cancels the pending resend even though the body was
	// undeliverable
	require.Eventually(t, func() bool { return c.PendingCount() == 0 },
		2*time.Second, 20*time.Millisecond, "ack on unrecognized packet never reached the engine")

	// and the unrecognized packet's own reliable sequence gets acked back
	sim.waitFor(t, 2*time.Second, func(ev simEvent) bool {
		for _, s := range ev.pkt.Acks {
			if s == unkSeq {
				return true
			}
		}
		if ack, ok := ev.msg.(*messages.PacketAck); ok {
			for _, s := range ack.Sequences {
				if s == unkSeq {
					return true
				}
			}
		}
		return false
	})
}

// newBenchCircuit wires a circuit around a live socket without starting
// the receive or timer loops, for exercising the send path in isolation.
func newBenchCircuit(t *testing.T, opts Options) *Circuit {
	t.Helper()
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	conn, err := net.DialUDP("udp", nil, sink.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	cfg := testCircuitConfig()
	c := &Circuit{
		remote: conn.RemoteAddr().(*net.UDPAddr),
		code:   7001,
		cfg:    cfg,
		log:    zaptest.NewLogger(t),
		opts:   opts,
		conn:   conn,
		state:  StateActive,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.engine = reliability.New(reliability.Config{
		ResendInterval: cfg.ResendInterval(),
		MaxRetries:     cfg.MaxRetries,
		SeenWindow:     cfg.SeenWindow,
		MaxBatchedAcks: cfg.MaxBatchedAcks,
	})
	return c
}

func TestSocketWriteFailureTearsDownCircuit(t *testing.T) {
	var (
		mu     sync.Mutex
		reason error
		fired  bool
	)
	c := newBenchCircuit(t, Options{
		OnClosed: func(_ *Circuit, r error) {
			mu.Lock()
			reason = r
			fired = true
			mu.Unlock()
		},
	})

	// the socket dies underneath the circuit
	require.NoError(t, c.conn.Close())

	err := c.SendMessage(&messages.ChatFromViewer{Message: "doomed"}, false)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, fired, "OnClosed never fired for a dead socket")
	require.Error(t, reason)
	require.Equal(t, StateDisconnected, c.State())
}

func TestOversizeSendRequeuesOwedAcks(t *testing.T) {
	c := newBenchCircuit(t, Options{})
	defer c.teardown(nil)

	c.engine.QueueAck(7)
	big := &messages.ChatFromViewer{Message: strings.Repeat("a", 2000)}
	require.Error(t, c.SendMessage(big, false))

	// the drained ack went back on the queue instead of vanishing
	require.Equal(t, 1, c.engine.AcksOwed())
	require.Equal(t, []uint32{7}, c.engine.TakeAcks(10))
}
