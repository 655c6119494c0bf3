package netmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridlink/pkg/config"
	"gridlink/pkg/lludp"
	"gridlink/pkg/lludp/circuit"
	"gridlink/pkg/lludp/messages"
)

// regionSim is a scripted loopback region: it acknowledges reliable
// packets and walks connecting clients through the handshake.
type regionSim struct {
	t    *testing.T
	conn *net.UDPConn

	mu     sync.Mutex
	client *net.UDPAddr
	seq    uint32

	inbox chan messages.Message
}

func newRegionSim(t *testing.T) *regionSim {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	s := &regionSim{t: t, conn: conn, inbox: make(chan messages.Message, 128)}
	go s.run()
	t.Cleanup(func() { _ = conn.Close() })
	return s
}

func (s *regionSim) addr() string { return s.conn.LocalAddr().String() }

func (s *regionSim) run() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt, err := lludp.DecodeFrame(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		msg, err := messages.Parse(pkt)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.client = raddr
		s.mu.Unlock()

		if pkt.IsReliable() {
			s.send(&messages.PacketAck{Sequences: []uint32{pkt.Header.Sequence}}, false)
		}
		switch msg.(type) {
		case *messages.UseCircuitCode:
			s.send(&messages.RegionHandshake{SimName: "Neighbor", RegionID: uuid.New()}, true)
		case *messages.CompleteAgentMovement:
			s.send(&messages.AgentMovementComplete{RegionHandle: 7}, true)
		}

		select {
		case s.inbox <- msg:
		default:
		}
	}
}

func (s *regionSim) send(m messages.Message, reliable bool) {
	s.mu.Lock()
	client := s.client
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if client == nil {
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
	_, _ = s.conn.WriteToUDP(frame, client)
}

func (s *regionSim) expect(t *testing.T, pred func(messages.Message) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.inbox:
			if pred(m) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func testManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Circuit = config.CircuitConfig{
		ResendIntervalMS:   100,
		MaxRetries:         3,
		AckFlushMS:         50,
		MaxBatchedAcks:     10,
		SeenWindow:         256,
		HandshakeTimeoutMS: 2000,
		MaxPacketSize:      1200,
	}
	opts.Logger = zaptest.NewLogger(t)
	opts.AgentID = uuid.New()
	opts.SessionID = uuid.New()
	m := New(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectMakesCurrentAndDispatches(t *testing.T) {
	sim := newRegionSim(t)
	m := testManager(t, Options{})

	got := make(chan string, 1)
	m.RegisterHandler(lludp.MsgChatFromSimulator, func(_ *circuit.Circuit, _ *lludp.Packet, msg messages.Message) {
		got <- msg.(*messages.ChatFromSimulator).Message
	})

	c, err := m.Connect(connectCtx(t), sim.addr(), 33)
	require.NoError(t, err)
	require.Same(t, c, m.Current())
	require.True(t, c.IsActive())

	sim.send(&messages.ChatFromSimulator{FromName: "Greeter", Message: "welcome"}, false)

	select {
	case text := <-got:
		require.Equal(t, "welcome", text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSendWithoutCurrentCircuit(t *testing.T) {
	m := testManager(t, Options{})
	err := m.SendMessage(&messages.ChatFromViewer{Message: "into the void"}, false)
	require.ErrorIs(t, err, ErrNoCurrentCircuit)
}

func TestUnregisterFromWithinHandler(t *testing.T) {
	sim := newRegionSim(t)
	m := testManager(t, Options{})

	var mu sync.Mutex
	calls := 0
	var reg *Registration
	reg = m.RegisterHandler(lludp.MsgChatFromSimulator, func(*circuit.Circuit, *lludp.Packet, messages.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
		m.UnregisterHandler(reg)
	})

	_, err := m.Connect(connectCtx(t), sim.addr(), 33)
	require.NoError(t, err)

	sim.send(&messages.ChatFromSimulator{Message: "one"}, false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 20*time.Millisecond)

	sim.send(&messages.ChatFromSimulator{Message: "two"}, false)
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, calls, "handler ran after unregistering itself")
	mu.Unlock()
}

func TestRegisterFromWithinHandler(t *testing.T) {
	sim := newRegionSim(t)
	m := testManager(t, Options{})

	var mu sync.Mutex
	outer, inner := 0, 0
	m.RegisterHandler(lludp.MsgChatFromSimulator, func(*circuit.Circuit, *lludp.Packet, messages.Message) {
		mu.Lock()
		outer++
		first := outer == 1
		mu.Unlock()
		if first {
			m.RegisterHandler(lludp.MsgChatFromSimulator, func(*circuit.Circuit, *lludp.Packet, messages.Message) {
				mu.Lock()
				inner++
				mu.Unlock()
			})
		}
	})

	_, err := m.Connect(connectCtx(t), sim.addr(), 33)
	require.NoError(t, err)

	// the dispatch pass that registers the new handler does not invoke it
	sim.send(&messages.ChatFromSimulator{Message: "one"}, false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return outer == 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 0, inner, "handler ran during the dispatch pass that registered it")
	mu.Unlock()

	// the next packet reaches both
	sim.send(&messages.ChatFromSimulator{Message: "two"}, false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return outer == 2 && inner == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestChildCircuitsAndPromotion(t *testing.T) {
	simA := newRegionSim(t)
	simB := newRegionSim(t)
	m := testManager(t, Options{})

	a, err := m.Connect(connectCtx(t), simA.addr(), 1)
	require.NoError(t, err)
	b, err := m.ConnectChild(connectCtx(t), simB.addr(), 2)
	require.NoError(t, err)

	require.Same(t, a, m.Current())
	require.Len(t, m.Circuits(), 2)

	require.NoError(t, m.Promote(b))
	require.Same(t, b, m.Current())
	require.Len(t, m.Circuits(), 2, "old current must remain as child")

	require.Error(t, m.Promote(b), "promoting the current circuit is not valid")
}

func TestCurrentCircuitLossNotifies(t *testing.T) {
	sim := newRegionSim(t)

	notified := make(chan error, 1)
	m := testManager(t, Options{
		OnSessionDisconnected: func(reason error) { notified <- reason },
	})

	c, err := m.Connect(connectCtx(t), sim.addr(), 33)
	require.NoError(t, err)

	m.Disconnect(c)

	select {
	case reason := <-notified:
		require.NoError(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session-disconnected notification never fired")
	}
	require.Nil(t, m.Current())
}

func TestChildCircuitLossDoesNotNotify(t *testing.T) {
	simA := newRegionSim(t)
	simB := newRegionSim(t)

	notified := make(chan error, 1)
	m := testManager(t, Options{
		OnSessionDisconnected: func(reason error) { notified <- reason },
	})

	_, err := m.Connect(connectCtx(t), simA.addr(), 1)
	require.NoError(t, err)
	child, err := m.ConnectChild(connectCtx(t), simB.addr(), 2)
	require.NoError(t, err)

	m.Disconnect(child)

	select {
	case <-notified:
		t.Fatal("child loss must not raise session disconnected")
	case <-time.After(300 * time.Millisecond):
	}
	require.Len(t, m.Circuits(), 1)
}

func TestLogoutSendsRequestAndClosesAll(t *testing.T) {
	sim := newRegionSim(t)
	m := testManager(t, Options{})

	c, err := m.Connect(connectCtx(t), sim.addr(), 33)
	require.NoError(t, err)

	m.Logout()

	sim.expect(t, func(msg messages.Message) bool {
		_, ok := msg.(*messages.LogoutRequest)
		return ok
	})
	require.Equal(t, circuit.StateDisconnected, c.State())
	require.Empty(t, m.Circuits())
}
