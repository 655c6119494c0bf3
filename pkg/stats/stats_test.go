package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	s := New(prometheus.NewRegistry())

	s.PacketIn(100)
	s.PacketIn(50)
	s.PacketOut(30)
	s.Resend()
	s.DuplicateIn()
	s.AcksSent(3)
	s.CircuitOpened()
	s.CircuitOpened()
	s.CircuitClosed()

	if got := testutil.ToFloat64(s.packetsIn); got != 2 {
		t.Fatalf("packets in = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.bytesIn); got != 150 {
		t.Fatalf("bytes in = %v, want 150", got)
	}
	if got := testutil.ToFloat64(s.acksSent); got != 3 {
		t.Fatalf("acks sent = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.activeCircuits); got != 1 {
		t.Fatalf("active circuits = %v, want 1", got)
	}
}

func TestNilStatsIsSafe(t *testing.T) {
	var s *Stats
	s.PacketIn(1)
	s.PacketOut(1)
	s.Resend()
	s.DeliveryFailure()
	s.DuplicateIn()
	s.AcksSent(1)
	s.AcksReceived(1)
	s.DecodeError()
	s.CircuitOpened()
	s.CircuitClosed()
	s.PingRTT(0.1)
}
