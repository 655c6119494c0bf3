// Package reliability provides at-least-once, duplicate-suppressed
// delivery bookkeeping for one circuit: outbound sequence assignment and
// resend tracking, inbound dedupe, and acknowledgement batching.
package reliability

import (
	"sync"
	"time"
)

// DefaultSeenWindow is the number of recently received sequence numbers
// remembered for duplicate suppression.
const DefaultSeenWindow = 256

// Pending is one unacknowledged reliable packet. The engine owns it from
// Track until acknowledgement or retry exhaustion.
type Pending struct {
	Sequence uint32
	Data     []byte
	SentAt   time.Time
	Retries  int
}

// Config tunes the engine. Zero values pick conservative defaults.
type Config struct {
	ResendInterval time.Duration // age before a pending packet is re-sent
	MaxRetries     int           // resends before delivery is declared failed
	SeenWindow     int           // inbound dedupe window size
	MaxBatchedAcks int           // acks piggybacked per outbound packet
}

func (c Config) withDefaults() Config {
	if c.ResendInterval <= 0 {
		c.ResendInterval = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SeenWindow <= 0 {
		c.SeenWindow = DefaultSeenWindow
	}
	if c.MaxBatchedAcks <= 0 {
		c.MaxBatchedAcks = 10
	}
	return c
}

// Engine is the per-circuit reliability state. Safe for concurrent use;
// the receive loop and the timer goroutines share it.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	seq      uint32
	pending  map[uint32]*Pending
	seen     map[uint32]struct{}
	seenRing []uint32 // eviction order for seen
	seenIdx  int
	acksOwed []uint32
}

// New builds an engine with cfg.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		pending:  make(map[uint32]*Pending),
		seen:     make(map[uint32]struct{}, cfg.SeenWindow),
		seenRing: make([]uint32, 0, cfg.SeenWindow),
	}
}

// NextSequence assigns the next outbound sequence number. Strictly in
// send order per circuit; wraps at 2^32.
func (e *Engine) NextSequence() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// Track records an outbound reliable packet awaiting acknowledgement.
// data must be the exact serialized frame so a resend can reuse it.
func (e *Engine) Track(seq uint32, data []byte, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[seq] = &Pending{Sequence: seq, Data: data, SentAt: now}
}

// Ack removes an acknowledged packet, canceling its pending resend.
// Returns whether the sequence was actually outstanding.
func (e *Engine) Ack(seq uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[seq]; !ok {
		return false
	}
	delete(e.pending, seq)
	return true
}

// ResendScan returns the packets due for retransmission at now, and the
// ones whose retry budget is exhausted. Due packets get their retry count
// bumped and their send time reset; exhausted ones are removed from the
// pending set and become the caller's delivery failures to report.
func (e *Engine) ResendScan(now time.Time) (due, failed []*Pending) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for seq, p := range e.pending {
		if now.Sub(p.SentAt) < e.cfg.ResendInterval {
			continue
		}
		if p.Retries >= e.cfg.MaxRetries {
			delete(e.pending, seq)
			failed = append(failed, p)
			continue
		}
		p.Retries++
		p.SentAt = now
		due = append(due, p)
	}
	return due, failed
}

// PendingCount reports the number of unacknowledged packets.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ObserveInbound records an inbound sequence number and reports whether
// it is a duplicate. Duplicates arrive when the far end resends a packet
// whose ack it has not seen; they must be re-acknowledged but their body
// must not reach handlers again.
func (e *Engine) ObserveInbound(seq uint32) (duplicate bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[seq]; ok {
		return true
	}
	if len(e.seenRing) < e.cfg.SeenWindow {
		e.seenRing = append(e.seenRing, seq)
	} else {
		delete(e.seen, e.seenRing[e.seenIdx])
		e.seenRing[e.seenIdx] = seq
		e.seenIdx = (e.seenIdx + 1) % e.cfg.SeenWindow
	}
	e.seen[seq] = struct{}{}
	return false
}

// QueueAck records a sequence number owed to the peer.
func (e *Engine) QueueAck(seq uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acksOwed = append(e.acksOwed, seq)
}

// TakeAcks drains up to max owed acknowledgements for piggybacking or a
// dedicated ack packet. max <= 0 drains the piggyback batch limit.
func (e *Engine) TakeAcks(max int) []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if max <= 0 {
		max = e.cfg.MaxBatchedAcks
	}
	if len(e.acksOwed) == 0 {
		return nil
	}
	n := len(e.acksOwed)
	if n > max {
		n = max
	}
	out := make([]uint32, n)
	copy(out, e.acksOwed[:n])
	e.acksOwed = e.acksOwed[n:]
	return out
}

// AcksOwed reports how many acknowledgements are waiting to be flushed.
func (e *Engine) AcksOwed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.acksOwed)
}

// Reset discards all pending packets, owed acks and dedupe state. Called
// on circuit teardown so nothing leaks past the circuit's lifetime.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = make(map[uint32]*Pending)
	e.seen = make(map[uint32]struct{}, e.cfg.SeenWindow)
	e.seenRing = e.seenRing[:0]
	e.seenIdx = 0
	e.acksOwed = nil
}
