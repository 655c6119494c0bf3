// Package trace records circuit traffic to a CBOR stream for offline
// protocol debugging. Each datagram becomes one self-delimiting CBOR
// record, so a truncated trace file still replays up to the cut.
package trace

import (
	"io"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Direction marks which way a recorded datagram travelled.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// Record is one captured datagram.
type Record struct {
	Time      time.Time `cbor:"t"`
	Direction Direction `cbor:"d"`
	Remote    string    `cbor:"r"`
	Data      []byte    `cbor:"p"`
}

// Recorder appends records to an underlying writer. Safe for use from
// the send and receive paths concurrently. A nil Recorder discards.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	c   io.Closer
}

// New builds a recorder writing deterministic CBOR (RFC 8949 core
// profile) to w. If w is also an io.Closer, Close closes it.
func New(w io.Writer) (*Recorder, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	r := &Recorder{enc: em.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r, nil
}

// Record captures one datagram. Encoding errors are returned but leave
// the recorder usable.
func (r *Recorder) Record(dir Direction, remote string, data []byte) error {
	if r == nil {
		return nil
	}
	rec := Record{
		Time:      time.Now().UTC(),
		Direction: dir,
		Remote:    remote,
		Data:      data,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rec)
}

// Close flushes and closes the underlying writer when it is closable.
func (r *Recorder) Close() error {
	if r == nil || r.c == nil {
		return nil
	}
	return r.c.Close()
}

// ReadAll decodes every record from a trace stream. A truncated final
// record terminates the read without error.
func ReadAll(rd io.Reader) ([]Record, error) {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	dec := dm.NewDecoder(rd)
	var recs []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, nil
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
}
