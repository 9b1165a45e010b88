// Package message implements the SP datagram: a reference-counted buffer
// with independently sized and mutable header and body regions.
package message

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/scalenet/spcore/binary"
)

// Msg is one SP message, in transit between a pipe and a protocol.
// It is reference-counted: Own() claims an owned copy of borrowed bytes;
// Ref()/Free() track additional holders (eg. a queue plus an in-flight AIO).
// A Msg must not be used by more than one AIO or queue at a time unless
// a holder has taken an explicit Ref().
type Msg struct {
	header []byte // header region, own memory
	body   []byte // body region, may reference foreign memory
	bodyOwned bool // true iff body is a copy we own

	refs atomic.Int32 // 1 on allocation; Free() at 0 returns to pool

	// Value is an optional opaque slot for upper layers (eg. pipe.Context)
	// to stash per-message bookkeeping. Not touched by Reset().
	Value any

	pool *sync.Pool // originating pool, or nil
}

// NewMsg returns a fresh, empty message not bound to any pool.
func NewMsg() *Msg {
	m := new(Msg)
	m.refs.Store(1)
	return m
}

// Reset clears header, body and ref count back to a single, fresh reference.
// Value is preserved so a borrowing holder can still read it; callers that
// want a truly blank message should clear Value themselves.
func (m *Msg) Reset() *Msg {
	if cap(m.header) < 64*1024 {
		m.header = m.header[:0]
	} else {
		m.header = nil
	}
	if m.bodyOwned && cap(m.body) < 1024*1024 {
		m.body = m.body[:0]
	} else {
		m.body = nil
	}
	m.bodyOwned = false
	m.refs.Store(1)
	return m
}

// Header returns the header region bytes.
func (m *Msg) Header() []byte { return m.header }

// Body returns the body region bytes.
func (m *Msg) Body() []byte { return m.body }

// SetHeader copies src into the header region, which m always owns.
func (m *Msg) SetHeader(src []byte) {
	m.header = append(m.header[:0], src...)
}

// SetBody replaces the body region, referencing src without copying.
// Call Own() afterwards if the message must outlive src.
func (m *Msg) SetBody(src []byte) {
	m.body = src
	m.bodyOwned = false
}

// AllocBody grows the (owned) body region to n bytes, reusing the
// underlying array when possible, and returns it for the caller to fill.
func (m *Msg) AllocBody(n int) []byte {
	if cap(m.body) >= n {
		m.body = m.body[:n]
	} else {
		m.body = make([]byte, n)
	}
	m.bodyOwned = true
	return m.body
}

// Own copies the body region if it currently references foreign memory,
// making m the sole owner of its bytes.
func (m *Msg) Own() *Msg {
	if m.bodyOwned || m.body == nil {
		return m
	}
	owned := append([]byte(nil), m.body...)
	m.body = owned
	m.bodyOwned = true
	return m
}

// Len returns the body length in bytes; the 8-byte wire length prefix that
// WriteTo adds is not included.
func (m *Msg) Len() int64 {
	return int64(len(m.body))
}

// Ref adds one reference, for a transient holder (eg. a send queue entry
// also referenced by a retry timer). Pair with Free.
func (m *Msg) Ref() *Msg {
	m.refs.Add(1)
	return m
}

// Free drops one reference. When the last reference is dropped, the message
// is reset and, if it came from a pool, returned to it.
func (m *Msg) Free() {
	if m.refs.Add(-1) > 0 {
		return
	}
	pool := m.pool
	m.Reset()
	if pool != nil {
		pool.Put(m)
	}
}

// WriteTo writes the 8-byte big-endian length prefix followed by the body,
// implementing io.WriterTo for direct use by the framing layer.
func (m *Msg) WriteTo(w io.Writer) (int64, error) {
	var lenbuf [8]byte
	binary.Msb.PutUint64(lenbuf[:], uint64(len(m.body)))

	wn, err := w.Write(lenbuf[:])
	total := int64(wn)
	if err != nil {
		return total, err
	}
	if len(m.body) > 0 {
		wn, err = w.Write(m.body)
		total += int64(wn)
	}
	return total, err
}

// Pool is a thin sync.Pool wrapper returning ready-to-use *Msg values, used
// by the pipe layer to avoid allocating on every message.
type Pool struct {
	pool sync.Pool
}

// Get returns an empty message from the pool, or a freshly allocated one.
func (p *Pool) Get() *Msg {
	if v, ok := p.pool.Get().(*Msg); ok {
		v.refs.Store(1)
		return v
	}
	m := NewMsg()
	m.pool = &p.pool
	return m
}

// Put is an alias for m.Free(), kept for symmetry with Get.
func (p *Pool) Put(m *Msg) {
	if m == nil {
		return
	}
	m.pool = &p.pool
	m.Free()
}
