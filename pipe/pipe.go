// Package pipe implements the pipe/endpoint lifecycle: dialers
// and listeners produce pipes, pipes negotiate the SP wire protocol and
// carry framed messages, and reap-deferred destruction breaks the
// pipe/endpoint cyclic ownership once a pipe's last reference drops.
package pipe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/reap"
	"github.com/scalenet/spcore/spframe"
	"github.com/scalenet/spcore/stream"
)

// Event names posted to a Socket's handlers.
const (
	EventRemPost = "spcore/pipe.REM_POST" // after transport close, before id-map removal
	EventAdd     = "spcore/pipe.ADD"      // pipe joined the socket's active set
)

// Protocol is the socket-layer hook a pipe drives through its lifecycle.
// The concrete SP protocol (REQ/REP/PUB/SUB/...) is out of scope for this
// package; it only needs to satisfy this contract.
type Protocol interface {
	PipeInit(p *Pipe) error
	PipeClose(p *Pipe)
	PipeStop(p *Pipe)
}

// Stats are the lifetime counters kept per pipe.
type Stats struct {
	MsgsSent   atomic.Int64
	MsgsRecv   atomic.Int64
	BytesSent  atomic.Int64
	BytesRecv  atomic.Int64
	Reject     atomic.Int64 // not incremented by this package; rejections are counted on Socket.Rejects
}

// Pipe is one peer connection. Protocol and transport data are
// carried in KV/Stream rather than an embedded struct, since this
// package does not specify either.
type Pipe struct {
	*zerolog.Logger

	ID uint32 // random, non-zero, unique within this process

	socket   *Socket
	dialer   *Dialer   // set iff this pipe came from a dialer
	listener *Listener // set iff this pipe came from a listener

	proto uint16 // our protocol id, as offered during negotiation

	// PeerProto is the protocol id the remote side offered during
	// negotiation (spframe.Negotiate's peer return value). Protocol.PipeInit
	// reads this to decide whether the pairing is acceptable (eg. REQ only
	// pairs with REP) before the pipe joins the socket's active set.
	PeerProto uint16

	Stream *spframe.Stream // framed, negotiated message stream

	// KV is the protocol layer's scratch space: concurrent-safe without a
	// pipe-wide lock, so a protocol callback never contends with Send/Recv.
	KV *xsync.MapOf[string, any]

	Stats Stats

	rc *reap.Refcount

	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newPipe(sock *Socket, raw stream.Stream, proto uint16) *Pipe {
	ctx, cancel := context.WithCancelCause(context.Background())
	p := &Pipe{
		socket: sock,
		proto:  proto,
		ctx:    ctx,
		cancel: cancel,
		KV:     xsync.NewMapOf[string, any](),
	}
	nop := zerolog.Nop()
	p.Logger = &nop
	p.ID = globalIDs.alloc(p)
	p.rc = reap.NewRefcount(sock.reap, 2, p.destroy) // one for caller, one for self-hold
	return p
}

// Context is cancelled once the pipe is closing.
func (p *Pipe) Context() context.Context { return p.ctx }

// Closed reports whether Close has been called (idempotent check).
func (p *Pipe) Closed() bool { return p.closed.Load() }

// Ref adds a transient reference, eg. held by an in-flight callback.
func (p *Pipe) Ref() { p.rc.Hold() }

// Unref drops a transient reference taken with Ref.
func (p *Pipe) Unref() { p.rc.Release() }

// Close is idempotent: only the first caller actually submits the pipe for
// reap-driven destruction via an atomic swap of a closed flag.
func (p *Pipe) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel(errs.New(errs.Closed, "pipe.Close"))
	p.socket.reapWG.Add(1)
	if !p.socket.reap.Submit(func() {
		defer p.socket.reapWG.Done()
		p.reapClose()
	}) {
		// Pool already stopped: nothing would ever run the job, so run the
		// close sequence inline instead of leaving it undone.
		defer p.socket.reapWG.Done()
		p.reapClose()
	}
}

// reapClose runs the full close sequence on a reap worker so it
// never executes on a caller's or a protocol callback's own goroutine.
func (p *Pipe) reapClose() {
	proto := p.socket.protocol
	if proto != nil {
		proto.PipeClose(p)
	}
	if p.Stream != nil {
		p.Stream.Close()
	}
	p.socket.fireEvent(EventRemPost, p)
	globalIDs.remove(p.ID)
	if proto != nil {
		proto.PipeStop(p)
	}
	if p.Stream != nil {
		p.Stream.Stop()
	}
	p.socket.removePipe(p)
	p.rc.Release() // drop the self-hold taken at construction
}

// destroy is the reap.Refcount release callback: it runs once, after every
// holder (including the self-hold) has released, outside any lock.
func (p *Pipe) destroy() {
	if p.Logger != nil {
		p.Trace().Uint32("pipe", p.ID).Msg("pipe destroyed")
	}
}

// Send queues one outbound message.
func (p *Pipe) Send(m *message.Msg) error {
	done := make(chan struct{})
	var result error
	a := newHelperAIO(func() { close(done) })
	a.SetMsg(m)
	p.Stream.Send(a)
	<-done
	result, n := a.Result()
	if result == nil {
		p.Stats.MsgsSent.Add(1)
		p.Stats.BytesSent.Add(int64(n))
	}
	return result
}

// Recv blocks for one inbound message, honoring ctx for cancellation.
func (p *Pipe) Recv(ctx context.Context) (*message.Msg, error) {
	done := make(chan struct{})
	a := newHelperAIO(func() { close(done) })
	p.Stream.Recv(a)

	select {
	case <-done:
	case <-ctx.Done():
		a.Abort(errs.New(errs.Canceled, "pipe.Recv"))
		<-done
	}

	result, n := a.Result()
	if result != nil {
		return nil, result
	}
	m, _ := a.Msg().(*message.Msg)
	p.Stats.MsgsRecv.Add(1)
	p.Stats.BytesRecv.Add(int64(n))
	return m, nil
}

// negotiationDeadline is the fixed budget allowed for SP negotiation.
const negotiationDeadline = 10 * time.Second

// negotiate drives SP negotiation over raw and, on success, wraps it in
// spframe for message-phase framing. It is called by the endpoint with
// raw straight off dial/accept, before the pipe is handed to the socket.
func negotiate(raw stream.Stream, proto uint16, recvmax uint64) (*spframe.Stream, uint16, error) {
	peer, err := spframe.Negotiate(raw, proto)
	if err != nil {
		return nil, 0, err
	}
	return spframe.New(raw, recvmax), peer, nil
}
