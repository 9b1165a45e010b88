package spframe

import (
	"sync"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/binary"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/stream"
)

// Stream wraps an already-negotiated byte stream and speaks the
// length-prefixed message framing. It implements stream.Stream
// itself, so SP framing composes under TLS or WebSocket the same way a
// plain TCP stream does.
type Stream struct {
	under   stream.Stream
	recvmax uint64 // 0 disables the limit

	sendQ *fifo
	recvQ *fifo

	stopOnce sync.Once
	stopped  chan struct{}
}

// New wraps under, which must already be past SP negotiation. recvmax of 0
// disables the oversize check.
func New(under stream.Stream, recvmax uint64) *Stream {
	s := &Stream{
		under:   under,
		recvmax: recvmax,
		sendQ:   newFifo(),
		recvQ:   newFifo(),
		stopped: make(chan struct{}),
	}
	go s.sendLoop()
	go s.recvLoop()
	return s
}

// Send expects a.Msg() to be a *message.Msg; it finishes with the total
// wire byte count once fully written, or an error.
func (s *Stream) Send(a *aio.AIO) {
	started := a.Start(func(ua *aio.AIO, rv error) {
		if s.sendQ.remove(ua) {
			ua.Finish(rv, 0)
		}
		// else: already popped by sendLoop and mid-flight; it will finish
		// naturally once the in-progress underlying op completes.
	}, nil)
	if !started {
		return
	}
	s.sendQ.push(a)
}

// Recv finishes with a *message.Msg attached via SetMsg once one complete
// message has been read; the count is the wire byte count (body plus the
// 8-byte length prefix).
func (s *Stream) Recv(a *aio.AIO) {
	started := a.Start(func(ua *aio.AIO, rv error) {
		if s.recvQ.remove(ua) {
			ua.Finish(rv, 0)
		}
	}, nil)
	if !started {
		return
	}
	s.recvQ.push(a)
}

func (s *Stream) Close() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return s.under.Close()
}

func (s *Stream) Stop() {
	s.Close()
	s.under.Stop()
}

func (s *Stream) Get(name string) (any, error) { return s.under.Get(name) }
func (s *Stream) Set(name string, v any) error { return s.under.Set(name, v) }

func (s *Stream) sendLoop() {
	for {
		select {
		case <-s.stopped:
			return
		case <-s.sendQ.wake:
		}
		for {
			a, ok := s.sendQ.pop()
			if !ok {
				break
			}
			s.processSend(a)
		}
	}
}

func (s *Stream) processSend(a *aio.AIO) {
	m, _ := a.Msg().(*message.Msg)
	if m == nil {
		a.Finish(errs.New(errs.InvalidArgument, "spframe.Send: no message attached"), 0)
		return
	}

	var chunks [][]byte
	var lenbuf [8]byte
	n := uint64(len(m.Header()) + len(m.Body()))
	binary.Msb.PutUint64(lenbuf[:], n)
	chunks = append(chunks, lenbuf[:])
	if len(m.Header()) > 0 {
		chunks = append(chunks, m.Header())
	}
	if len(m.Body()) > 0 {
		chunks = append(chunks, m.Body())
	}

	total := 0
	for len(chunks) > 0 {
		buf := chunks[0]
		wrote, err := s.writeOnce(buf)
		total += wrote
		if err != nil {
			a.Finish(err, total)
			return
		}
		if wrote == len(buf) {
			chunks = chunks[1:]
		} else {
			chunks[0] = buf[wrote:]
		}
	}
	a.Finish(nil, total)
}

// writeOnce performs one underlying send of (a prefix of) buf, synchronously
// from the sendLoop goroutine's point of view.
func (s *Stream) writeOnce(buf []byte) (int, error) {
	done := make(chan struct{})
	ua := aio.New(func(*aio.AIO) { close(done) }, nil)
	ua.SetIov([][]byte{buf})
	s.under.Send(ua)
	<-done
	rv, n := ua.Result()
	return n, rv
}

func (s *Stream) recvLoop() {
	for {
		select {
		case <-s.stopped:
			return
		case <-s.recvQ.wake:
		}
		for {
			a, ok := s.recvQ.pop()
			if !ok {
				break
			}
			s.processRecv(a)
		}
	}
}

func (s *Stream) processRecv(a *aio.AIO) {
	var lenbuf [8]byte
	if err := s.readExact(lenbuf[:]); err != nil {
		a.Finish(err, 0)
		return
	}

	n := binary.Msb.Uint64(lenbuf[:])

	if s.recvmax != 0 && n > s.recvmax {
		// fail the AIO, but do not close the pipe ourselves —
		// that decision belongs to the protocol layer.
		a.Finish(errs.New(errs.MessageTooBig, "spframe.Recv"), 0)
		return
	}

	m := message.NewMsg()
	body := m.AllocBody(int(n))
	if err := s.readExact(body); err != nil {
		a.Finish(err, 0)
		return
	}

	a.SetMsg(m)
	a.Finish(nil, int(n)+8)
}

func (s *Stream) readExact(buf []byte) error {
	for len(buf) > 0 {
		done := make(chan struct{})
		ua := aio.New(func(*aio.AIO) { close(done) }, nil)
		ua.SetIov([][]byte{buf})
		s.under.Recv(ua)
		<-done
		rv, n := ua.Result()
		if rv != nil {
			return rv
		}
		if n == 0 {
			return errs.New(errs.ConnectionShut, "spframe.Recv")
		}
		buf = buf[n:]
	}
	return nil
}

// fifo is a removable-entry FIFO queue of pending user AIOs: plain channels
// don't support the removal Abort needs, so we keep a slice under a mutex
// and a non-blocking wake signal, the same shape as a pipe's I/O queue.
type fifo struct {
	mu   sync.Mutex
	q    []*aio.AIO
	wake chan struct{}
}

func newFifo() *fifo {
	return &fifo{wake: make(chan struct{}, 1)}
}

func (f *fifo) push(a *aio.AIO) {
	f.mu.Lock()
	f.q = append(f.q, a)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fifo) pop() (*aio.AIO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.q) == 0 {
		return nil, false
	}
	a := f.q[0]
	f.q = f.q[1:]
	return a, true
}

func (f *fifo) remove(a *aio.AIO) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.q {
		if x == a {
			f.q = append(f.q[:i], f.q[i+1:]...)
			return true
		}
	}
	return false
}
