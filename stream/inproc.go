package stream

import (
	"sync"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
)

func init() {
	Register("inproc", &inprocTransport{listeners: map[string]*inprocListener{}})
}

// inprocTransport implements the "inproc" scheme: an in-process rendezvous
// by address, with no real I/O at all — useful for tests and for wiring
// sockets together within one process.
type inprocTransport struct {
	mu        sync.Mutex
	listeners map[string]*inprocListener
}

func (t *inprocTransport) NewDialer(rawurl string) (Dialer, error) {
	addr, err := Path(rawurl)
	if err != nil {
		return nil, err
	}
	return &inprocDialer{t: t, addr: addr}, nil
}

func (t *inprocTransport) NewListener(rawurl string) (Listener, error) {
	addr, err := Path(rawurl)
	if err != nil {
		return nil, err
	}
	return &inprocListener{t: t, addr: addr, accept: make(chan *inprocHalf, 8)}, nil
}

type inprocDialer struct {
	t    *inprocTransport
	addr string
}

func (d *inprocDialer) Dial(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {}, nil)
	if !started {
		return
	}

	d.t.mu.Lock()
	l, ok := d.t.listeners[d.addr]
	d.t.mu.Unlock()
	if !ok {
		a.Finish(errs.New(errs.ConnectionRefused, "inproc.Dial: no listener at "+d.addr), 0)
		return
	}

	left, right := newInprocPair()
	select {
	case l.accept <- right:
		a.SetOutput(0, left)
		a.Finish(nil, 0)
	default:
		a.Finish(errs.New(errs.ConnectionRefused, "inproc.Dial: accept backlog full"), 0)
	}
}

func (d *inprocDialer) Close() error { return nil }

type inprocListener struct {
	t      *inprocTransport
	addr   string
	accept chan *inprocHalf
}

func (l *inprocListener) Listen() error {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if _, ok := l.t.listeners[l.addr]; ok {
		return errs.New(errs.AlreadyInUse, "inproc.Listen: "+l.addr)
	}
	l.t.listeners[l.addr] = l
	return nil
}

func (l *inprocListener) Accept(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {}, nil)
	if !started {
		return
	}

	go func() {
		half, ok := <-l.accept
		if !ok {
			a.Finish(errs.New(errs.Closed, "inproc.Accept"), 0)
			return
		}
		a.SetOutput(0, half)
		a.Finish(nil, 0)
	}()
}

func (l *inprocListener) Close() error {
	l.t.mu.Lock()
	delete(l.t.listeners, l.addr)
	l.t.mu.Unlock()
	close(l.accept)
	return nil
}

// inprocHalf is one end of an in-memory duplex pipe, implemented with two
// buffered byte channels so Send/Recv can be serviced without any real
// syscall, while still honoring the async AIO contract.
type inprocHalf struct {
	rx     chan []byte
	tx     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	leftover []byte // unconsumed tail of the last chunk read from rx
}

func newInprocPair() (*inprocHalf, *inprocHalf) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &inprocHalf{rx: ba, tx: ab, closed: make(chan struct{})}
	b := &inprocHalf{rx: ab, tx: ba, closed: make(chan struct{})}
	return a, b
}

func (h *inprocHalf) Send(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {}, nil)
	if !started {
		return
	}

	go func() {
		iov := a.Iov()
		var n int
		for _, buf := range iov {
			if len(buf) == 0 {
				continue
			}
			cp := append([]byte(nil), buf...)
			select {
			case h.tx <- cp:
				n += len(cp)
			case <-h.closed:
				a.Finish(errs.New(errs.Closed, "inproc.Send"), n)
				return
			}
			break // one chunk per op, consistent with connStream
		}
		a.Finish(nil, n)
	}()
}

func (h *inprocHalf) Recv(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {}, nil)
	if !started {
		return
	}

	go func() {
		iov := a.Iov()
		if len(iov) == 0 || len(iov[0]) == 0 {
			a.Finish(nil, 0)
			return
		}

		h.mu.Lock()
		if len(h.leftover) > 0 {
			n := copy(iov[0], h.leftover)
			h.leftover = h.leftover[n:]
			h.mu.Unlock()
			a.Finish(nil, n)
			return
		}
		h.mu.Unlock()

		select {
		case buf, ok := <-h.rx:
			if !ok {
				a.Finish(errs.New(errs.ConnectionShut, "inproc.Recv"), 0)
				return
			}
			// A sent chunk may be larger than this Recv's buffer (two
			// layers can disagree on record size, eg. TLS/WS over inproc
			// in tests); keep the remainder for the next Recv rather than
			// silently dropping bytes, matching the real byte-stream
			// contract of "read up to len(buf), never lose what's left".
			n := copy(iov[0], buf)
			if n < len(buf) {
				h.mu.Lock()
				h.leftover = append([]byte(nil), buf[n:]...)
				h.mu.Unlock()
			}
			a.Finish(nil, n)
		case <-h.closed:
			a.Finish(errs.New(errs.Closed, "inproc.Recv"), 0)
		}
	}()
}

func (h *inprocHalf) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *inprocHalf) Stop() { h.Close() }

func (h *inprocHalf) Get(name string) (any, error) {
	return nil, errs.New(errs.NotSupported, "inproc.Get: "+name)
}

func (h *inprocHalf) Set(name string, v any) error {
	return errs.New(errs.NotSupported, "inproc.Set: "+name)
}
