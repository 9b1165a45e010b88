package pipe

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalenet/spcore/stream"
)

// Dialer is the dialing endpoint: it owns a URL and a
// transport stream.Dialer, and auto-reconnects with exponential backoff
// whenever its pipe dies.
type Dialer struct {
	*zerolog.Logger

	socket  *Socket
	url     string
	proto   uint16
	recvmax uint64

	under stream.Dialer

	backoff *backoff

	mu      sync.Mutex
	current *Pipe
	stopped bool
	stopCh  chan struct{}
	doneWG  sync.WaitGroup
}

// NewDialer builds a dialer for rawurl, speaking proto, attached to sock.
// minBackoff/maxBackoff bound the reconnect delay; recvmax bounds inbound
// message size (0 disables the check).
func NewDialer(sock *Socket, rawurl string, proto uint16, recvmax uint64, minBackoff, maxBackoff time.Duration) (*Dialer, error) {
	under, err := stream.NewDialer(rawurl)
	if err != nil {
		return nil, err
	}

	// A URL's query string may override any of the three tunables, eg.
	// "tcp://h:9000?recvmax=65536&min-backoff=50ms".
	opts, err := stream.QueryOptions(rawurl)
	if err != nil {
		return nil, err
	}
	if recvmax, err = opts.Uint64("recvmax", recvmax); err != nil {
		return nil, err
	}
	if minBackoff, err = opts.Duration("min-backoff", minBackoff); err != nil {
		return nil, err
	}
	if maxBackoff, err = opts.Duration("max-backoff", maxBackoff); err != nil {
		return nil, err
	}

	nop := zerolog.Nop()
	d := &Dialer{
		Logger:  &nop,
		socket:  sock,
		url:     rawurl,
		proto:   proto,
		recvmax: recvmax,
		under:   under,
		backoff: newBackoff(minBackoff, maxBackoff),
		stopCh:  make(chan struct{}),
	}
	return d, nil
}

// Start begins the dial/reconnect loop in the background.
func (d *Dialer) Start() {
	d.doneWG.Add(1)
	go d.run()
}

func (d *Dialer) run() {
	defer d.doneWG.Done()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		raw, err := dialOnce(d.under)
		if err != nil {
			d.Debug().Str("url", d.url).Err(err).Msg("dial failed")
			select {
			case <-time.After(d.backoff.next()):
				continue
			case <-d.stopCh:
				return
			}
		}
		d.backoff.reset()

		p, err := d.attach(raw)
		if err != nil {
			continue // attach already closed raw; retry immediately
		}

		d.mu.Lock()
		d.current = p
		d.mu.Unlock()

		select {
		case <-p.Context().Done():
		case <-d.stopCh:
			p.Close()
			return
		}

		// The pipe died: wait one backoff step before redialing.
		select {
		case <-time.After(d.backoff.next()):
		case <-d.stopCh:
			return
		}
	}
}

// attach drives negotiation and protocol init for a freshly dialed stream,
// producing a live Pipe registered on the socket.
func (d *Dialer) attach(raw stream.Stream) (*Pipe, error) {
	framed, peerProto, err := negotiate(raw, d.proto, d.recvmax)
	if err != nil {
		d.socket.reject()
		raw.Close()
		return nil, err
	}

	p := newPipe(d.socket, raw, d.proto)
	p.dialer = d
	p.Stream = framed
	p.PeerProto = peerProto

	if d.socket.protocol != nil {
		if err := d.socket.protocol.PipeInit(p); err != nil {
			d.socket.reject()
			p.Close()
			return nil, err
		}
	}

	d.socket.addPipe(p)
	return p, nil
}

// Stop halts the reconnect loop and closes the current pipe, if any.
func (d *Dialer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stopCh)
	d.doneWG.Wait()

	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
	d.under.Close()
}

// dialOnce issues one synchronous Dial against under.
func dialOnce(under stream.Dialer) (stream.Stream, error) {
	done := make(chan struct{})
	var out stream.Stream
	var outErr error
	a := newHelperAIO(func() { close(done) })
	under.Dial(a)
	<-done
	outErr, _ = a.Result()
	if outErr == nil {
		out, _ = a.Output(0).(stream.Stream)
	}
	return out, outErr
}
