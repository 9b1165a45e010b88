package pipe

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/stream"
)

// acceptBackoff is the brief sleep before retrying accept
// after a resource-exhaustion failure (out-of-memory or too many files).
const acceptBackoff = 50 * time.Millisecond

// Listener is the accepting endpoint: it binds a URL and
// accepts indefinitely, driving negotiation and protocol init on every
// incoming connection before handing the resulting pipe to its socket.
type Listener struct {
	*zerolog.Logger

	socket  *Socket
	url     string
	proto   uint16
	recvmax uint64

	under stream.Listener

	mu        sync.Mutex
	negopipes map[*Pipe]time.Time // pipes currently negotiating, for introspection
	stopped   bool
	stopCh    chan struct{}
	doneWG    sync.WaitGroup
}

// NewListener builds a listener bound to rawurl, speaking proto, attached
// to sock. It does not start accepting until Start is called.
func NewListener(sock *Socket, rawurl string, proto uint16, recvmax uint64) (*Listener, error) {
	under, err := stream.NewListener(rawurl)
	if err != nil {
		return nil, err
	}

	opts, err := stream.QueryOptions(rawurl)
	if err != nil {
		return nil, err
	}
	if recvmax, err = opts.Uint64("recvmax", recvmax); err != nil {
		return nil, err
	}

	if err := under.Listen(); err != nil {
		return nil, err
	}
	nop := zerolog.Nop()
	l := &Listener{
		Logger:    &nop,
		socket:    sock,
		url:       rawurl,
		proto:     proto,
		recvmax:   recvmax,
		under:     under,
		negopipes: map[*Pipe]time.Time{},
		stopCh:    make(chan struct{}),
	}
	return l, nil
}

// Start begins the accept loop in the background.
func (l *Listener) Start() {
	l.doneWG.Add(1)
	go l.run()
}

func (l *Listener) run() {
	defer l.doneWG.Done()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		raw, err := acceptOnce(l.under)
		if err != nil {
			switch errs.CodeOf(err) {
			case errs.NoMemory, errs.NoFiles:
				l.Debug().Err(err).Msg("accept backing off")
				select {
				case <-time.After(acceptBackoff):
				case <-l.stopCh:
					return
				}
			case errs.Closed, errs.Stopped:
				return
			default:
				// other errors restart accept immediately
			}
			continue
		}

		go l.negotiateAndAttach(raw)
	}
}

// negotiateAndAttach runs off the accept loop's own goroutine so a slow or
// hostile peer's negotiation cannot stall acceptance of further peers.
func (l *Listener) negotiateAndAttach(raw stream.Stream) {
	marker := newPipe(l.socket, raw, l.proto)
	l.trackNegotiating(marker, true)
	defer l.trackNegotiating(marker, false)

	framed, peerProto, err := negotiate(raw, l.proto, l.recvmax)
	if err != nil {
		l.socket.reject()
		raw.Close()
		globalIDs.remove(marker.ID)
		return
	}

	p := marker
	p.listener = l
	p.Stream = framed
	p.PeerProto = peerProto

	if l.socket.protocol != nil {
		if err := l.socket.protocol.PipeInit(p); err != nil {
			l.socket.reject()
			p.Close()
			return
		}
	}

	l.socket.addPipe(p)
}

// Stop halts the accept loop and closes the underlying listener. Pipes it
// already produced are closed by the socket, not here.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopCh)
	l.under.Close()
	l.doneWG.Wait()
}

func (l *Listener) trackNegotiating(p *Pipe, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if on {
		l.negopipes[p] = time.Now().Add(negotiationDeadline)
	} else {
		delete(l.negopipes, p)
	}
}

// Negotiating returns the number of pipes currently mid-negotiation.
func (l *Listener) Negotiating() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.negopipes)
}

func acceptOnce(under stream.Listener) (stream.Stream, error) {
	done := make(chan struct{})
	a := newHelperAIO(func() { close(done) })
	under.Accept(a)
	<-done
	rv, _ := a.Result()
	if rv != nil {
		return nil, rv
	}
	out, _ := a.Output(0).(stream.Stream)
	return out, nil
}
