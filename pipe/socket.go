package pipe

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/scalenet/spcore/reap"
)

// Handler is one event subscriber, ordered by Priority (lower runs first).
type Handler struct {
	Name     string
	Priority int
	Func     func(ev string, p *Pipe)
}

// Socket is identified by a small integer and owns a protocol
// implementation plus the set of endpoints and pipes attached to it. The
// protocol layer itself (REQ/REP/PUB/SUB/...) is out of scope here; Socket
// only drives the lifecycle hooks every protocol must provide.
type Socket struct {
	*zerolog.Logger

	ID       int
	protocol Protocol

	reap *reap.Pool

	mu    sync.RWMutex
	pipes map[uint32]*Pipe

	handlersMu sync.Mutex
	handlers   map[string][]*Handler

	// reapWG tracks reapClose jobs submitted but not yet completed, so Close
	// can wait for them to drain before stopping the reap pool.
	reapWG sync.WaitGroup

	// Rejects counts pipes that failed SP negotiation or were refused by
	// Protocol.PipeInit, per scenario S1.
	Rejects atomic.Int64
}

func (s *Socket) reject() { s.Rejects.Add(1) }

// NewSocket builds a socket bound to proto, with its own reap pool of n
// workers (n <= 0 picks a sensible default inside reap.NewPool).
func NewSocket(id int, proto Protocol, reapWorkers int) *Socket {
	nop := zerolog.Nop()
	return &Socket{
		Logger:   &nop,
		ID:       id,
		protocol: proto,
		reap:     reap.NewPool(reapWorkers),
		pipes:    map[uint32]*Pipe{},
		handlers: map[string][]*Handler{},
	}
}

// On registers h for event name ev. Handlers run in ascending Priority order.
func (s *Socket) On(ev string, h *Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[ev] = append(s.handlers[ev], h)
	sort.SliceStable(s.handlers[ev], func(i, j int) bool {
		return s.handlers[ev][i].Priority < s.handlers[ev][j].Priority
	})
}

func (s *Socket) fireEvent(ev string, p *Pipe) {
	s.handlersMu.Lock()
	hs := append([]*Handler(nil), s.handlers[ev]...)
	s.handlersMu.Unlock()
	for _, h := range hs {
		h.Func(ev, p)
	}
}

// addPipe joins p to the socket's active pipe set and fires EventAdd.
func (s *Socket) addPipe(p *Pipe) {
	s.mu.Lock()
	s.pipes[p.ID] = p
	s.mu.Unlock()
	s.fireEvent(EventAdd, p)
}

func (s *Socket) removePipe(p *Pipe) {
	s.mu.Lock()
	delete(s.pipes, p.ID)
	s.mu.Unlock()
}

// Pipes returns a snapshot of the socket's currently active pipes.
func (s *Socket) Pipes() []*Pipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		out = append(out, p)
	}
	return out
}

// Close closes every active pipe, waits for their reapClose jobs to finish
// running (so PipeClose/PipeStop, transport teardown, id-map removal and
// EventRemPost all happen before returning), then stops the reap pool.
// Endpoints (dialers/listeners) must be closed separately by the caller.
func (s *Socket) Close() {
	for _, p := range s.Pipes() {
		p.Close()
	}
	s.reapWG.Wait()
	s.reap.Stop()
}
