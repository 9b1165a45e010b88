package ws

import (
	"sync"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/stream"
)

const (
	defaultFragSize = 64 * 1024
	defaultMaxFrame = 1024 * 1024
	defaultRecvMax  = 1024 * 1024
)

// Mode selects how application data is delivered.
type Mode int

const (
	// ModeStream delivers each non-empty frame's payload to the pending
	// Recv AIOs as it arrives, the default for the public stream API.
	ModeStream Mode = iota
	// ModeMessage delivers one fully reassembled message per Recv, as
	// used by the SP transport when it rides over WS.
	ModeMessage
)

// Config configures frame limits for a Stream.
type Config struct {
	Mode     Mode
	Client   bool // true if this side must mask outbound frames
	FragSize int  // default 64 KiB
	MaxFrame int  // default 1 MiB
	RecvMax  int  // default 1 MiB, ModeMessage only
}

// Stream wraps an already-upgraded byte stream with RFC 6455 framing. It
// implements stream.Stream so the pipe layer sees a plain byte/message
// channel regardless of transport.
type Stream struct {
	under  stream.Stream
	cfg    Config
	client bool

	sendQ *queueFIFO
	recvQ *queueFIFO

	ctrlMu  sync.Mutex
	ctrlOut [][]byte // pending ping/pong/close frames, sent ahead of data

	closing  bool
	closeMu  sync.Mutex
	stopOnce sync.Once
	stopped  chan struct{}
}

// New wraps under, which must already be past the HTTP upgrade handshake.
func New(under stream.Stream, cfg Config) *Stream {
	if cfg.FragSize <= 0 {
		cfg.FragSize = defaultFragSize
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = defaultMaxFrame
	}
	if cfg.RecvMax <= 0 {
		cfg.RecvMax = defaultRecvMax
	}
	s := &Stream{
		under:   under,
		cfg:     cfg,
		client:  cfg.Client,
		sendQ:   newQueueFIFO(),
		recvQ:   newQueueFIFO(),
		stopped: make(chan struct{}),
	}
	go s.sendLoop()
	go s.recvLoop()
	return s
}

func (s *Stream) Send(a *aio.AIO) {
	started := a.Start(func(ua *aio.AIO, rv error) {
		if s.sendQ.remove(ua) {
			ua.Finish(rv, 0)
		}
	}, nil)
	if !started {
		return
	}
	s.sendQ.push(a)
}

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
	s.sendControlClose(closeNormal)
	s.stopOnce.Do(func() { close(s.stopped) })
	return s.under.Close()
}

func (s *Stream) Stop() {
	s.Close()
	s.under.Stop()
}

func (s *Stream) Get(name string) (any, error) { return s.under.Get(name) }
func (s *Stream) Set(name string, v any) error {
	return errs.New(errs.NotSupported, "ws.Set: "+name)
}

// sendControlClose queues a close frame ahead of any pending data frame,
// interleaved at the head of the send queue so they preempt data frames.
func (s *Stream) sendControlClose(code uint16) {
	s.closeMu.Lock()
	already := s.closing
	s.closing = true
	s.closeMu.Unlock()
	if already {
		return
	}
	var payload [2]byte
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	s.queueControl(opClose, payload[:])
}

func (s *Stream) queueControl(op opcode, payload []byte) {
	h := frameHeader{fin: true, opcode: op, masked: s.client, payload: uint64(len(payload))}
	if s.client {
		h.mask = newMaskKey()
	}
	frame := encodeHeader(nil, h)
	frame = append(frame, payload...)
	if s.client && len(payload) > 0 {
		applyMask(h.mask, frame[len(frame)-len(payload):])
	}

	s.ctrlMu.Lock()
	s.ctrlOut = append(s.ctrlOut, frame)
	s.ctrlMu.Unlock()

	select {
	case s.sendQ.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) popControl() ([]byte, bool) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if len(s.ctrlOut) == 0 {
		return nil, false
	}
	f := s.ctrlOut[0]
	s.ctrlOut = s.ctrlOut[1:]
	return f, true
}

func (s *Stream) sendLoop() {
	for {
		if f, ok := s.popControl(); ok {
			if err := s.writeRaw(f); err != nil {
				return
			}
			continue
		}

		a, ok := s.sendQ.pop()
		if !ok {
			select {
			case <-s.stopped:
				return
			case <-s.sendQ.wake:
			}
			continue
		}
		s.processSend(a)
	}
}

func (s *Stream) processSend(a *aio.AIO) {
	var payload []byte
	if m, ok := a.Msg().(*message.Msg); ok {
		payload = m.Body()
	} else {
		for _, b := range a.Iov() {
			payload = append(payload, b...)
		}
	}

	op := opBinary
	total := len(payload)
	offset := 0
	for {
		if f, ok := s.popControl(); ok {
			// a ping/pong/close queued mid-fragmentation pre-empts the next
			// data frame.
			if err := s.writeRaw(f); err != nil {
				a.Finish(err, offset)
				return
			}
		}
		chunkLen := s.cfg.FragSize
		remaining := total - offset
		if remaining < chunkLen {
			chunkLen = remaining
		}
		fin := offset+chunkLen == total
		frameOp := op
		if offset > 0 {
			frameOp = opContinuation
		}

		h := frameHeader{fin: fin, opcode: frameOp, masked: s.client, payload: uint64(chunkLen)}
		if s.client {
			h.mask = newMaskKey()
		}
		frame := encodeHeader(nil, h)
		chunk := append([]byte(nil), payload[offset:offset+chunkLen]...)
		if s.client {
			applyMask(h.mask, chunk)
		}
		frame = append(frame, chunk...)

		if err := s.writeRaw(frame); err != nil {
			a.Finish(err, offset)
			return
		}
		offset += chunkLen
		if fin {
			break
		}
	}
	a.Finish(nil, total)
}

func (s *Stream) writeRaw(buf []byte) error {
	for len(buf) > 0 {
		done := make(chan struct{})
		ua := aio.New(func(*aio.AIO) { close(done) }, nil)
		ua.SetIov([][]byte{buf})
		s.under.Send(ua)
		<-done
		rv, n := ua.Result()
		if rv != nil {
			return rv
		}
		buf = buf[n:]
	}
	return nil
}

func (s *Stream) readRaw(buf []byte) (int, error) {
	done := make(chan struct{})
	ua := aio.New(func(*aio.AIO) { close(done) }, nil)
	ua.SetIov([][]byte{buf})
	s.under.Recv(ua)
	<-done
	rv, n := ua.Result()
	return n, rv
}

func (s *Stream) readExact(buf []byte) error {
	for len(buf) > 0 {
		n, err := s.readRaw(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.New(errs.ConnectionShut, "ws.recv")
		}
		buf = buf[n:]
	}
	return nil
}

// recvLoop implements the READ_HEAD2 -> READ_EXTLEN -> READ_MASK ->
// READ_PAYLOAD -> DISPATCH state machine, one frame at a time.
func (s *Stream) recvLoop() {
	var assembled []byte // message-mode reassembly buffer

	for {
		var head [2]byte
		if err := s.readExact(head[:]); err != nil {
			s.failRecv(err)
			return
		}
		extLen, masked, maskLen := headerLen(head[0], head[1])

		rest := make([]byte, extLen+maskLen)
		if len(rest) > 0 {
			if err := s.readExact(rest); err != nil {
				s.failRecv(err)
				return
			}
		}

		full := append(append([]byte(nil), head[:]...), rest...)
		h, err := decodeHeader(full)
		if err != nil {
			s.failRecv(err)
			return
		}
		_ = masked

		if int(h.payload) > s.cfg.MaxFrame {
			s.sendControlClose(closeTooBig)
			s.failRecv(errs.New(errs.MessageTooBig, "ws: frame exceeds maxframe"))
			return
		}

		payload := make([]byte, h.payload)
		if len(payload) > 0 {
			if err := s.readExact(payload); err != nil {
				s.failRecv(err)
				return
			}
			if h.masked {
				applyMask(h.mask, payload)
			}
		}

		switch h.opcode {
		case opPing:
			if len(payload) > 125 {
				s.sendControlClose(closeProtocol)
				s.failRecv(errs.New(errs.ProtocolError, "ws: oversize ping"))
				return
			}
			s.queueControl(opPong, payload)
			continue
		case opPong:
			continue
		case opClose:
			s.sendControlClose(closeNormal)
			s.failRecv(errs.New(errs.Closed, "ws: peer closed"))
			return
		case opContinuation, opText, opBinary:
			// fall through to dispatch below
		default:
			s.sendControlClose(closeProtocol)
			s.failRecv(errs.New(errs.ProtocolError, "ws: unknown opcode"))
			return
		}

		if s.cfg.Mode == ModeStream {
			if len(payload) > 0 {
				s.deliverStream(payload)
			}
			continue
		}

		assembled = append(assembled, payload...)
		if s.cfg.RecvMax > 0 && len(assembled) > s.cfg.RecvMax {
			s.sendControlClose(closeTooBig)
			s.failRecv(errs.New(errs.MessageTooBig, "ws: message exceeds recvmax"))
			return
		}
		if h.fin {
			s.deliverMessage(assembled)
			assembled = nil
		}
	}
}

func (s *Stream) deliverMessage(body []byte) {
	a, ok := s.recvQ.pop()
	if !ok {
		return // no pending recv; drop, matching a stream with no reader attached
	}
	m := message.NewMsg()
	copy(m.AllocBody(len(body)), body)
	a.SetMsg(m)
	a.Finish(nil, len(body))
}

func (s *Stream) deliverStream(payload []byte) {
	a, ok := s.recvQ.pop()
	if !ok {
		return
	}
	iov := a.Iov()
	if len(iov) == 0 {
		a.Finish(nil, 0)
		return
	}
	n := copy(iov[0], payload)
	a.Finish(nil, n)
}

func (s *Stream) failRecv(err error) {
	for {
		a, ok := s.recvQ.pop()
		if !ok {
			return
		}
		a.Finish(err, 0)
	}
}

// queueFIFO is the same removable-entry FIFO shape used by spframe and
// tlsstream, so Abort can drop a queued AIO before it starts processing.
type queueFIFO struct {
	mu   sync.Mutex
	q    []*aio.AIO
	wake chan struct{}
}

func newQueueFIFO() *queueFIFO {
	return &queueFIFO{wake: make(chan struct{}, 1)}
}

func (f *queueFIFO) push(a *aio.AIO) {
	f.mu.Lock()
	f.q = append(f.q, a)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *queueFIFO) pop() (*aio.AIO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.q) == 0 {
		return nil, false
	}
	a := f.q[0]
	f.q = f.q[1:]
	return a, true
}

func (f *queueFIFO) remove(a *aio.AIO) bool {
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
