// Package spframe implements the SP wire protocol used by stream
// transports: an 8-byte negotiation exchange that authenticates both
// peers' protocol identity, followed by 64-bit length-prefixed message
// framing. It wraps any stream.Stream and itself implements stream.Stream,
// so it composes transparently under TLS or WebSocket.
package spframe

import (
	"time"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/stream"
)

// NegotiationTimeout is the fixed deadline for the whole negotiation
// exchange.
const NegotiationTimeout = 10 * time.Second

// negotiationTemplate builds the 8-byte frame [00 53 50 00 PH PL 00 00].
func negotiationTemplate(proto uint16) [8]byte {
	return [8]byte{0x00, 'S', 'P', 0x00, byte(proto >> 8), byte(proto), 0x00, 0x00}
}

// Negotiate drives the negotiation handshake directly over under (before
// any Stream wrapper is built), writing our template and reading the
// peer's, and returns the peer's protocol id. Write-then-read order is
// used, though either order is valid as long as both complete
// within the shared deadline.
func Negotiate(under stream.Stream, proto uint16) (peer uint16, err error) {
	deadline := time.Now().Add(NegotiationTimeout)

	mine := negotiationTemplate(proto)
	if err := writeAll(under, mine[:], deadline); err != nil {
		return 0, err
	}

	var buf [8]byte
	if err := readAll(under, buf[:], deadline); err != nil {
		return 0, err
	}

	if buf[0] != 0x00 || buf[1] != 'S' || buf[2] != 'P' || buf[3] != 0x00 || buf[6] != 0x00 || buf[7] != 0x00 {
		return 0, errs.New(errs.ProtocolError, "spframe.Negotiate: malformed template")
	}

	return uint16(buf[4])<<8 | uint16(buf[5]), nil
}

// writeAll drives under.Send until buf is fully written or the deadline
// passes, resuming a short write by advancing the slice — the same
// transparent-resume discipline message framing uses.
func writeAll(under stream.Stream, buf []byte, deadline time.Time) error {
	for len(buf) > 0 {
		n, err := doOnce(under, true, buf, deadline)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readAll(under stream.Stream, buf []byte, deadline time.Time) error {
	for len(buf) > 0 {
		n, err := doOnce(under, false, buf, deadline)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// doOnce issues one internal AIO against under for either a send or a recv
// of buf, bounded by the shared deadline, and waits for it synchronously.
func doOnce(under stream.Stream, send bool, buf []byte, deadline time.Time) (int, error) {
	done := make(chan struct{})
	a := aio.New(func(*aio.AIO) { close(done) }, nil)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, errs.New(errs.TimedOut, "spframe.negotiate")
	}
	a.SetTimeout(remaining)
	a.SetIov([][]byte{buf})

	if send {
		under.Send(a)
	} else {
		under.Recv(a)
	}
	<-done

	rv, n := a.Result()
	return n, rv
}
