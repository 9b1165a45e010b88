package ws

import (
	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/stream"
)

// streamReader adapts a stream.Stream to io.Reader by issuing one
// synchronous AIO Recv per Read call, so the stdlib HTTP parser can be
// reused for the upgrade handshake even though the transport only exposes
// the async Stream contract.
type streamReader struct {
	under stream.Stream
}

func (r *streamReader) Read(p []byte) (int, error) {
	done := make(chan struct{})
	a := aio.New(func(*aio.AIO) { close(done) }, nil)
	a.SetIov([][]byte{p})
	r.under.Recv(a)
	<-done
	rv, n := a.Result()
	return n, rv
}

// writeAllSync writes buf to under synchronously, looping over short writes.
func writeAllSync(under stream.Stream, buf []byte) error {
	for len(buf) > 0 {
		done := make(chan struct{})
		a := aio.New(func(*aio.AIO) { close(done) }, nil)
		a.SetIov([][]byte{buf})
		under.Send(a)
		<-done
		rv, n := a.Result()
		if rv != nil {
			return rv
		}
		buf = buf[n:]
	}
	return nil
}
