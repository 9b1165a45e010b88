package pipe

import "github.com/scalenet/spcore/aio"

// newHelperAIO returns an AIO whose only job is to run done on completion;
// used by the pipe's synchronous Send/Recv wrappers over the async Stream
// contract, the same "one-shot AIO plus a done channel" idiom spframe and
// tlsstream use internally.
func newHelperAIO(done func()) *aio.AIO {
	return aio.New(func(*aio.AIO) { done() }, nil)
}
