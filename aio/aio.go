// Package aio implements the asynchronous I/O primitive that every
// higher-level operation in the library bottoms out on: a one-shot
// operation record with a timeout, a caller-side cancellation path, and a
// completion callback dispatched on a worker goroutine.
//
// An AIO is created once by the caller and Reset/Start many times across
// its life. Exactly one provider (a stream, a pipe, a dialer...) may own it
// between Start and Finish. After Stop, further Starts fail with Stopped.
package aio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scalenet/spcore/errs"
)

const maxIov = 8

// CancelFunc is installed by the current provider when it takes ownership
// of an AIO in Start, and is invoked at most once, outside any provider
// lock, by Abort or by the expiration manager.
type CancelFunc func(a *AIO, rv error)

// CompletionFunc is the user callback, dispatched on a worker goroutine
// (or inline, for FinishSync) exactly once per Start.
type CompletionFunc func(a *AIO)

// flag bits, all accessed through the atomic flags field.
const (
	flagStop uint32 = 1 << iota
	flagSleep
	flagAbort
	flagExpiring
	flagUseExpire
	flagExpireOK
	flagStarted // provider currently owns this AIO
)

// AIO is a one-shot asynchronous operation record. Zero value is not
// usable; build one with New.
type AIO struct {
	mu sync.Mutex // guards the fields below against concurrent Start/Finish/Abort

	cb    CompletionFunc
	cbArg any

	result error
	count  int

	timeout time.Duration
	expire  time.Time

	cancelFn  CancelFunc
	cancelArg any

	inputs  [4]any
	outputs [4]any
	iov     [][]byte

	msg any // *message.Msg, kept as any to avoid an import cycle

	flags atomic.Uint32

	doneWG sync.WaitGroup // held while a dispatched callback is in flight

	shard *queue // expiration shard fixed at New, a pseudorandom per-AIO choice
	qpos  int    // index within shard.items, guarded by shard.mu; -1 if not scheduled
}

// New returns a ready AIO with an infinite default timeout.
func New(cb CompletionFunc, arg any) *AIO {
	a := &AIO{
		cb:      cb,
		cbArg:   arg,
		timeout: -1, // infinite
		shard:   defaultManager().pick(),
		qpos:    -1,
	}
	return a
}

// Reset clears the result, transferred count and outputs before a new Start.
// Must not be called while a provider owns the AIO.
func (a *AIO) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.result = nil
	a.count = 0
	a.outputs = [4]any{}
	a.iov = a.iov[:0]
	a.msg = nil
	a.flags.Store(a.flags.Load() & flagStop) // keep Stop latched, clear the rest
}

// SetTimeout sets the relative timeout used by the next Start. A value < 0
// means infinite (no expiration).
func (a *AIO) SetTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// SetExpireOK marks the AIO so that timing out is reported as success
// rather than TimedOut (used by sleep-style operations).
func (a *AIO) SetExpireOK(ok bool) {
	if ok {
		a.flags.Or(flagExpireOK)
	} else {
		a.flags.And(^flagExpireOK)
	}
}

// SetMsg attaches msg (typically a *message.Msg) to the AIO.
func (a *AIO) SetMsg(msg any) { a.mu.Lock(); a.msg = msg; a.mu.Unlock() }

// Msg returns the attached message, or nil.
func (a *AIO) Msg() any { a.mu.Lock(); defer a.mu.Unlock(); return a.msg }

// SetInput stores an opaque provider input in slot i (0..3).
func (a *AIO) SetInput(i int, v any) { a.mu.Lock(); a.inputs[i] = v; a.mu.Unlock() }

// Input returns the opaque provider input from slot i.
func (a *AIO) Input(i int) any { a.mu.Lock(); defer a.mu.Unlock(); return a.inputs[i] }

// SetOutput stores an opaque provider output in slot i (0..3).
func (a *AIO) SetOutput(i int, v any) { a.mu.Lock(); a.outputs[i] = v; a.mu.Unlock() }

// Output returns the opaque provider output from slot i.
func (a *AIO) Output(i int) any { a.mu.Lock(); defer a.mu.Unlock(); return a.outputs[i] }

// SetIov installs the I/O vector for the next operation; at most 8 buffers.
func (a *AIO) SetIov(iov [][]byte) {
	if len(iov) > maxIov {
		iov = iov[:maxIov]
	}
	a.mu.Lock()
	a.iov = iov
	a.mu.Unlock()
}

// Iov returns the current I/O vector.
func (a *AIO) Iov() [][]byte { a.mu.Lock(); defer a.mu.Unlock(); return a.iov }

// Result returns the completion result and transferred byte count.
func (a *AIO) Result() (error, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.count
}

// Start installs the provider's cancellation hook and, if a finite timeout
// is set, schedules expiration. It returns false (without ever calling
// cancelFn) when the AIO is stopping, already aborted, or has a zero/past
// timeout; in each case the completion callback is dispatched before Start
// returns, with the appropriate result code.
func (a *AIO) Start(cancelFn CancelFunc, cancelArg any) bool {
	a.mu.Lock()

	if a.flags.Load()&flagStop != 0 {
		a.flags.Or(flagStarted) // so FinishError below dispatches the callback
		a.mu.Unlock()
		a.FinishError(errs.New(errs.Stopped, "aio.Start"))
		return false
	}

	if a.flags.Load()&flagAbort != 0 {
		rv := a.result
		a.flags.And(^flagAbort)
		a.flags.Or(flagStarted)
		a.mu.Unlock()
		if rv == nil {
			rv = errs.New(errs.Canceled, "aio.Start")
		}
		a.FinishError(rv)
		return false
	}

	if a.timeout == 0 {
		a.flags.Or(flagStarted)
		a.mu.Unlock()
		a.FinishError(errs.New(errs.TimedOut, "aio.Start"))
		return false
	}

	a.cancelFn = cancelFn
	a.cancelArg = cancelArg
	a.flags.Or(flagStarted)
	a.flags.And(^flagExpiring)

	finite := a.timeout > 0
	if finite {
		a.expire = time.Now().Add(a.timeout)
	}
	a.mu.Unlock()

	if finite && cancelFn != nil {
		a.flags.Or(flagUseExpire)
		a.shard.schedule(a)
	} else {
		a.flags.And(^flagUseExpire)
	}

	return true
}

// finishLocked marks the AIO as no longer owned by a provider, clears its
// cancellation hook and, if it was scheduled for expiration, removes it.
// Must be called with a.mu held; returns whether a callback dispatch is due
// (false means this is a duplicate Finish, which is a programming error).
func (a *AIO) finishLocked(result error, count int) bool {
	if a.flags.Load()&flagStarted == 0 {
		return false // duplicate finish; caller should have started first
	}
	a.flags.And(^flagStarted)
	a.cancelFn = nil
	a.cancelArg = nil
	a.result = result
	a.count = count

	if a.flags.Load()&flagUseExpire != 0 {
		a.flags.And(^flagUseExpire)
		a.mu.Unlock()
		a.shard.remove(a)
		a.mu.Lock()
	}
	return true
}

// Finish completes the AIO with result/count, dispatching the callback on a
// worker goroutine. Safe to call from any provider context, including one
// holding other locks.
func (a *AIO) Finish(result error, count int) {
	a.mu.Lock()
	ok := a.finishLocked(result, count)
	a.mu.Unlock()
	if ok {
		a.dispatch(false)
	}
}

// FinishSync is like Finish but runs the callback inline on the caller's
// goroutine. Use only when the caller is not holding a lock the callback
// might need.
func (a *AIO) FinishSync(result error, count int) {
	a.mu.Lock()
	ok := a.finishLocked(result, count)
	a.mu.Unlock()
	if ok {
		a.dispatch(true)
	}
}

// FinishError is Finish with a zero transferred count.
func (a *AIO) FinishError(rv error) { a.Finish(rv, 0) }

// FinishMsg attaches msg and finishes successfully with count = its length.
func (a *AIO) FinishMsg(msg any, length int) {
	a.SetMsg(msg)
	a.Finish(nil, length)
}

func (a *AIO) dispatch(sync bool) {
	if a.cb == nil {
		return
	}
	if sync {
		a.cb(a)
		return
	}
	a.doneWG.Add(1)
	submitWork(func() {
		defer a.doneWG.Done()
		a.cb(a)
	})
}

// Abort is the caller-initiated cancellation: it fires the installed cancel
// function (outside any lock) with error rv. If no provider is currently
// engaged, it records the abort so the next Start fails immediately with rv.
func (a *AIO) Abort(rv error) {
	a.mu.Lock()
	if a.flags.Load()&flagStarted == 0 {
		a.flags.Or(flagAbort)
		a.result = rv
		a.mu.Unlock()
		return
	}
	fn, arg := a.cancelFn, a.cancelArg
	a.mu.Unlock()

	if fn != nil {
		fn(a, rv)
	}
	_ = arg
}

// Close aborts the AIO with Stopped, without waiting for drain.
func (a *AIO) Close() {
	a.Abort(errs.New(errs.Stopped, "aio.Close"))
}

// Stop aborts the AIO with Stopped, marks it permanently unusable for
// future Starts, and waits for any in-flight callback dispatch to drain.
func (a *AIO) Stop() {
	a.flags.Or(flagStop)
	a.Close()
	a.Wait()
}

// Wait blocks until any outstanding dispatched callback has returned.
func (a *AIO) Wait() {
	a.doneWG.Wait()
}

// Stopped reports whether Stop has been called.
func (a *AIO) Stopped() bool {
	return a.flags.Load()&flagStop != 0
}

// expireFire is called by the expiration manager, outside any AIO lock,
// for an AIO whose deadline has passed (or whose queue is draining due to
// a manager Stop). queueStopping distinguishes the two so expire-ok AIOs can still
// succeed on a genuine timeout.
func (a *AIO) expireFire(queueStopping bool) {
	a.mu.Lock()
	if a.flags.Load()&flagStarted == 0 {
		a.mu.Unlock()
		return // already finished elsewhere; lock race resolved in its favor
	}
	fn, arg := a.cancelFn, a.cancelArg
	a.mu.Unlock()

	if fn == nil {
		return
	}

	var rv error
	switch {
	case queueStopping:
		rv = errs.New(errs.Stopped, "aio.expire")
	case a.flags.Load()&flagExpireOK != 0:
		rv = nil
	default:
		rv = errs.New(errs.TimedOut, "aio.expire")
	}
	fn(a, rv)
	_ = arg
}
