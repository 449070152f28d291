package vm

// AsyncResult is what an AsyncNativeFunction's goroutine produces once its
// work finishes: either a value the waiting call should receive, or an
// error that becomes a thrown runtime exception at the resume point.
type AsyncResult struct {
	Value Value
	Err   error
}

// pendingAsync tracks one in-flight async host call: the channel its
// goroutine reports on and the quill-level callable to invoke with the
// result once it arrives. Adapted from devices.go's HardwareDevice model —
// "device" becomes "pending host call", "interrupt address" becomes
// "resume callback".
type pendingAsync struct {
	result   <-chan AsyncResult
	callback Value
}

// asyncQueue is the VM's single-producer-many-goroutines inbox for
// completed async calls, mirroring devices.go's nonBlockingChan[T]
// ("only safe with 1 sender, many receivers") without needing the
// capacity bound a hardware bus requires — a host call queue is sized by
// how many calls are in flight, not by a fixed device port count.
type asyncQueue struct {
	pending []*pendingAsync
}

func newAsyncQueue() *asyncQueue {
	return &asyncQueue{}
}

func (q *asyncQueue) register(p *pendingAsync) {
	q.pending = append(q.pending, p)
}

// drain polls every pending call without blocking and, for each one that
// has completed, invokes its callback before dropping it from the pending
// list. It is called once at the start of every top-level Run, matching
// §5's "single-threaded, non-preemptive" contract: async work is never
// observed mid-run, only between runs.
func (m *VM) drainAsync() error {
	if len(m.async.pending) == 0 {
		return nil
	}
	remaining := m.async.pending[:0]
	for _, p := range m.async.pending {
		select {
		case res, ok := <-p.result:
			if !ok {
				continue
			}
			if err := m.invokeAsyncCallback(p.callback, res); err != nil {
				return err
			}
		default:
			remaining = append(remaining, p)
		}
	}
	m.async.pending = remaining
	return nil
}

// invokeAsyncCallback runs a completed async call's callback to
// completion via the ordinary invoke path: the callback sees either the
// result value or a string describing the error as its single argument,
// the same shape a synchronous try/catch handler would see.
func (m *VM) invokeAsyncCallback(callback Value, res AsyncResult) error {
	if !callback.IsObject() {
		return nil
	}
	arg := res.Value
	if res.Err != nil {
		arg = FromObject(m.heap.NewString(res.Err.Error()))
	}
	return m.invoke(callback, []Value{arg}, Value{}, false)
}
