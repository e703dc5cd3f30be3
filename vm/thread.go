package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// Thread states for checkpoint accounting.
const (
	threadRunning uint32 = iota
	threadParked
)

// Thread is a mutator's registration with the runtime. Every goroutine
// that resolves, initializes, or dispatches must attach first; the
// thread identity drives circularity detection, initializer reentrancy,
// and checkpoint acknowledgement.
type Thread struct {
	rt    *Runtime
	id    int64
	state atomic.Uint32
}

// Attach registers the current goroutine, or returns its existing
// registration.
func (rt *Runtime) Attach() *Thread {
	gid := getGoroutineID()
	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()
	if t, ok := rt.threads[gid]; ok {
		return t
	}
	t := &Thread{rt: rt, id: gid}
	rt.threads[gid] = t
	return t
}

// Detach unregisters the thread. A detached thread cannot hold up a
// visibility checkpoint, so any pending acknowledgement happens here.
func (t *Thread) Detach() {
	t.rt.publisher.ack(t)
	t.rt.threadsMu.Lock()
	delete(t.rt.threads, t.id)
	t.rt.threadsMu.Unlock()
}

// ID returns the goroutine id the thread attached from.
func (t *Thread) ID() int64 { return t.id }

// CheckSuspend is a cooperative suspension point. Long-running code
// calls it periodically; the visibility checkpoint counts on every
// running thread passing one.
func (t *Thread) CheckSuspend() {
	t.rt.publisher.ack(t)
}

// beginWait marks the thread parked before it blocks on a class
// monitor. Parked threads are acknowledged on their behalf when a
// checkpoint starts, exactly so a thread sleeping on one class cannot
// stall publication of another.
func (t *Thread) beginWait() {
	t.rt.publisher.ack(t)
	t.state.Store(threadParked)
}

// endWait marks the thread running again after a monitor wait.
func (t *Thread) endWait() {
	t.state.Store(threadRunning)
	t.rt.publisher.ack(t)
}

func (t *Thread) isParked() bool { return t.state.Load() == threadParked }

// threadSnapshot returns the currently attached threads.
func (rt *Runtime) threadSnapshot() []*Thread {
	rt.threadsMu.Lock()
	defer rt.threadsMu.Unlock()
	out := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		out = append(out, t)
	}
	return out
}

// getGoroutineID returns the current goroutine's ID by parsing the stack.
// This is a workaround since Go doesn't expose goroutine IDs directly.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack starts with "goroutine <id> [...]"
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	idx := strings.Index(s, " ")
	if idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}
