package vm

import (
	"runtime"
	"sync"
)

// ---------------------------------------------------------------------------
// Visibly-initialized publication
// ---------------------------------------------------------------------------

// PublishMode selects how initialized classes become visibly
// initialized.
type PublishMode uint8

const (
	// PublishAuto picks PublishFence on total-store-order architectures
	// and PublishCheckpoint elsewhere.
	PublishAuto PublishMode = iota

	// PublishFence publishes with a release store per class; no thread
	// cooperation is needed.
	PublishFence

	// PublishCheckpoint defers publication until every attached thread
	// passes a suspension point, then flips the whole batch.
	PublishCheckpoint
)

func (m PublishMode) String() string {
	switch m {
	case PublishAuto:
		return "auto"
	case PublishFence:
		return "fence"
	case PublishCheckpoint:
		return "checkpoint"
	}
	return "unknown"
}

// defaultPublishBatch is how many initialized classes accumulate before
// a publication round starts on its own.
const defaultPublishBatch = 16

// resolvePublishMode turns Auto into a concrete backend. The store
// ordering that x86 gives away for free makes the fence backend
// sufficient there; weaker architectures get the checkpoint.
func resolvePublishMode(m PublishMode) PublishMode {
	if m != PublishAuto {
		return m
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return PublishFence
	}
	return PublishCheckpoint
}

// checkpointRound is one in-flight checkpoint: the classes it will
// publish and the threads whose acknowledgement it still needs.
type checkpointRound struct {
	classes []ClassHandle
	waiting map[int64]struct{}
	done    chan struct{}
}

// publisher batches initialized classes and drives them to the visibly
// initialized state.
type publisher struct {
	rt       *Runtime
	mode     PublishMode
	batchMax int

	mu      sync.Mutex
	pending []ClassHandle
	round   *checkpointRound
}

func newPublisher(rt *Runtime, mode PublishMode, batchMax int) *publisher {
	if batchMax <= 0 {
		batchMax = defaultPublishBatch
	}
	return &publisher{
		rt:       rt,
		mode:     resolvePublishMode(mode),
		batchMax: batchMax,
	}
}

// Mode returns the concrete backend in use.
func (p *publisher) Mode() PublishMode { return p.mode }

// enqueue adds a freshly initialized class to the batch, starting a
// publication round once the batch is full. t is the initializing
// thread, which is by definition at a suspension point.
func (p *publisher) enqueue(t *Thread, h ClassHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, h)
	if len(p.pending) >= p.batchMax {
		p.publishLocked(t)
	}
}

// Flush publishes everything pending and, in checkpoint mode, waits
// until the rounds complete. Callers must be attached; t acknowledges
// its own rounds while waiting.
func (p *publisher) Flush(t *Thread) {
	for {
		p.mu.Lock()
		if p.round == nil {
			if len(p.pending) == 0 {
				p.mu.Unlock()
				return
			}
			p.publishLocked(t)
		}
		r := p.round
		p.mu.Unlock()
		if r == nil {
			continue
		}
		p.ack(t)
		<-r.done
	}
}

// ack records that t passed a suspension point. The last needed
// acknowledgement completes the round on the acking thread.
func (p *publisher) ack(t *Thread) {
	if t == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.round == nil {
		return
	}
	if _, ok := p.round.waiting[t.id]; !ok {
		return
	}
	delete(p.round.waiting, t.id)
	if len(p.round.waiting) == 0 {
		p.completeLocked()
	}
}

// publishLocked starts publication of the pending batch. Callers hold
// p.mu.
func (p *publisher) publishLocked(t *Thread) {
	if len(p.pending) == 0 {
		return
	}
	if p.mode == PublishFence {
		// The atomic status store is the release fence; a thread that
		// loads the new status is ordered after everything initialization
		// wrote.
		batch := p.pending
		p.pending = nil
		for _, h := range batch {
			p.makeVisible(h)
		}
		initLog.Debugf("published %d classes via fence", len(batch))
		return
	}

	if p.round != nil {
		// A round is running; the batch rides the next one.
		return
	}
	round := &checkpointRound{
		classes: p.pending,
		waiting: make(map[int64]struct{}),
		done:    make(chan struct{}),
	}
	p.pending = nil
	for _, th := range p.rt.threadSnapshot() {
		if th.isParked() {
			// Parked threads sit at a suspension point already; the
			// requester acknowledges for them.
			continue
		}
		round.waiting[th.id] = struct{}{}
	}
	p.round = round
	if t != nil {
		delete(round.waiting, t.id)
	}
	if len(round.waiting) == 0 {
		p.completeLocked()
	}
}

// completeLocked flips the round's classes and releases waiters.
// Callers hold p.mu.
func (p *publisher) completeLocked() {
	round := p.round
	for _, h := range round.classes {
		p.makeVisible(h)
	}
	initLog.Debugf("published %d classes via checkpoint", len(round.classes))
	close(round.done)
	p.round = nil
	if len(p.pending) >= p.batchMax {
		p.publishLocked(nil)
	}
}

func (p *publisher) makeVisible(h ClassHandle) {
	c := p.rt.arena.Get(h)
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.Status() == StatusInitialized {
		c.setStatusLocked(StatusVisiblyInitialized)
		p.rt.heap.WriteBarrier().ClassMutated(h)
	}
	c.mu.Unlock()
}
