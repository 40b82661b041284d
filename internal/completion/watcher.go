// Package completion turns "wait for any of these signals" into a single
// queue, for signals whose native wait cannot be composed or cancelled.
//
// Each outstanding signal is waited on by its own goroutine locked to an OS
// thread. Idle waiters are reused before new ones are started and failed ones
// are reaped on the next Wait.
//
// Shutdown joins every waiter. A waiter stuck in a native wait that never
// returns (a hung driver) is never joined: Shutdown then blocks forever.
package completion

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"minerd/internal/device"
	"minerd/internal/metrics"
)

var (
	// ErrShutdown is returned by Watch and Wait once Shutdown was called.
	ErrShutdown = errors.New("completion: watcher shut down")
	// ErrAlreadyWatched is returned when a signal is watched twice before its
	// completion was collected by Wait.
	ErrAlreadyWatched = errors.New("completion: signal already watched")
	// ErrNilSignal is returned by Watch for a nil signal.
	ErrNilSignal = errors.New("completion: nil signal")
	// ErrSpawnStalled is returned by Watch when a new waiter did not start
	// within maxSpawnYields yields. The waiter stays in the pool and is
	// reused once it runs; the signal is not watched.
	ErrSpawnStalled = errors.New("completion: waiter did not start")
)

// maxSpawnYields bounds the yield loop Watch spins in while a new waiter
// starts.
const maxSpawnYields = 1 << 16

// Completion is one signal that stopped blocking. Err is nil on success, the
// wait error when the operation failed, or a *FatalError when the waiter
// itself failed; Status is then the last status it knew of.
type Completion struct {
	Signal device.Signal
	Status device.Status
	Err    error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// Watcher is the waiter pool. Watch and Wait are meant for one orchestrating
// goroutine; Shutdown may be called from any goroutine.
type Watcher struct {
	log zerolog.Logger

	rosterMu sync.Mutex
	pool     []*waiter
	watched  map[device.Signal]struct{}
	nextID   int
	spawned  int
	closed   bool
	shut     chan struct{}

	queueMu sync.Mutex
	queue   []Completion
	notify  chan struct{}

	// start launches a waiter goroutine; pushed, if set, runs after every
	// queued completion.
	start  func(*waiter)
	pushed func(Completion)
}

// New returns an empty pool; waiters are started on demand.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		log:     zerolog.Nop(),
		watched: make(map[device.Signal]struct{}),
		shut:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	w.start = func(t *waiter) { go w.run(t) }
	for _, o := range opts {
		o(w)
	}
	return w
}

// Watch hands sig to an idle waiter, starting one if none is idle.
func (w *Watcher) Watch(sig device.Signal) error {
	if sig == nil {
		return ErrNilSignal
	}
	w.rosterMu.Lock()
	defer w.rosterMu.Unlock()
	if w.closed {
		return ErrShutdown
	}
	if _, dup := w.watched[sig]; dup {
		return ErrAlreadyWatched
	}

	var use *waiter
	for _, t := range w.pool {
		if t.idle() {
			use = t
			break
		}
	}
	if use == nil {
		use = newWaiter(w.nextID)
		w.nextID++
		w.spawned++
		w.pool = append(w.pool, use)
		w.start(use)
		metrics.WatcherSpawned.Inc()
		metrics.WatcherWaiters.Set(float64(len(w.pool)))
		w.log.Debug().Int("waiter", use.id).Int("pool", len(w.pool)).Msg("waiter started")

		// Only done once per waiter, a yield loop is enough.
		for i := 0; use.currentState() == stateCreated; i++ {
			if i == maxSpawnYields {
				w.log.Warn().Int("waiter", use.id).Msg("waiter did not start")
				return ErrSpawnStalled
			}
			runtime.Gosched()
		}
	}

	use.assign(sig)
	w.watched[sig] = struct{}{}
	return nil
}

// Wait blocks until at least one watched signal completed and returns every
// completion queued so far, in no particular order. With nothing watched and
// nothing queued it returns an empty batch immediately. Dead and terminated
// waiters are reaped first.
func (w *Watcher) Wait(ctx context.Context) ([]Completion, error) {
	for {
		assigned, err := w.maintain()
		if err != nil {
			return nil, err
		}
		w.queueMu.Lock()
		if len(w.queue) > 0 || assigned == 0 {
			batch := w.queue
			w.queue = nil
			w.queueMu.Unlock()
			w.forget(batch)
			return batch, nil
		}
		w.queueMu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.shut:
			return nil, ErrShutdown
		}
	}
}

// maintain drops dead and terminated waiters and counts busy ones.
func (w *Watcher) maintain() (assigned int, err error) {
	w.rosterMu.Lock()
	defer w.rosterMu.Unlock()
	if w.closed {
		return 0, ErrShutdown
	}
	kept := make([]*waiter, 0, len(w.pool))
	for _, t := range w.pool {
		st, busy := t.snapshot()
		switch st {
		case stateDead, stateTerminated:
			w.log.Debug().Int("waiter", t.id).Str("state", st.String()).Msg("waiter reaped")
			continue
		case stateRunning:
			if busy {
				assigned++
			}
		}
		kept = append(kept, t)
	}
	w.pool = kept
	metrics.WatcherWaiters.Set(float64(len(w.pool)))
	metrics.WatcherBusy.Set(float64(assigned))
	return assigned, nil
}

func (w *Watcher) forget(batch []Completion) {
	if len(batch) == 0 {
		return
	}
	w.rosterMu.Lock()
	for _, c := range batch {
		delete(w.watched, c.Signal)
	}
	w.rosterMu.Unlock()
}

// push queues c and, under the same lock, releases t's assignment (marking
// it dead if asked), so an idle or dead waiter always implies its completion
// is already visible to Wait.
func (w *Watcher) push(t *waiter, c Completion, dead bool) {
	w.queueMu.Lock()
	w.queue = append(w.queue, c)
	t.release(dead)
	w.queueMu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	label := c.Status.String()
	if c.Err != nil && IsFatal(c.Err) {
		label = "fatal"
	}
	metrics.WatcherCompletions.WithLabelValues(label).Inc()
	if w.pushed != nil {
		w.pushed(c)
	}
}

// Shutdown stops and joins every waiter. Later Watch and Wait calls fail with
// ErrShutdown.
func (w *Watcher) Shutdown() {
	w.rosterMu.Lock()
	if w.closed {
		w.rosterMu.Unlock()
		return
	}
	w.closed = true
	close(w.shut)
	pool := append([]*waiter(nil), w.pool...)
	for _, t := range pool {
		t.stop()
	}
	w.rosterMu.Unlock()

	for _, t := range pool {
		<-t.done
	}
	metrics.WatcherWaiters.Set(0)
	metrics.WatcherBusy.Set(0)
	w.log.Debug().Int("joined", len(pool)).Msg("watcher shut down")
}

// Size is the number of waiters in the pool, including failed ones not yet reaped.
func (w *Watcher) Size() int {
	w.rosterMu.Lock()
	defer w.rosterMu.Unlock()
	return len(w.pool)
}

// Spawned is the number of waiters ever started.
func (w *Watcher) Spawned() int {
	w.rosterMu.Lock()
	defer w.rosterMu.Unlock()
	return w.spawned
}

// Busy is the number of waiters currently holding a signal.
func (w *Watcher) Busy() int {
	w.rosterMu.Lock()
	defer w.rosterMu.Unlock()
	n := 0
	for _, t := range w.pool {
		if _, busy := t.snapshot(); busy {
			n++
		}
	}
	return n
}
