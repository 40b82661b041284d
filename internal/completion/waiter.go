package completion

import (
	"fmt"
	"runtime"
	"sync"

	"minerd/internal/device"
	"minerd/internal/metrics"
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateDead
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateDead:
		return "dead"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// waiter blocks on at most one signal at a time. Everything below mu is
// shared with the pool; state is written only by the waiter goroutine.
type waiter struct {
	id   int
	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	signal    device.Signal // nil when idle
	keepGoing bool
	wakeup    bool
	state     state
}

func newWaiter(id int) *waiter {
	return &waiter{
		id:        id,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		keepGoing: true,
		state:     stateCreated,
	}
}

func (t *waiter) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signal == nil && t.state == stateRunning
}

func (t *waiter) currentState() state {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *waiter) snapshot() (state, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.signal != nil
}

func (t *waiter) assign(sig device.Signal) {
	t.mu.Lock()
	t.signal = sig
	t.wakeup = true
	t.mu.Unlock()
	t.kick()
}

func (t *waiter) assigned() device.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signal
}

func (t *waiter) release(dead bool) {
	t.mu.Lock()
	t.signal = nil
	if dead {
		t.state = stateDead
	}
	t.mu.Unlock()
}

func (t *waiter) stop() {
	t.mu.Lock()
	t.keepGoing = false
	t.wakeup = true
	t.mu.Unlock()
	t.kick()
}

func (t *waiter) kick() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *waiter) setState(s state) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// run is the waiter goroutine. It stays locked to its OS thread for its whole
// life: the native wait parks the thread, not just the goroutine.
func (w *Watcher) run(t *waiter) {
	runtime.LockOSThread()
	defer close(t.done)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		metrics.WatcherDead.Inc()
		w.log.Error().Int("waiter", t.id).Interface("panic", r).Msg("waiter died")
		// push clears the assignment when it queues, so a signal still
		// assigned here has not been delivered.
		if sig := t.assigned(); sig != nil {
			w.push(t, Completion{Signal: sig, Status: device.StatusFailed, Err: &FatalError{Cause: fmt.Errorf("panic: %v", r)}}, true)
		} else {
			t.release(true)
		}
	}()

	t.setState(stateRunning)
	for {
		<-t.wake
		t.mu.Lock()
		if !t.wakeup {
			t.mu.Unlock()
			continue
		}
		t.wakeup = false
		if !t.keepGoing {
			t.state = stateTerminated
			t.mu.Unlock()
			return
		}
		sig := t.signal
		t.mu.Unlock()
		if sig == nil {
			continue
		}

		c, fatal := waitOne(sig)
		if fatal {
			metrics.WatcherDead.Inc()
			w.log.Error().Int("waiter", t.id).Err(c.Err).Msg("waiter died")
			w.push(t, c, true)
			return
		}
		w.push(t, c, false)
	}
}

// waitOne performs the native wait. A wait error is classified by probing the
// signal; if the probe fails too the waiter is done for.
func waitOne(sig device.Signal) (Completion, bool) {
	err := sig.Wait()
	if err == nil {
		return Completion{Signal: sig, Status: device.StatusComplete}, false
	}
	st, perr := sig.Status()
	if perr != nil {
		return Completion{Signal: sig, Status: device.StatusFailed, Err: &FatalError{Cause: perr}}, true
	}
	return Completion{Signal: sig, Status: st, Err: err}, false
}
