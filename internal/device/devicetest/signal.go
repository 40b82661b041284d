package devicetest

import (
	"encoding/binary"
	"sync"

	"minerd/internal/device"
)

// Signal is a completion signal resolved by the test.
type Signal struct {
	d   *Driver
	dev int
	src *Buffer
	dst []byte

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	status   device.Status
	waitErr  error
	probeErr error
	panicMsg any
	released bool
	waits    int
}

// Device is the linear index of the device the signal belongs to.
func (s *Signal) Device() int { return s.dev }

// Complete copies the source buffer into the destination and marks success.
func (s *Signal) Complete() {
	s.resolve(func() {
		s.src.memMu.Lock()
		copy(s.dst, s.src.mem)
		s.src.memMu.Unlock()
		s.status = device.StatusComplete
	})
}

// CompleteWith writes words into the destination (truncated to its length)
// instead of the buffer contents and marks success.
func (s *Signal) CompleteWith(words ...uint32) {
	s.resolve(func() {
		for i, w := range words {
			if (i+1)*4 > len(s.dst) {
				break
			}
			binary.LittleEndian.PutUint32(s.dst[i*4:], w)
		}
		s.status = device.StatusComplete
	})
}

// Fail marks the operation failed with st (must be negative).
func (s *Signal) Fail(st device.Status) {
	s.resolve(func() {
		s.status = st
		s.waitErr = device.ErrExecStatus
	})
}

// Break makes Wait and Status both fail with err, as a wedged driver would.
func (s *Signal) Break(err error) {
	s.resolve(func() {
		s.status = device.StatusFailed
		s.waitErr = err
		s.probeErr = err
	})
}

// Panic makes Wait panic with v.
func (s *Signal) Panic(v any) {
	s.resolve(func() { s.panicMsg = v })
}

func (s *Signal) resolve(fn func()) {
	s.once.Do(func() {
		s.mu.Lock()
		fn()
		s.mu.Unlock()
		close(s.done)
	})
}

// Waits reports how many times Wait was entered.
func (s *Signal) Waits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits
}

// Released reports whether Release was called.
func (s *Signal) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Signal) Wait() error {
	s.mu.Lock()
	s.waits++
	s.mu.Unlock()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != nil {
		panic(s.panicMsg)
	}
	return s.waitErr
}

func (s *Signal) Status() (device.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, device.ErrReleased
	}
	if s.probeErr != nil {
		return 0, s.probeErr
	}
	select {
	case <-s.done:
		return s.status, nil
	default:
		return device.StatusRunning, nil
	}
}

func (s *Signal) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.d.mu.Lock()
	s.d.live.Signals--
	s.d.liveSigs[s.dev]--
	s.d.mu.Unlock()
}
