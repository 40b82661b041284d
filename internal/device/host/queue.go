package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"minerd/internal/device"
)

type command struct {
	name string
	run  func() error
	done chan error // blocking commands only
	sig  *signal    // async commands producing a signal
}

// queue runs commands strictly in submission order. A failed command poisons
// the queue: every later command fails with the same error.
type queue struct {
	dev  device.Device
	cmds chan command
	log  zerolog.Logger
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	failed error // owned by loop
}

func newQueue(dev device.Device, depth int, log zerolog.Logger) *queue {
	q := &queue{
		dev:  dev,
		cmds: make(chan command, depth),
		log:  log.With().Int("device", dev.Linear).Logger(),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *queue) Device() device.Device { return q.dev }

func (q *queue) loop() {
	defer q.wg.Done()
	for c := range q.cmds {
		if c.sig != nil {
			c.sig.status.Store(int32(device.StatusRunning))
		}
		err := q.failed
		if err == nil {
			err = c.run()
			if err != nil {
				q.failed = err
				q.log.Error().Err(err).Str("command", c.name).Msg("command failed, queue poisoned")
			}
		}
		if c.done != nil {
			c.done <- err
		}
		if c.sig != nil {
			if err != nil {
				c.sig.finish(device.StatusExecutionFailed)
			} else {
				c.sig.finish(device.StatusComplete)
			}
		}
	}
}

func (q *queue) submit(c command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return device.ErrReleased
	}
	q.cmds <- c
	return nil
}

func asBuffer(b device.Buffer) (*buffer, error) {
	hb, ok := b.(*buffer)
	if !ok {
		return nil, fmt.Errorf("host: foreign buffer %T", b)
	}
	if !hb.live() {
		return nil, device.ErrReleased
	}
	return hb, nil
}

func (q *queue) Write(b device.Buffer, offset int, src []byte) error {
	hb, err := asBuffer(b)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > len(hb.mem) {
		return fmt.Errorf("host: write of %d bytes at %d overflows buffer of %d", len(src), offset, len(hb.mem))
	}
	data := append([]byte(nil), src...)
	done := make(chan error, 1)
	err = q.submit(command{name: "write", done: done, run: func() error {
		copy(hb.mem[offset:], data)
		return nil
	}})
	if err != nil {
		return err
	}
	return <-done
}

func (q *queue) Enqueue(k device.Kernel, global uint32, args ...device.Buffer) error {
	if k.Run == nil {
		return fmt.Errorf("host: kernel %q has no body", k.Name)
	}
	views := make([]device.Mem, len(args))
	for i, a := range args {
		hb, err := asBuffer(a)
		if err != nil {
			return fmt.Errorf("host: kernel %q arg %d: %w", k.Name, i, err)
		}
		views[i] = hb.view()
	}
	units := q.dev.ComputeUnits
	return q.submit(command{name: k.Name, run: func() error {
		return runKernel(k, global, views, units)
	}})
}

func (q *queue) Read(b device.Buffer, dst []byte) (device.Signal, error) {
	hb, err := asBuffer(b)
	if err != nil {
		return nil, err
	}
	if len(dst) > len(hb.mem) {
		return nil, fmt.Errorf("host: read of %d bytes from buffer of %d", len(dst), len(hb.mem))
	}
	sig := newSignal()
	err = q.submit(command{name: "read", sig: sig, run: func() error {
		copy(dst, hb.mem)
		return nil
	}})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Release drains pending commands and stops the queue goroutine.
func (q *queue) Release() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return device.ErrReleased
	}
	q.closed = true
	close(q.cmds)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// runKernel splits [0, global) into contiguous chunks, one goroutine per
// compute unit. A panicking work item fails the launch.
func runKernel(k device.Kernel, global uint32, args []device.Mem, units int) error {
	if global == 0 {
		return nil
	}
	if units <= 0 {
		units = 1
	}
	chunk := (uint64(global) + uint64(units) - 1) / uint64(units)
	var g errgroup.Group
	g.SetLimit(units)
	for start := uint64(0); start < uint64(global); start += chunk {
		lo, hi := start, start+chunk
		if hi > uint64(global) {
			hi = uint64(global)
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("host: kernel %q panicked: %v", k.Name, r)
				}
			}()
			for gid := lo; gid < hi; gid++ {
				k.Run(uint32(gid), args)
			}
			return nil
		})
	}
	return g.Wait()
}

type signal struct {
	done     chan struct{}
	status   atomic.Int32
	released atomic.Bool
}

func newSignal() *signal {
	s := &signal{done: make(chan struct{})}
	s.status.Store(int32(device.StatusQueued))
	return s
}

func (s *signal) finish(st device.Status) {
	s.status.Store(int32(st))
	close(s.done)
}

func (s *signal) Wait() error {
	if s.released.Load() {
		return device.ErrReleased
	}
	<-s.done
	if device.Status(s.status.Load()).Failed() {
		return device.ErrExecStatus
	}
	return nil
}

func (s *signal) Status() (device.Status, error) {
	if s.released.Load() {
		return 0, device.ErrReleased
	}
	return device.Status(s.status.Load()), nil
}

func (s *signal) Release() { s.released.Store(true) }
