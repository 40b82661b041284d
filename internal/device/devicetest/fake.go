// Package devicetest provides an instrumented in-memory driver whose
// completion signals are completed by the test, not by a device.
package devicetest

import (
	"errors"
	"fmt"
	"sync"

	"minerd/internal/device"
)

// Counts of handles created and not yet released.
type Counts struct {
	Contexts int
	Queues   int
	Buffers  int
	Signals  int
}

// Driver implements device.Driver. All methods are safe for concurrent use.
type Driver struct {
	mu        sync.Mutex
	platforms []device.Platform

	failContext map[int]error
	failQueue   map[int]error
	failBuffer  map[int]bufferFault
	buffersMade map[int]int

	live       Counts
	liveSigs   map[int]int // per device linear index
	maxSigs    map[int]int
	signals    map[int][]*Signal
	kernels    map[int][]string
	writes     map[int]int
	runKernels bool
}

type bufferFault struct {
	nth int
	err error
}

// New builds one platform per argument; each entry is a device with that many
// compute units.
func New(layout ...[]int) *Driver {
	d := &Driver{
		failContext: map[int]error{},
		failQueue:   map[int]error{},
		failBuffer:  map[int]bufferFault{},
		buffersMade: map[int]int{},
		liveSigs:    map[int]int{},
		maxSigs:     map[int]int{},
		signals:     map[int][]*Signal{},
		kernels:     map[int][]string{},
		writes:      map[int]int{},
	}
	linear := 0
	for pi, units := range layout {
		p := device.Platform{Index: pi, Name: fmt.Sprintf("fake-%d", pi), Vendor: "devicetest"}
		for di, cu := range units {
			p.Devices = append(p.Devices, device.Device{
				Platform:     pi,
				Index:        di,
				Linear:       linear,
				Name:         fmt.Sprintf("fake%d.%d", pi, di),
				Kind:         device.KindGPU,
				ComputeUnits: cu,
				MaxWorkGroup: 256,
				Handle:       device.Handle(1000 + linear),
			})
			linear++
		}
		d.platforms = append(d.platforms, p)
	}
	return d
}

// RunKernels makes Enqueue execute kernels synchronously on the calling goroutine.
func (d *Driver) RunKernels(on bool) {
	d.mu.Lock()
	d.runKernels = on
	d.mu.Unlock()
}

// FailContext makes CreateContext for the platform return err.
func (d *Driver) FailContext(platform int, err error) {
	d.mu.Lock()
	d.failContext[platform] = err
	d.mu.Unlock()
}

// FailQueue makes NewQueue for the device return err.
func (d *Driver) FailQueue(linear int, err error) {
	d.mu.Lock()
	d.failQueue[linear] = err
	d.mu.Unlock()
}

// FailBuffer makes the nth (0-based) NewBuffer call on the platform's context fail.
func (d *Driver) FailBuffer(platform, nth int, err error) {
	d.mu.Lock()
	d.failBuffer[platform] = bufferFault{nth: nth, err: err}
	d.mu.Unlock()
}

// Live returns the handles currently alive.
func (d *Driver) Live() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// OutstandingSignals is the number of unreleased signals for a device.
func (d *Driver) OutstandingSignals(linear int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveSigs[linear]
}

// MaxOutstandingSignals is the high-water mark of OutstandingSignals.
func (d *Driver) MaxOutstandingSignals(linear int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSigs[linear]
}

// Signals returns every signal created for a device, oldest first.
func (d *Driver) Signals(linear int) []*Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Signal(nil), d.signals[linear]...)
}

// LastSignal returns the newest signal for a device, or nil.
func (d *Driver) LastSignal(linear int) *Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.signals[linear]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// Kernels lists kernel names enqueued on a device, in order.
func (d *Driver) Kernels(linear int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.kernels[linear]...)
}

// Writes counts buffer writes issued on a device.
func (d *Driver) Writes(linear int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[linear]
}

func (d *Driver) Name() string { return "devicetest" }

func (d *Driver) Platforms() ([]device.Platform, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.Platform, len(d.platforms))
	for i, p := range d.platforms {
		p.Devices = append([]device.Device(nil), p.Devices...)
		out[i] = p
	}
	return out, nil
}

func (d *Driver) CreateContext(p device.Platform, devices []device.Device) (device.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failContext[p.Index]; err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if !p.Owns(dev) {
			return nil, device.ErrNotOwned
		}
	}
	d.live.Contexts++
	return &Context{d: d, platform: p.Index}, nil
}

// Context implements device.Context.
type Context struct {
	d        *Driver
	platform int
	released bool
}

func (c *Context) Platform() int { return c.platform }

func (c *Context) NewQueue(dev device.Device) (device.Queue, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.released {
		return nil, device.ErrReleased
	}
	if err := c.d.failQueue[dev.Linear]; err != nil {
		return nil, err
	}
	c.d.live.Queues++
	return &Queue{d: c.d, dev: dev}, nil
}

func (c *Context) NewBuffer(size int) (device.Buffer, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.released {
		return nil, device.ErrReleased
	}
	n := c.d.buffersMade[c.platform]
	c.d.buffersMade[c.platform] = n + 1
	if f, ok := c.d.failBuffer[c.platform]; ok && f.nth == n {
		return nil, f.err
	}
	c.d.live.Buffers++
	return &Buffer{d: c.d, mem: make([]byte, size)}, nil
}

func (c *Context) Release() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.released {
		return device.ErrReleased
	}
	c.released = true
	c.d.live.Contexts--
	return nil
}

// Buffer implements device.Buffer with plain host memory.
type Buffer struct {
	d        *Driver
	mem      []byte
	memMu    sync.Mutex
	released bool
}

func (b *Buffer) Size() int { return len(b.mem) }

// Bytes exposes the buffer contents.
func (b *Buffer) Bytes() []byte { return b.mem }

func (b *Buffer) Release() error {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.released {
		return device.ErrReleased
	}
	b.released = true
	b.d.live.Buffers--
	return nil
}

// Queue implements device.Queue.
type Queue struct {
	d        *Driver
	dev      device.Device
	released bool
}

func (q *Queue) Device() device.Device { return q.dev }

func (q *Queue) Write(b device.Buffer, offset int, src []byte) error {
	fb, ok := b.(*Buffer)
	if !ok {
		return fmt.Errorf("devicetest: foreign buffer %T", b)
	}
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	if q.released || fb.released {
		return device.ErrReleased
	}
	if offset < 0 || offset+len(src) > len(fb.mem) {
		return errors.New("devicetest: write out of bounds")
	}
	copy(fb.mem[offset:], src)
	q.d.writes[q.dev.Linear]++
	return nil
}

func (q *Queue) Enqueue(k device.Kernel, global uint32, args ...device.Buffer) error {
	q.d.mu.Lock()
	if q.released {
		q.d.mu.Unlock()
		return device.ErrReleased
	}
	q.d.kernels[q.dev.Linear] = append(q.d.kernels[q.dev.Linear], k.Name)
	run := q.d.runKernels
	q.d.mu.Unlock()
	if !run || k.Run == nil {
		return nil
	}
	views := make([]device.Mem, len(args))
	for i, a := range args {
		fb := a.(*Buffer)
		views[i] = device.NewMem(fb.mem, &fb.memMu)
	}
	for gid := uint32(0); gid < global; gid++ {
		k.Run(gid, views)
	}
	return nil
}

func (q *Queue) Read(b device.Buffer, dst []byte) (device.Signal, error) {
	fb, ok := b.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("devicetest: foreign buffer %T", b)
	}
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	if q.released {
		return nil, device.ErrReleased
	}
	s := &Signal{d: q.d, dev: q.dev.Linear, src: fb, dst: dst, done: make(chan struct{}), status: device.StatusQueued}
	q.d.signals[q.dev.Linear] = append(q.d.signals[q.dev.Linear], s)
	q.d.live.Signals++
	q.d.liveSigs[q.dev.Linear]++
	if q.d.liveSigs[q.dev.Linear] > q.d.maxSigs[q.dev.Linear] {
		q.d.maxSigs[q.dev.Linear] = q.d.liveSigs[q.dev.Linear]
	}
	return s, nil
}

func (q *Queue) Release() error {
	q.d.mu.Lock()
	defer q.d.mu.Unlock()
	if q.released {
		return device.ErrReleased
	}
	q.released = true
	q.d.live.Queues--
	return nil
}
