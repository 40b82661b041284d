package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/multierr"

	"minerd/internal/device"
	"minerd/internal/device/devicetest"
	"minerd/internal/work"
)

// fakeOptions is a two-knob configuration; MinUnits drives device selection.
type fakeOptions struct {
	Hashes   uint32
	Capacity uint32
	MinUnits int
}

func (o fakeOptions) HashCount() uint32 { return o.Hashes }
func (o fakeOptions) MaxNonces() uint32 { return o.Capacity }

type fakeResources struct {
	DeviceResources
	released int
}

func (r *fakeResources) Common() *DeviceResources { return &r.DeviceResources }

func (r *fakeResources) Release() error {
	r.released++
	if r.released > 1 {
		return fmt.Errorf("resources released %d times", r.released)
	}
	return multierr.Combine(
		r.Nonces.Release(),
		r.Dispatch.Release(),
		r.Work.Release(),
		r.Queue.Release(),
	)
}

// fakeAlgo is a two-stage algorithm whose kernels do nothing; results come
// from the signals the test completes.
type fakeAlgo struct {
	enqueueErr map[int]error // by stage
	built      []*fakeResources
}

func (a *fakeAlgo) Name() string    { return "fake" }
func (a *fakeAlgo) Version() string { return "1" }
func (a *fakeAlgo) Steps() int      { return 2 }

func (a *fakeAlgo) ParseConfig(raw map[string]any) (fakeOptions, error) {
	var o fakeOptions
	h, ok := raw["hashes"].(int)
	if !ok || h <= 0 {
		return o, errors.New("hashes: positive int required")
	}
	c, ok := raw["capacity"].(int)
	if !ok || c <= 0 {
		return o, errors.New("capacity: positive int required")
	}
	o.Hashes, o.Capacity = uint32(h), uint32(c)
	o.MinUnits, _ = raw["min_units"].(int)
	return o, nil
}

func (a *fakeAlgo) ChooseConfig(dev device.Device, configs []fakeOptions) (int, bool) {
	best := -1
	for i, c := range configs {
		if c.MinUnits > dev.ComputeUnits {
			continue
		}
		if best < 0 || c.MinUnits > configs[best].MinUnits {
			best = i
		}
	}
	return best, best >= 0
}

func (a *fakeAlgo) BuildDeviceResources(ctx device.Context, dev device.Device, opts fakeOptions) (res *fakeResources, err error) {
	r := &fakeResources{}
	var made []func() error
	defer func() {
		if err != nil {
			for i := len(made) - 1; i >= 0; i-- {
				_ = made[i]()
			}
		}
	}()
	if r.Queue, err = ctx.NewQueue(dev); err != nil {
		return nil, err
	}
	made = append(made, r.Queue.Release)
	if r.Work, err = ctx.NewBuffer(WorkBlobSize); err != nil {
		return nil, err
	}
	made = append(made, r.Work.Release)
	if r.Dispatch, err = ctx.NewBuffer(DispatchBlobSize); err != nil {
		return nil, err
	}
	made = append(made, r.Dispatch.Release)
	size := 4 * (1 + int(opts.Capacity))
	if r.Nonces, err = ctx.NewBuffer(size); err != nil {
		return nil, err
	}
	r.Mapped = make([]byte, size)
	a.built = append(a.built, r)
	return r, nil
}

func (a *fakeAlgo) Midstate(header [work.HeaderSize]byte) [MidstateSize]byte {
	var m [MidstateSize]byte
	copy(m[:], header[:MidstateSize])
	return m
}

func (a *fakeAlgo) EnqueueStep(step int, res *fakeResources, opts fakeOptions) error {
	if err := a.enqueueErr[step]; err != nil {
		return err
	}
	return res.Queue.Enqueue(device.Kernel{Name: fmt.Sprintf("stage%d", step)}, opts.Hashes, res.Work, res.Dispatch, res.Nonces)
}

type fakeDispatcher = Dispatcher[fakeOptions, *fakeResources]

// newAllocated builds a dispatcher over drv with the given configurations and
// allocates every device it selects.
func newAllocated(t *testing.T, drv *devicetest.Driver, configs ...map[string]any) (*fakeDispatcher, []Allocation) {
	t.Helper()
	d := New[fakeOptions, *fakeResources](&fakeAlgo{}, drv)
	for _, c := range configs {
		if _, err := d.AddConfiguration(c); err != nil {
			t.Fatalf("add configuration: %v", err)
		}
	}
	plats, err := drv.Platforms()
	if err != nil {
		t.Fatalf("platforms: %v", err)
	}
	allocs, err := d.AllocateResources(d.SelectDevices(plats))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return d, allocs
}

func cfg(hashes, capacity, minUnits int) map[string]any {
	return map[string]any{"hashes": hashes, "capacity": capacity, "min_units": minUnits}
}

// runToHarvest begins a step and enqueues every stage.
func runToHarvest(t *testing.T, d *fakeDispatcher, ci, ii int, wu work.Unit) {
	t.Helper()
	if _, err := d.BeginStep(ci, ii, wu, 0); err != nil {
		t.Fatalf("begin [%d,%d]: %v", ci, ii, err)
	}
	for s := 1; s <= d.Steps(); s++ {
		if err := d.Dispatch(ci, ii); err != nil {
			t.Fatalf("dispatch [%d,%d] stage %d: %v", ci, ii, s, err)
		}
	}
}

func testUnit(t *testing.T) work.Unit {
	t.Helper()
	src, err := work.NewStaticSource(work.StaticConfig{Difficulty: 1}, nil)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	wu, err := src.Next(t.Context())
	if err != nil {
		t.Fatalf("work: %v", err)
	}
	return wu
}
