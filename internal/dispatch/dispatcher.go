// Package dispatch drives a fixed multi-stage hashing pipeline on every
// selected device.
//
// Devices are grouped by the configuration an algorithm resolves for them.
// Each device gets an Instance whose step walks
//
//	0 --BeginStep--> 1 --Dispatch--> ... --Dispatch--> N+1 --ResultsAvailable--> 0
//
// where N is Algorithm.Steps(). Step N+1 means the result read is in flight and
// its signal can be handed to a completion watcher.
//
// A Dispatcher is not safe for concurrent use; one goroutine owns it.
package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"minerd/internal/device"
	"minerd/internal/work"
)

var errClosed = errors.New("dispatcher closed")

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

type dispatcherConfig struct {
	log zerolog.Logger
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *dispatcherConfig) { c.log = l }
}

// Dispatcher owns the configuration groups, their instances and one native
// context per platform in use.
type Dispatcher[O Options, R Resources] struct {
	algo   Algorithm[O, R]
	drv    device.Driver
	log    zerolog.Logger
	steps  int
	groups []*ConfigGroup[O, R]

	contexts  map[int]device.Context // by platform ordinal
	allocated bool
	closed    bool
}

// New returns a Dispatcher with no configurations.
func New[O Options, R Resources](algo Algorithm[O, R], drv device.Driver, opts ...Option) *Dispatcher[O, R] {
	cfg := dispatcherConfig{log: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Dispatcher[O, R]{
		algo:     algo,
		drv:      drv,
		log:      cfg.log.With().Str("algo", algo.Name()).Logger(),
		steps:    algo.Steps(),
		contexts: make(map[int]device.Context),
	}
}

// Algorithm returns the algorithm being driven.
func (d *Dispatcher[O, R]) Algorithm() Algorithm[O, R] { return d.algo }

// Steps is the number of kernel stages.
func (d *Dispatcher[O, R]) Steps() int { return d.steps }

// AddConfiguration parses raw and returns the index of its group. Settings
// equal to an existing group's are not added twice.
func (d *Dispatcher[O, R]) AddConfiguration(raw map[string]any) (int, error) {
	if d.allocated {
		return -1, &StateError{Op: "AddConfiguration", Config: -1, Inst: -1, Reason: "resources already allocated"}
	}
	opts, err := d.algo.ParseConfig(raw)
	if err != nil {
		return -1, &ConfigurationError{Algorithm: d.algo.Name(), Err: err}
	}
	for i, g := range d.groups {
		if g.Options == opts {
			d.log.Debug().Int("config", i).Msg("configuration already present")
			return i, nil
		}
	}
	d.groups = append(d.groups, &ConfigGroup[O, R]{Options: opts})
	return len(d.groups) - 1, nil
}

// SelectDevices asks the algorithm which configuration suits each device.
// Devices it finds no match for are left out. Nothing is allocated.
func (d *Dispatcher[O, R]) SelectDevices(platforms []device.Platform) Selection {
	sel := Selection{Assigned: make(map[int][]device.Device)}
	configs := d.Groups()
	for _, p := range platforms {
		used := false
		for _, dev := range p.Devices {
			ci, ok := d.algo.ChooseConfig(dev, configs)
			if !ok || ci < 0 || ci >= len(configs) {
				d.log.Info().Str("device", dev.Name).Msg("no configuration matches device")
				continue
			}
			sel.Assigned[ci] = append(sel.Assigned[ci], dev)
			used = true
		}
		if used {
			sel.Platforms = append(sel.Platforms, p)
		}
	}
	return sel
}

// AllocateResources creates one context per platform spanning its selected
// devices, then builds every device's resources. A device that fails is left
// out; the others are not affected. The returned error combines one
// *AllocationError per failed device.
func (d *Dispatcher[O, R]) AllocateResources(sel Selection) ([]Allocation, error) {
	if d.closed {
		return nil, &StateError{Op: "AllocateResources", Config: -1, Inst: -1, Reason: errClosed.Error()}
	}
	if d.allocated {
		return nil, &StateError{Op: "AllocateResources", Config: -1, Inst: -1, Reason: "resources already allocated"}
	}
	d.allocated = true

	var errs error
	for _, p := range sel.Platforms {
		var devs []device.Device
		for ci := range d.groups {
			for _, dev := range sel.Assigned[ci] {
				if dev.Platform == p.Index {
					devs = append(devs, dev)
				}
			}
		}
		if len(devs) == 0 {
			continue
		}
		ctx, err := d.drv.CreateContext(p, devs)
		if err != nil {
			for _, dev := range devs {
				errs = multierr.Append(errs, &AllocationError{Device: dev, Op: "context", Err: err})
			}
			continue
		}
		d.contexts[p.Index] = ctx
	}

	used := make(map[int]bool)
	var out []Allocation
	for ci, g := range d.groups {
		for _, dev := range sel.Assigned[ci] {
			ctx, ok := d.contexts[dev.Platform]
			if !ok {
				continue
			}
			res, err := d.algo.BuildDeviceResources(ctx, dev, g.Options)
			if err != nil {
				errs = multierr.Append(errs, &AllocationError{Device: dev, Op: "resources", Err: err})
				d.log.Warn().Err(err).Str("device", dev.Name).Msg("device excluded")
				continue
			}
			g.Instances = append(g.Instances, &Instance[R]{Device: dev, res: res})
			used[dev.Platform] = true
		}
		if len(g.Instances) > 0 {
			out = append(out, Allocation{Config: ci, Instances: len(g.Instances)})
		}
	}

	for pi, ctx := range d.contexts {
		if used[pi] {
			continue
		}
		errs = multierr.Append(errs, ctx.Release())
		delete(d.contexts, pi)
	}
	d.log.Info().Int("configs", len(out)).Int("contexts", len(d.contexts)).Msg("resources allocated")
	return out, errs
}

func (d *Dispatcher[O, R]) instance(op string, ci, ii int) (*Instance[R], error) {
	if d.closed {
		return nil, &StateError{Op: op, Config: ci, Inst: ii, Reason: errClosed.Error()}
	}
	if ci < 0 || ci >= len(d.groups) || ii < 0 || ii >= len(d.groups[ci].Instances) {
		return nil, &StateError{Op: op, Config: ci, Inst: ii, Reason: "no such instance"}
	}
	return d.groups[ci].Instances[ii], nil
}

// CanAcceptInput reports whether the instance is idle and healthy.
func (d *Dispatcher[O, R]) CanAcceptInput(ci, ii int) bool {
	inst, err := d.instance("CanAcceptInput", ci, ii)
	if err != nil {
		return false
	}
	return inst.step == 0 && inst.failure == nil && !inst.excluded
}

// BeginStep uploads wu to the instance and moves it to step 1. prevHashes is
// the number of nonces of wu already handed out and becomes the nonce base.
// It returns the number of hashes the step will scan.
func (d *Dispatcher[O, R]) BeginStep(ci, ii int, wu work.Unit, prevHashes uint32) (uint32, error) {
	inst, err := d.instance("BeginStep", ci, ii)
	if err != nil {
		return 0, err
	}
	if !d.CanAcceptInput(ci, ii) {
		return 0, &StateError{Op: "BeginStep", Config: ci, Inst: ii, Step: inst.step, Reason: acceptReason(inst)}
	}
	opts := d.groups[ci].Options
	c := inst.res.Common()

	var blob [WorkBlobSize]byte
	copy(blob[:], wu.Header[:])
	mid := d.algo.Midstate(wu.Header)
	copy(blob[work.HeaderSize:], mid[:])
	if err := c.Queue.Write(c.Work, 0, blob[:]); err != nil {
		return 0, failWrite(inst, "write work", err)
	}

	target := wu.Target64()
	var disp [DispatchBlobSize]byte
	binary.LittleEndian.PutUint32(disp[0:], opts.HashCount())
	binary.LittleEndian.PutUint32(disp[4:], uint32(target>>32))
	binary.LittleEndian.PutUint32(disp[8:], uint32(target))
	binary.LittleEndian.PutUint32(disp[12:], opts.MaxNonces())
	binary.LittleEndian.PutUint32(disp[16:], prevHashes)
	if err := c.Queue.Write(c.Dispatch, 0, disp[:]); err != nil {
		return 0, failWrite(inst, "write dispatch data", err)
	}
	if err := c.Queue.Write(c.Nonces, 0, make([]byte, 4)); err != nil {
		return 0, failWrite(inst, "clear nonce count", err)
	}

	inst.work = wu
	inst.nonceBase = prevHashes
	inst.step = 1
	return opts.HashCount(), nil
}

// failWrite records a failed upload. The blobs may be half written, so the
// instance takes no work until Reset or Exclude.
func failWrite[R Resources](inst *Instance[R], op string, err error) error {
	ce := &ComputeError{Device: inst.Device, Step: 0, Op: op, Err: err}
	inst.failure = ce
	return ce
}

func acceptReason[R Resources](inst *Instance[R]) string {
	switch {
	case inst.excluded:
		return "instance excluded"
	case inst.failure != nil:
		return "instance failed: " + inst.failure.Error()
	}
	return "instance busy"
}

// Dispatch enqueues the stage the instance is at and advances it. After the
// last stage the result read is enqueued and its signal becomes the
// instance's wait handle.
func (d *Dispatcher[O, R]) Dispatch(ci, ii int) error {
	inst, err := d.instance("Dispatch", ci, ii)
	if err != nil {
		return err
	}
	if inst.excluded || inst.failure != nil || inst.step < 1 || inst.step > d.steps {
		return &StateError{Op: "Dispatch", Config: ci, Inst: ii, Step: inst.step, Reason: "no stage to enqueue"}
	}
	if err := d.algo.EnqueueStep(inst.step, inst.res, d.groups[ci].Options); err != nil {
		inst.failure = &ComputeError{Device: inst.Device, Step: inst.step, Op: "enqueue", Err: err}
		return inst.failure
	}
	if inst.step == d.steps {
		c := inst.res.Common()
		sig, err := c.Queue.Read(c.Nonces, c.Mapped)
		if err != nil {
			inst.failure = &ComputeError{Device: inst.Device, Step: inst.step, Op: "read results", Err: err}
			return inst.failure
		}
		inst.signal = sig
	}
	inst.step++
	return nil
}

// ResultsAvailable harvests a finished instance. It reports false while the
// instance is still running. On success the instance is idle again.
//
// A failed or overflowing instance keeps failing with the same error until
// Reset or Exclude is called.
func (d *Dispatcher[O, R]) ResultsAvailable(ci, ii int) (Results, bool, error) {
	inst, err := d.instance("ResultsAvailable", ci, ii)
	if err != nil {
		return Results{}, false, err
	}
	if inst.excluded {
		return Results{}, false, &StateError{Op: "ResultsAvailable", Config: ci, Inst: ii, Step: inst.step, Reason: "instance excluded"}
	}
	if inst.failure != nil {
		return Results{}, false, inst.failure
	}
	if inst.step <= d.steps {
		return Results{}, false, nil
	}

	st, err := inst.signal.Status()
	if err != nil {
		d.releaseSignal(inst)
		inst.failure = &ComputeError{Device: inst.Device, Step: inst.step, Op: "probe", Err: err}
		return Results{}, false, inst.failure
	}
	if st.Failed() {
		d.releaseSignal(inst)
		inst.failure = &ComputeError{Device: inst.Device, Step: inst.step, Op: "result transfer", Status: st}
		return Results{}, false, inst.failure
	}
	if !st.Done() {
		return Results{}, false, nil
	}

	c := inst.res.Common()
	capacity := d.groups[ci].Options.MaxNonces()
	found := binary.LittleEndian.Uint32(c.Mapped)
	if found > capacity {
		inst.failure = &OverflowError{Device: inst.Device, Found: found, Capacity: capacity}
		return Results{}, false, inst.failure
	}
	res := Results{
		Device:    inst.Device,
		Work:      inst.work,
		NonceBase: inst.nonceBase,
		Nonces:    make([]uint32, found),
	}
	for i := range res.Nonces {
		res.Nonces[i] = binary.LittleEndian.Uint32(c.Mapped[4*(i+1):])
	}
	d.releaseSignal(inst)
	inst.step = 0
	return res, true, nil
}

// GetWaitHandles returns the outstanding signal of the instance, if any.
func (d *Dispatcher[O, R]) GetWaitHandles(ci, ii int) (device.Signal, bool) {
	inst, err := d.instance("GetWaitHandles", ci, ii)
	if err != nil || inst.signal == nil {
		return nil, false
	}
	return inst.signal, true
}

// Reset abandons whatever the instance was doing, clears its failure and
// makes it idle.
func (d *Dispatcher[O, R]) Reset(ci, ii int) error {
	inst, err := d.instance("Reset", ci, ii)
	if err != nil {
		return err
	}
	if inst.excluded {
		return &StateError{Op: "Reset", Config: ci, Inst: ii, Step: inst.step, Reason: "instance excluded"}
	}
	d.releaseSignal(inst)
	inst.failure = nil
	inst.step = 0
	return nil
}

// Exclude releases the instance's resources; it never accepts work again.
func (d *Dispatcher[O, R]) Exclude(ci, ii int) error {
	inst, err := d.instance("Exclude", ci, ii)
	if err != nil {
		return err
	}
	if inst.excluded {
		return nil
	}
	d.releaseSignal(inst)
	inst.excluded = true
	d.log.Warn().Str("device", inst.Device.Name).Int("config", ci).Msg("device excluded")
	if err := inst.res.Release(); err != nil {
		return fmt.Errorf("release %s: %w", inst.Device, err)
	}
	return nil
}

func (d *Dispatcher[O, R]) releaseSignal(inst *Instance[R]) {
	if inst.signal != nil {
		inst.signal.Release()
		inst.signal = nil
	}
}

// Step returns the instance step, or -1 if there is no such instance.
func (d *Dispatcher[O, R]) Step(ci, ii int) int {
	inst, err := d.instance("Step", ci, ii)
	if err != nil {
		return -1
	}
	return inst.step
}

// Failed reports whether the instance holds an unresolved failure.
func (d *Dispatcher[O, R]) Failed(ci, ii int) bool {
	inst, err := d.instance("Failed", ci, ii)
	return err == nil && inst.failure != nil
}

// Excluded reports whether the instance was excluded.
func (d *Dispatcher[O, R]) Excluded(ci, ii int) bool {
	inst, err := d.instance("Excluded", ci, ii)
	return err == nil && inst.excluded
}

// DeviceOf returns the device of an instance.
func (d *Dispatcher[O, R]) DeviceOf(ci, ii int) (device.Device, bool) {
	inst, err := d.instance("DeviceOf", ci, ii)
	if err != nil {
		return device.Device{}, false
	}
	return inst.Device, true
}

// Groups returns the options of every configuration, by index.
func (d *Dispatcher[O, R]) Groups() []O {
	out := make([]O, len(d.groups))
	for i, g := range d.groups {
		out[i] = g.Options
	}
	return out
}

// Configs is the number of configurations.
func (d *Dispatcher[O, R]) Configs() int { return len(d.groups) }

// Instances is the number of instances of a configuration.
func (d *Dispatcher[O, R]) Instances(ci int) int {
	if ci < 0 || ci >= len(d.groups) {
		return 0
	}
	return len(d.groups[ci].Instances)
}

// HashCount is the number of hashes one step of configuration ci scans.
func (d *Dispatcher[O, R]) HashCount(ci int) uint32 {
	if ci < 0 || ci >= len(d.groups) {
		return 0
	}
	return d.groups[ci].Options.HashCount()
}

// DeviceUsedConfig returns the configuration a device runs, if any.
func (d *Dispatcher[O, R]) DeviceUsedConfig(dev device.Device) (int, bool) {
	for ci, g := range d.groups {
		for _, inst := range g.Instances {
			if inst.Device.Handle == dev.Handle && inst.Device.Platform == dev.Platform {
				return ci, true
			}
		}
	}
	return -1, false
}

// Close releases every signal, instance and context. It may be called with
// steps in flight; later calls are no-ops.
func (d *Dispatcher[O, R]) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs error
	for _, g := range d.groups {
		for _, inst := range g.Instances {
			d.releaseSignal(inst)
			if inst.excluded {
				continue
			}
			inst.excluded = true
			errs = multierr.Append(errs, inst.res.Release())
		}
	}
	for pi, ctx := range d.contexts {
		errs = multierr.Append(errs, ctx.Release())
		delete(d.contexts, pi)
	}
	d.log.Debug().Err(errs).Msg("dispatcher closed")
	return errs
}
