// Package sha256d implements Bitcoin's double SHA-256 as a two-stage pipeline:
// a hashing stage resuming from a host-computed midstate and a compare stage
// collecting nonces whose hash meets the share target.
package sha256d

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"minerd/internal/device"
	"minerd/internal/dispatch"
	"minerd/internal/work"
)

const (
	name    = "sha256d"
	version = "1"
	steps   = 2
)

// Resources are one device's buffers. Hashes is the scratch area between the
// two stages.
type Resources struct {
	dispatch.DeviceResources
	Hashes device.Buffer
}

func (r *Resources) Common() *dispatch.DeviceResources { return &r.DeviceResources }

// Release stops the queue first so no command touches a released buffer.
func (r *Resources) Release() error {
	return multierr.Combine(
		r.Queue.Release(),
		r.Hashes.Release(),
		r.Nonces.Release(),
		r.Dispatch.Release(),
		r.Work.Release(),
	)
}

// Algorithm implements dispatch.Algorithm.
type Algorithm struct {
	log zerolog.Logger
}

// New returns the algorithm. A zero logger is fine.
func New(log zerolog.Logger) *Algorithm {
	return &Algorithm{log: log.With().Str("algo", name).Logger()}
}

var _ dispatch.Algorithm[Options, *Resources] = (*Algorithm)(nil)

func (a *Algorithm) Name() string    { return name }
func (a *Algorithm) Version() string { return version }
func (a *Algorithm) Steps() int      { return steps }

func (a *Algorithm) ParseConfig(raw map[string]any) (Options, error) {
	return parseOptions(raw)
}

// ChooseConfig picks the configuration with the highest MinComputeUnits the
// device satisfies; ties go to the earlier configuration.
func (a *Algorithm) ChooseConfig(dev device.Device, configs []Options) (int, bool) {
	best := -1
	for i, c := range configs {
		if c.MinComputeUnits > dev.ComputeUnits {
			continue
		}
		if dev.MaxWorkGroup > 0 && int(c.WorkSize) > dev.MaxWorkGroup {
			continue
		}
		if best < 0 || c.MinComputeUnits > configs[best].MinComputeUnits {
			best = i
		}
	}
	return best, best >= 0
}

// BuildDeviceResources creates the queue and buffers. On failure whatever was
// created is released and its release errors are appended.
func (a *Algorithm) BuildDeviceResources(ctx device.Context, dev device.Device, opts Options) (_ *Resources, err error) {
	r := &Resources{}
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			err = multierr.Append(err, undo[i]())
		}
	}()

	if r.Queue, err = ctx.NewQueue(dev); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	undo = append(undo, r.Queue.Release)

	buffers := []struct {
		dst  *device.Buffer
		what string
		size int
	}{
		{&r.Work, "work", dispatch.WorkBlobSize},
		{&r.Dispatch, "dispatch", dispatch.DispatchBlobSize},
		{&r.Hashes, "hashes", 8 * int(opts.Concurrency)},
		{&r.Nonces, "nonces", 4 * (1 + int(opts.NonceSlots))},
	}
	for _, b := range buffers {
		buf, berr := ctx.NewBuffer(b.size)
		if berr != nil {
			return nil, fmt.Errorf("%s buffer: %w", b.what, berr)
		}
		*b.dst = buf
		undo = append(undo, buf.Release)
	}
	r.Mapped = make([]byte, 4*(1+int(opts.NonceSlots)))

	a.log.Debug().Str("device", dev.Name).Uint32("concurrency", opts.Concurrency).Msg("resources built")
	return r, nil
}

func (a *Algorithm) Midstate(header [work.HeaderSize]byte) [dispatch.MidstateSize]byte {
	return midstate(header[:])
}

func (a *Algorithm) EnqueueStep(step int, res *Resources, opts Options) error {
	switch step {
	case 1:
		return res.Queue.Enqueue(hashKernel, opts.Concurrency, res.Work, res.Dispatch, res.Hashes)
	case 2:
		return res.Queue.Enqueue(compareKernel, opts.Concurrency, res.Dispatch, res.Hashes, res.Nonces)
	}
	return fmt.Errorf("%s: no stage %d", name, step)
}
