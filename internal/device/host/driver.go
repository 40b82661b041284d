// Package host is a software driver: every device is a set of goroutines on the
// local machine. Command queues are processed in order by one goroutine per
// queue and kernels fan out across ComputeUnits goroutines.
package host

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"minerd/internal/device"
)

// Defaults applied when the corresponding PlatformConfig fields are unset.
const (
	defaultDevices      = 1
	defaultMaxWorkGroup = 256
	defaultQueueDepth   = 64
)

// PlatformConfig describes one virtual platform.
type PlatformConfig struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Devices      int    `json:"devices" yaml:"devices" toml:"devices"`
	ComputeUnits int    `json:"compute_units" yaml:"compute_units" toml:"compute_units"`
	MaxWorkGroup int    `json:"max_work_group" yaml:"max_work_group" toml:"max_work_group"`
}

// Config lists the virtual platforms exposed by the driver. An empty list
// yields a single platform with one device.
type Config struct {
	Platforms []PlatformConfig `json:"platforms" yaml:"platforms" toml:"platforms"`
}

// Driver implements device.Driver.
type Driver struct {
	platforms []device.Platform
	log       zerolog.Logger
}

// New builds the platform list from cfg.
func New(cfg Config, log zerolog.Logger) *Driver {
	pcs := cfg.Platforms
	if len(pcs) == 0 {
		pcs = []PlatformConfig{{}}
	}
	d := &Driver{log: log.With().Str("driver", "host").Logger()}
	linear := 0
	for pi, pc := range pcs {
		name := pc.Name
		if name == "" {
			name = fmt.Sprintf("host-%d", pi)
		}
		n := pc.Devices
		if n <= 0 {
			n = defaultDevices
		}
		units := pc.ComputeUnits
		if units <= 0 {
			units = runtime.NumCPU()
		}
		wg := pc.MaxWorkGroup
		if wg <= 0 {
			wg = defaultMaxWorkGroup
		}
		p := device.Platform{Index: pi, Name: name, Vendor: "minerd", Version: "host 1.0"}
		for di := 0; di < n; di++ {
			p.Devices = append(p.Devices, device.Device{
				Platform:     pi,
				Index:        di,
				Linear:       linear,
				Name:         fmt.Sprintf("%s/cpu%d", name, di),
				Kind:         device.KindCPU,
				ComputeUnits: units,
				MaxWorkGroup: wg,
				Handle:       device.Handle(linear + 1),
			})
			linear++
		}
		d.platforms = append(d.platforms, p)
	}
	return d
}

func (d *Driver) Name() string { return "host" }

// Platforms returns a copy of the enumerated platforms.
func (d *Driver) Platforms() ([]device.Platform, error) {
	out := make([]device.Platform, len(d.platforms))
	for i, p := range d.platforms {
		p.Devices = append([]device.Device(nil), p.Devices...)
		out[i] = p
	}
	return out, nil
}

func (d *Driver) CreateContext(p device.Platform, devices []device.Device) (device.Context, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("host: context for platform %d has no devices", p.Index)
	}
	c := &hostContext{platform: p.Index, devices: make(map[device.Handle]device.Device, len(devices)), log: d.log}
	for _, dev := range devices {
		if !p.Owns(dev) {
			return nil, fmt.Errorf("%w: %s", device.ErrNotOwned, dev)
		}
		c.devices[dev.Handle] = dev
	}
	return c, nil
}

type hostContext struct {
	platform int
	devices  map[device.Handle]device.Device
	log      zerolog.Logger

	mu       sync.Mutex
	released bool
}

func (c *hostContext) Platform() int { return c.platform }

func (c *hostContext) NewQueue(dev device.Device) (device.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, device.ErrReleased
	}
	if _, ok := c.devices[dev.Handle]; !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotOwned, dev)
	}
	return newQueue(dev, defaultQueueDepth, c.log), nil
}

func (c *hostContext) NewBuffer(size int) (device.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, device.ErrReleased
	}
	if size <= 0 {
		return nil, fmt.Errorf("host: invalid buffer size %d", size)
	}
	return &buffer{mem: make([]byte, size)}, nil
}

func (c *hostContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return device.ErrReleased
	}
	c.released = true
	return nil
}

type buffer struct {
	mem []byte
	mu  sync.Mutex

	released bool
}

func (b *buffer) Size() int { return len(b.mem) }

func (b *buffer) view() device.Mem { return device.NewMem(b.mem, &b.mu) }

func (b *buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return device.ErrReleased
	}
	b.released = true
	return nil
}

func (b *buffer) live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.released
}
