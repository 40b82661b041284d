package dispatch

import (
	"minerd/internal/device"
	"minerd/internal/work"
)

// Blob sizes shared by every algorithm.
const (
	// WorkBlobSize is the header, its midstate and padding.
	WorkBlobSize = 128
	// DispatchBlobSize holds five words: hash count, target high and low
	// halves, nonce capacity and nonce base.
	DispatchBlobSize = 20
	// MidstateSize is the length of an algorithm midstate in the work blob.
	MidstateSize = 32
)

// Options is a resolved, comparable parameter set. Devices whose chosen
// Options compare equal share a ConfigGroup.
type Options interface {
	comparable
	// HashCount is the number of nonces scanned per step.
	HashCount() uint32
	// MaxNonces is the capacity of the device result buffer.
	MaxNonces() uint32
}

// DeviceResources are the native handles every algorithm needs. Algorithms
// embed them in their own resource type.
type DeviceResources struct {
	Queue    device.Queue
	Work     device.Buffer // WorkBlobSize bytes
	Dispatch device.Buffer // DispatchBlobSize bytes
	// Nonces holds the match count in word 0 followed by MaxNonces slots.
	Nonces device.Buffer
	// Mapped is the host copy Nonces is read back into.
	Mapped []byte
}

// Resources is one device's algorithm-specific native state.
type Resources interface {
	Common() *DeviceResources
	// Release frees every handle. It is called exactly once.
	Release() error
}

// Algorithm is a concrete hashing pipeline the Dispatcher drives.
type Algorithm[O Options, R Resources] interface {
	Name() string
	Version() string
	// Steps is the number of kernel stages; it does not change.
	Steps() int
	ParseConfig(raw map[string]any) (O, error)
	// ChooseConfig picks the best entry of configs for dev, or reports none.
	ChooseConfig(dev device.Device, configs []O) (int, bool)
	// BuildDeviceResources must release whatever it created when it fails.
	BuildDeviceResources(ctx device.Context, dev device.Device, opts O) (R, error)
	Midstate(header [work.HeaderSize]byte) [MidstateSize]byte
	// EnqueueStep issues the native work of stage step (1-based).
	EnqueueStep(step int, res R, opts O) error
}

// Instance is one device's pipeline.
type Instance[R Resources] struct {
	Device device.Device

	res       R
	step      int
	signal    device.Signal
	work      work.Unit
	nonceBase uint32
	failure   error
	excluded  bool
}

// ConfigGroup is every device running one Options value.
type ConfigGroup[O Options, R Resources] struct {
	Options   O
	Instances []*Instance[R]
}

// Selection assigns devices to configuration indices. Platforms are kept so
// allocation can create one context per platform.
type Selection struct {
	Platforms []device.Platform
	Assigned  map[int][]device.Device
}

// Len is the number of selected devices.
func (s Selection) Len() int {
	n := 0
	for _, devs := range s.Assigned {
		n += len(devs)
	}
	return n
}

// Allocation is a configuration that realized at least one instance.
type Allocation struct {
	Config    int
	Instances int
}

// Results are the harvest of one completed step.
type Results struct {
	Device    device.Device
	Work      work.Unit
	NonceBase uint32
	Nonces    []uint32
}
