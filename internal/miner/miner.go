package miner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"minerd/internal/completion"
	"minerd/internal/device"
	"minerd/internal/dispatch"
	"minerd/internal/metrics"
	"minerd/internal/work"
)

// Pipeline is the part of a dispatch.Dispatcher the miner drives.
type Pipeline interface {
	Steps() int
	Configs() int
	Instances(ci int) int
	HashCount(ci int) uint32
	DeviceOf(ci, ii int) (device.Device, bool)
	Step(ci, ii int) int
	CanAcceptInput(ci, ii int) bool
	BeginStep(ci, ii int, wu work.Unit, prevHashes uint32) (uint32, error)
	Dispatch(ci, ii int) error
	ResultsAvailable(ci, ii int) (dispatch.Results, bool, error)
	GetWaitHandles(ci, ii int) (device.Signal, bool)
	Reset(ci, ii int) error
	Exclude(ci, ii int) error
}

// Watcher is the completion pool the miner registers signals with.
type Watcher interface {
	Watch(sig device.Signal) error
	Wait(ctx context.Context) ([]completion.Completion, error)
}

// poolStats is implemented by *completion.Watcher.
type poolStats interface {
	Size() int
	Busy() int
}

var (
	ErrAlreadyRunning = errors.New("miner: already running")
	ErrNoDevices      = errors.New("miner: no usable devices")
)

// State is the miner lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Device pipeline states reported by Devices.
const (
	deviceIdle     = "idle"
	deviceBusy     = "busy"
	deviceExcluded = "excluded"
)

// slot addresses one dispatcher instance.
type slot struct{ ci, ii int }

type deviceState struct {
	dev      device.Device
	config   int
	state    string
	hashes   uint64
	accepted uint64
	rejected uint64
	errors   uint64
	suspect  bool
	lastErr  string
	started  time.Time
}

// Miner is the control loop: it feeds idle instances, registers their result
// signals with the watcher, and harvests whatever completes.
type Miner struct {
	pipe        Pipeline
	watcher     Watcher
	source      work.Source
	sink        ShareSink
	pub         EventPublisher
	log         zerolog.Logger
	algorithm   string
	checkNonces bool
	workRefresh time.Duration
	waitSlice   time.Duration
	drain       time.Duration
	budget      *catrate.Limiter
	now         func() time.Time

	// owned by the Run goroutine
	slots    []slot
	owners   map[device.Signal]slot
	cur      work.Unit
	haveWork bool
	cursor   uint64
	workAt   time.Time

	running atomic.Bool

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	devices   map[int]*deviceState // by linear index
	hashes    uint64
	accepted  uint64
	rejected  uint64
	job       string
	lastErr   string
}

// indexInstances records every allocated instance in config order.
func (m *Miner) indexInstances() {
	for ci := 0; ci < m.pipe.Configs(); ci++ {
		for ii := 0; ii < m.pipe.Instances(ci); ii++ {
			dev, ok := m.pipe.DeviceOf(ci, ii)
			if !ok {
				continue
			}
			m.slots = append(m.slots, slot{ci, ii})
			m.devices[dev.Linear] = &deviceState{dev: dev, config: ci, state: deviceIdle}
		}
	}
	metrics.ActiveDevices.Set(float64(len(m.slots)))
}

func (m *Miner) device(s slot) *deviceState {
	dev, _ := m.pipe.DeviceOf(s.ci, s.ii)
	return m.devices[dev.Linear]
}

// Ready reports whether the loop runs with at least one usable device.
func (m *Miner) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return false
	}
	for _, d := range m.devices {
		if d.state != deviceExcluded {
			return true
		}
	}
	return false
}

// State returns the lifecycle state.
func (m *Miner) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Miner) setState(s State) {
	m.mu.Lock()
	m.state = s
	if s == StateRunning {
		m.startedAt = m.now()
	}
	m.mu.Unlock()
}

func (m *Miner) active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.devices {
		if d.state != deviceExcluded {
			n++
		}
	}
	return n
}
