// Package device describes compute platforms and the opaque native handles the
// dispatcher drives: contexts, in-order command queues, buffers and one-shot
// completion signals.
//
// Drivers own the handles. Every handle is released exactly once by whoever
// created or received it; nothing here is reference counted.
package device

import (
	"errors"
	"strconv"
)

// Handle is an opaque driver-assigned identifier.
type Handle uintptr

// Kind is a coarse device class.
type Kind string

const (
	KindCPU         Kind = "cpu"
	KindGPU         Kind = "gpu"
	KindAccelerator Kind = "accelerator"
)

// Device is one physical (or virtual) compute unit as reported by enumeration.
// It is a value: the core never mutates it.
type Device struct {
	Platform     int // platform ordinal
	Index        int // index within the platform
	Linear       int // index across all platforms
	Name         string
	Kind         Kind
	ComputeUnits int
	MaxWorkGroup int
	Handle       Handle
}

func (d Device) String() string {
	return "device#" + strconv.Itoa(d.Linear) + " (" + d.Name + ", platform " + strconv.Itoa(d.Platform) + ")"
}

// Platform groups the devices sharing one driver implementation.
type Platform struct {
	Index   int
	Name    string
	Vendor  string
	Version string
	Devices []Device
}

// Owns reports whether dev was enumerated under this platform.
func (p Platform) Owns(dev Device) bool {
	if dev.Platform != p.Index {
		return false
	}
	for _, d := range p.Devices {
		if d.Handle == dev.Handle {
			return true
		}
	}
	return false
}

// Status is the execution status of an asynchronous operation. Values <= 0 are
// terminal, negative values are errors.
type Status int32

const (
	StatusComplete  Status = 0
	StatusRunning   Status = 1
	StatusSubmitted Status = 2
	StatusQueued    Status = 3

	StatusFailed          Status = -1
	StatusOutOfResources  Status = -5
	StatusExecutionFailed Status = -14
)

// Done reports whether the operation reached a terminal state.
func (s Status) Done() bool { return s <= StatusComplete }

// Failed reports whether the operation terminated with an error.
func (s Status) Failed() bool { return s < StatusComplete }

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusRunning:
		return "running"
	case StatusSubmitted:
		return "submitted"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusOutOfResources:
		return "out_of_resources"
	case StatusExecutionFailed:
		return "execution_failed"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

var (
	// ErrReleased is returned when a handle is used after Release.
	ErrReleased = errors.New("device: handle released")
	// ErrExecStatus is returned by Signal.Wait when the awaited operation
	// terminated with an error status. Probe Status for the code.
	ErrExecStatus = errors.New("device: execution status error for signal in wait list")
	// ErrNotOwned is returned when a device is passed to a context of another platform.
	ErrNotOwned = errors.New("device: device not owned by platform")
)

// Signal is a one-shot completion primitive for one asynchronous operation.
//
// Wait blocks the calling OS thread until the operation terminates. It cannot
// be cancelled and multiple signals cannot be waited on together; callers that
// need "any of" semantics use one blocked thread per signal.
type Signal interface {
	Wait() error
	// Status probes without blocking.
	Status() (Status, error)
	Release()
}

// Buffer is device memory.
type Buffer interface {
	Size() int
	Release() error
}

// Queue is an in-order command queue bound to one device.
type Queue interface {
	Device() Device
	// Write copies src into b at offset. It returns once the copy is done.
	Write(b Buffer, offset int, src []byte) error
	// Enqueue schedules k over global work items with args bound in order.
	Enqueue(k Kernel, global uint32, args ...Buffer) error
	// Read schedules a copy of b into dst; the returned signal completes once
	// dst holds the data. dst must not be touched before that.
	Read(b Buffer, dst []byte) (Signal, error)
	Release() error
}

// Context spans the devices of one platform. Signals of queues created from
// the same context may be waited on across devices.
type Context interface {
	Platform() int
	NewQueue(dev Device) (Queue, error)
	NewBuffer(size int) (Buffer, error)
	Release() error
}

// Driver enumerates platforms and creates contexts.
type Driver interface {
	Name() string
	Platforms() ([]Platform, error)
	CreateContext(p Platform, devices []Device) (Context, error)
}
