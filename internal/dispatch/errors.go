package dispatch

import (
	"errors"
	"fmt"

	"minerd/internal/device"
)

// ConfigurationError reports settings the algorithm could not parse.
type ConfigurationError struct {
	Algorithm string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: bad configuration: %v", e.Algorithm, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// AllocationError reports a device whose native resources could not be built.
// The device is left out of the run.
type AllocationError struct {
	Device device.Device
	Op     string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s on %s: %v", e.Op, e.Device, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// IsAllocationError reports whether err carries an AllocationError.
func IsAllocationError(err error) bool {
	var ae *AllocationError
	return errors.As(err, &ae)
}

// StateError reports a call made out of order. Nothing was changed.
type StateError struct {
	Op     string
	Config int
	Inst   int
	Step   int
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s [%d,%d] at step %d: %s", e.Op, e.Config, e.Inst, e.Step, e.Reason)
}

// IsStateError reports whether err carries a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// ComputeError reports a native failure on a device. The instance keeps its
// step; the caller decides between Reset and Exclude.
type ComputeError struct {
	Device device.Device
	Step   int
	Op     string
	Status device.Status
	Err    error
}

func (e *ComputeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s on %s at step %d: status %s", e.Op, e.Device, e.Step, e.Status)
	}
	return fmt.Sprintf("%s on %s at step %d: %v", e.Op, e.Device, e.Step, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// OverflowError is a ComputeError where the device found more nonces than the
// result buffer holds. The instance is not reset.
type OverflowError struct {
	Device   device.Device
	Found    uint32
	Capacity uint32
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s found %d nonces, but only %d could be stored", e.Device, e.Found, e.Capacity)
}

// IsOverflow reports whether err carries an OverflowError.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}

// IsComputeError reports whether err is a device-side failure, overflows included.
func IsComputeError(err error) bool {
	var ce *ComputeError
	return errors.As(err, &ce) || IsOverflow(err)
}

// FailedDevice extracts the device from a ComputeError, OverflowError or AllocationError.
func FailedDevice(err error) (device.Device, bool) {
	var ce *ComputeError
	if errors.As(err, &ce) {
		return ce.Device, true
	}
	var oe *OverflowError
	if errors.As(err, &oe) {
		return oe.Device, true
	}
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae.Device, true
	}
	return device.Device{}, false
}
