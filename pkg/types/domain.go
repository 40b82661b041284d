package types

// DeviceStatus summarizes one device's pipeline.
type DeviceStatus struct {
	// Index across all platforms.
	// example: 0
	Linear int `json:"linear" example:"0"`
	// Platform ordinal.
	// example: 0
	Platform int `json:"platform" example:"0"`
	// Device name as enumerated.
	// example: host-0.0
	Name string `json:"name" example:"host-0.0"`
	// Configuration index the device runs.
	// example: 0
	Config int `json:"config" example:"0"`
	// Pipeline state: idle, busy, excluded.
	// example: busy
	State string `json:"state" example:"busy"`
	// Nonces scanned on this device.
	// example: 52428800
	Hashes uint64 `json:"hashes" example:"52428800"`
	// Shares found on this device that passed verification.
	// example: 6
	Accepted uint64 `json:"accepted" example:"6"`
	// Nonces from this device that failed verification.
	// example: 0
	Rejected uint64 `json:"rejected" example:"0"`
	// Device errors (compute, overflow, waiter) since start.
	// example: 1
	Errors uint64 `json:"errors" example:"1"`
	// True once a waiter died on one of the device's signals.
	Suspect bool `json:"suspect,omitempty"`
	// Last error observed on the device.
	LastError string `json:"last_error,omitempty"`
}
