package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: miner not running
	Error string `json:"error" example:"miner not running"`
	// HTTP status code.
	// example: 503
	Code int `json:"code" example:"503"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall miner state (idle, running, stopped, error).
	// example: running
	State string `json:"state" example:"running"`
	// Algorithm name and version.
	// example: sha256d/1
	Algorithm string `json:"algorithm" example:"sha256d/1"`
	// Job identifier of the work unit currently being scanned.
	// example: static-2a
	Job string `json:"job,omitempty" example:"static-2a"`
	// Devices with a running, non-excluded pipeline.
	// example: 2
	ActiveDevices int `json:"active_devices" example:"2"`
	// Devices that were allocated, excluded ones included.
	// example: 3
	TotalDevices int `json:"total_devices" example:"3"`
	// Total nonces scanned since start.
	// example: 104857600
	Hashes uint64 `json:"hashes" example:"104857600"`
	// Average hashes per second since start.
	// example: 1747626.6
	HashRate float64 `json:"hash_rate" example:"1747626.6"`
	// Shares that passed host verification and were submitted.
	// example: 12
	Accepted uint64 `json:"accepted" example:"12"`
	// Nonces reported by devices that failed host verification.
	// example: 0
	Rejected uint64 `json:"rejected" example:"0"`
	// Waiter threads in the completion pool.
	// example: 3
	Waiters int `json:"waiters" example:"3"`
	// Waiter threads currently blocked on a device signal.
	// example: 2
	BusyWaiters int `json:"busy_waiters" example:"2"`
	// Uptime of the miner loop in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Last error observed by the miner (if any).
	LastError string `json:"last_error,omitempty"`
}

// DevicesResponse wraps the per-device view returned by GET /devices.
type DevicesResponse struct {
	Devices []DeviceStatus `json:"devices"`
}
