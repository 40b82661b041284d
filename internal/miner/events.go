package miner

// Event names published by the miner.
const (
	EventStarted        = "started"
	EventStopped        = "stopped"
	EventComputeError   = "compute_error"
	EventOverflow       = "nonce_overflow"
	EventWaiterFailed   = "waiter_failed"
	EventDeviceExcluded = "device_excluded"
	EventShareFound     = "share_found"
	EventShareRejected  = "share_rejected"
	EventWorkExhausted  = "work_exhausted"
)

// Event is a miner lifecycle event. Device is the linear device index or -1.
type Event struct {
	Name   string
	Device int
	Fields map[string]any
}

// EventPublisher receives events from the miner. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
