package miner

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"minerd/internal/device"
	"minerd/internal/work"
)

// Defaults applied when corresponding MinerConfig fields are unset.
const (
	defaultWorkRefresh = 30 * time.Second
	defaultWaitSlice   = time.Second
	defaultDrain       = 5 * time.Second
)

// DefaultErrorBudget allows three device errors a minute and ten an hour
// before the device is excluded.
func DefaultErrorBudget() map[time.Duration]int {
	return map[time.Duration]int{
		time.Minute: 3,
		time.Hour:   10,
	}
}

// MinerConfig encapsulates all tunables for Miner construction.
type MinerConfig struct {
	Pipeline  Pipeline
	Watcher   Watcher
	Source    work.Source
	Sink      ShareSink
	Publisher EventPublisher
	Logger    zerolog.Logger
	// Algorithm is reported by Status.
	Algorithm string

	// SkipNonceCheck submits device nonces without re-hashing them on the host.
	SkipNonceCheck bool
	// ErrorBudget is the number of compute errors tolerated per window, per
	// device. Exceeding it excludes the device.
	ErrorBudget map[time.Duration]int
	// WorkRefresh is how long a work unit is used before a fresh one is pulled
	// even if its nonce space is not exhausted.
	WorkRefresh time.Duration
	// WaitSlice bounds each blocking wait so the loop notices stale work.
	WaitSlice time.Duration
	// DrainTimeout bounds how long Run waits for in-flight steps after its
	// context is cancelled.
	DrainTimeout time.Duration
}

// NewWithConfig constructs a Miner from MinerConfig.
func NewWithConfig(cfg MinerConfig) (*Miner, error) {
	if cfg.Pipeline == nil || cfg.Watcher == nil || cfg.Source == nil {
		return nil, fmt.Errorf("miner: pipeline, watcher and work source are required")
	}
	m := &Miner{
		pipe:        cfg.Pipeline,
		watcher:     cfg.Watcher,
		source:      cfg.Source,
		sink:        cfg.Sink,
		pub:         cfg.Publisher,
		log:         cfg.Logger,
		algorithm:   cfg.Algorithm,
		checkNonces: !cfg.SkipNonceCheck,
		workRefresh: cfg.WorkRefresh,
		waitSlice:   cfg.WaitSlice,
		drain:       cfg.DrainTimeout,
		state:       StateIdle,
		owners:      make(map[device.Signal]slot),
		devices:     make(map[int]*deviceState),
		now:         time.Now,
	}
	// Apply defaults if unset
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	if m.sink == nil {
		m.sink = NewLogSink(cfg.Logger)
	}
	if m.workRefresh <= 0 {
		m.workRefresh = defaultWorkRefresh
	}
	if m.waitSlice <= 0 {
		m.waitSlice = defaultWaitSlice
	}
	if m.drain <= 0 {
		m.drain = defaultDrain
	}
	budget := cfg.ErrorBudget
	if len(budget) == 0 {
		budget = DefaultErrorBudget()
	}
	lim, err := newBudget(budget)
	if err != nil {
		return nil, err
	}
	m.budget = lim
	m.indexInstances()
	return m, nil
}

// newBudget builds the per-device limiter; catrate panics on rates it cannot
// enforce.
func newBudget(rates map[time.Duration]int) (lim *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("miner: error budget %v: %v", rates, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// ValidateErrorBudget reports whether rates can be used as an error budget.
func ValidateErrorBudget(rates map[time.Duration]int) error {
	_, err := newBudget(rates)
	return err
}
