// Package stack assembles the mining pipeline from a config.Config: host
// driver, sha256d dispatcher, completion watcher, static work source and the
// miner loop on top.
package stack

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"minerd/internal/algo/sha256d"
	"minerd/internal/completion"
	"minerd/internal/config"
	"minerd/internal/device/host"
	"minerd/internal/dispatch"
	"minerd/internal/miner"
	"minerd/internal/work"
)

// Dispatcher is the dispatcher type every stack runs.
type Dispatcher = dispatch.Dispatcher[sha256d.Options, *sha256d.Resources]

// Stack owns every component Build created. Close releases them in order.
type Stack struct {
	Config      config.Config
	Driver      *host.Driver
	Dispatcher  *Dispatcher
	Watcher     *completion.Watcher
	Source      *work.StaticSource
	Miner       *miner.Miner
	Allocations []dispatch.Allocation
}

// Options tune Build beyond what the file config holds.
type Options struct {
	Sink      miner.ShareSink
	Publisher miner.EventPublisher
	Logger    zerolog.Logger
}

// ErrNoDevices is returned when no device can run any configuration.
var ErrNoDevices = errors.New("stack: no device can run any configuration")

// Build validates cfg, allocates every usable device and constructs the miner.
// Devices that fail allocation are logged and left out.
func Build(cfg config.Config, opts Options) (_ *Stack, err error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	budget, err := cfg.Budget()
	if err != nil {
		return nil, err
	}
	refresh, drain, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	src, err := work.NewStaticSource(cfg.Work, nil)
	if err != nil {
		return nil, fmt.Errorf("work: %w", err)
	}

	s := &Stack{Config: cfg, Source: src}
	s.Driver = host.New(cfg.Driver, log)
	algo := sha256d.New(log)
	s.Dispatcher = dispatch.New[sha256d.Options, *sha256d.Resources](algo, s.Driver, dispatch.WithLogger(log))
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	for i, raw := range cfg.Configs {
		if _, err := s.Dispatcher.AddConfiguration(raw); err != nil {
			return nil, fmt.Errorf("configs[%d]: %w", i, err)
		}
	}
	plats, err := s.Driver.Platforms()
	if err != nil {
		return nil, err
	}
	sel := s.Dispatcher.SelectDevices(plats)
	if sel.Len() == 0 {
		return nil, ErrNoDevices
	}
	allocs, aerr := s.Dispatcher.AllocateResources(sel)
	for _, e := range multierr.Errors(aerr) {
		if dev, ok := dispatch.FailedDevice(e); ok {
			log.Warn().Err(e).Str("device", dev.Name).Msg("device left out")
			continue
		}
		log.Warn().Err(e).Msg("allocation")
	}
	if len(allocs) == 0 {
		return nil, multierr.Append(ErrNoDevices, aerr)
	}
	s.Allocations = allocs

	s.Watcher = completion.New(completion.WithLogger(log))
	s.Miner, err = miner.NewWithConfig(miner.MinerConfig{
		Pipeline:       s.Dispatcher,
		Watcher:        s.Watcher,
		Source:         src,
		Sink:           opts.Sink,
		Publisher:      opts.Publisher,
		Logger:         log,
		Algorithm:      algo.Name() + "/" + algo.Version(),
		SkipNonceCheck: cfg.SkipNonceCheck,
		ErrorBudget:    budget,
		WorkRefresh:    refresh,
		DrainTimeout:   drain,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops the watcher's waiters, then releases every device resource.
// Call it only after Miner.Run has returned.
func (s *Stack) Close() error {
	if s.Watcher != nil {
		s.Watcher.Shutdown()
	}
	if s.Dispatcher != nil {
		return s.Dispatcher.Close()
	}
	return nil
}
