package miner

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"minerd/internal/completion"
	"minerd/internal/dispatch"
	"minerd/internal/metrics"
	"minerd/internal/work"
)

// nonceSpace is the number of nonces in one work unit.
const nonceSpace = 1 << 32

// Run drives the pipeline until ctx is cancelled, then waits up to the drain
// timeout for steps still in flight. It returns nil on cancellation.
func (m *Miner) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.setState(StateRunning)
	m.pub.Publish(Event{Name: EventStarted, Device: -1, Fields: map[string]any{"devices": len(m.slots)}})
	m.log.Info().Int("devices", len(m.slots)).Msg("miner started")

	err := m.loop(ctx)
	m.drainOutstanding()

	final := StateStopped
	if err != nil {
		final = StateError
		m.mu.Lock()
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.log.Error().Err(err).Msg("miner stopped")
	} else {
		m.log.Info().Msg("miner stopped")
	}
	m.setState(final)
	m.pub.Publish(Event{Name: EventStopped, Device: -1})
	return err
}

func (m *Miner) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if m.active() == 0 {
			return ErrNoDevices
		}
		if err := m.feed(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wctx, cancel := context.WithTimeout(ctx, m.waitSlice)
		batch, err := m.watcher.Wait(wctx)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			return fmt.Errorf("wait: %w", err)
		}
		for _, c := range batch {
			m.complete(ctx, c)
		}
	}
}

// feed starts a step on every idle instance and hands its result signal to
// the watcher.
func (m *Miner) feed(ctx context.Context) error {
	for _, s := range m.slots {
		if !m.pipe.CanAcceptInput(s.ci, s.ii) {
			continue
		}
		wu, base, err := m.nextNonces(ctx, m.pipe.HashCount(s.ci))
		if err != nil {
			return fmt.Errorf("work: %w", err)
		}
		if _, err := m.pipe.BeginStep(s.ci, s.ii, wu, base); err != nil {
			m.fail(s, err)
			continue
		}
		for m.pipe.Step(s.ci, s.ii) <= m.pipe.Steps() {
			if err = m.pipe.Dispatch(s.ci, s.ii); err != nil {
				break
			}
		}
		if err != nil {
			m.fail(s, err)
			continue
		}
		sig, ok := m.pipe.GetWaitHandles(s.ci, s.ii)
		if !ok {
			m.fail(s, fmt.Errorf("instance [%d,%d] has no result signal", s.ci, s.ii))
			continue
		}
		if err := m.watcher.Watch(sig); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		m.owners[sig] = s

		m.mu.Lock()
		d := m.device(s)
		d.state = deviceBusy
		d.started = m.now()
		m.job = wu.Job
		m.mu.Unlock()
	}
	return nil
}

// nextNonces hands out the next HashCount nonces of the current work unit,
// pulling a new unit when the nonce space runs out or the unit is stale.
func (m *Miner) nextNonces(ctx context.Context, count uint32) (work.Unit, uint32, error) {
	exhausted := m.haveWork && m.cursor+uint64(count) > nonceSpace
	stale := m.haveWork && m.now().Sub(m.workAt) >= m.workRefresh
	if !m.haveWork || exhausted || stale {
		if exhausted {
			m.pub.Publish(Event{Name: EventWorkExhausted, Device: -1, Fields: map[string]any{"job": m.cur.Job}})
		}
		wu, err := m.source.Next(ctx)
		if err != nil {
			return work.Unit{}, 0, err
		}
		m.cur, m.haveWork, m.cursor, m.workAt = wu, true, 0, m.now()
		m.log.Debug().Str("job", wu.Job).Uint64("nonce2", wu.Nonce2).Msg("new work")
	}
	base := uint32(m.cursor)
	m.cursor += uint64(count)
	return m.cur, base, nil
}

// complete maps a finished signal back to its instance and harvests it.
func (m *Miner) complete(ctx context.Context, c completion.Completion) {
	s, ok := m.owners[c.Signal]
	if !ok {
		m.log.Warn().Msg("completion for unknown signal")
		return
	}
	delete(m.owners, c.Signal)

	if completion.IsFatal(c.Err) {
		m.mu.Lock()
		d := m.device(s)
		d.suspect = true
		linear := d.dev.Linear
		m.mu.Unlock()
		m.pub.Publish(Event{Name: EventWaiterFailed, Device: linear, Fields: map[string]any{"error": c.Err.Error()}})
		m.fail(s, c.Err)
		return
	}

	res, ok, err := m.pipe.ResultsAvailable(s.ci, s.ii)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !ok {
		m.fail(s, fmt.Errorf("signal completed with status %s but results are not ready", c.Status))
		return
	}
	m.harvest(ctx, s, res)
}

// harvest accounts the scanned hashes and submits every verified nonce.
func (m *Miner) harvest(ctx context.Context, s slot, res dispatch.Results) {
	label := strconv.Itoa(res.Device.Linear)
	hashes := uint64(m.pipe.HashCount(s.ci))
	metrics.Hashes.WithLabelValues(label).Add(float64(hashes))

	m.mu.Lock()
	d := m.device(s)
	metrics.ScanDuration.WithLabelValues(label).Observe(m.now().Sub(d.started).Seconds())
	d.state = deviceIdle
	d.hashes += hashes
	m.hashes += hashes
	m.mu.Unlock()

	for _, nonce := range res.Nonces {
		sh := Share{
			Job:    res.Work.Job,
			Nonce2: res.Work.Nonce2,
			NTime:  res.Work.NTime(),
			Nonce:  nonce,
			Device: res.Device.Linear,
		}
		if m.checkNonces {
			h, good := res.Work.Check(nonce)
			if !good {
				metrics.Results.WithLabelValues(label, "rejected").Inc()
				m.count(s, false)
				m.log.Warn().Int("device", res.Device.Linear).Uint32("nonce", nonce).Str("hash", h.String()).Msg("device nonce fails target")
				m.pub.Publish(Event{Name: EventShareRejected, Device: res.Device.Linear, Fields: map[string]any{"nonce": nonce}})
				continue
			}
			sh.Hash = h
		}
		if err := m.sink.Submit(ctx, sh); err != nil {
			metrics.Results.WithLabelValues(label, "submit_error").Inc()
			m.log.Warn().Err(err).Int("device", res.Device.Linear).Uint32("nonce", nonce).Msg("share submit failed")
			continue
		}
		metrics.Results.WithLabelValues(label, "accepted").Inc()
		m.count(s, true)
		m.pub.Publish(Event{Name: EventShareFound, Device: res.Device.Linear, Fields: map[string]any{"job": sh.Job, "nonce": nonce}})
	}
}

func (m *Miner) count(s slot, accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.device(s)
	if accepted {
		d.accepted++
		m.accepted++
	} else {
		d.rejected++
		m.rejected++
	}
}

// fail applies the error policy: overflows are reset, other device errors
// are retried while the device's error budget lasts and excluded after.
func (m *Miner) fail(s slot, err error) {
	m.mu.Lock()
	d := m.device(s)
	d.errors++
	d.lastErr = err.Error()
	dev := d.dev
	m.mu.Unlock()

	label := strconv.Itoa(dev.Linear)
	kind := errorKind(err)
	metrics.DeviceErrors.WithLabelValues(label, kind).Inc()

	if dispatch.IsOverflow(err) {
		m.log.Warn().Err(err).Int("device", dev.Linear).Msg("result buffer overflow, restarting step")
		m.pub.Publish(Event{Name: EventOverflow, Device: dev.Linear, Fields: map[string]any{"error": err.Error()}})
		m.reset(s, dev.Linear)
		return
	}

	m.pub.Publish(Event{Name: EventComputeError, Device: dev.Linear, Fields: map[string]any{"error": err.Error(), "kind": kind}})
	if _, ok := m.budget.Allow(dev.Linear); ok {
		m.log.Warn().Err(err).Int("device", dev.Linear).Msg("device error, retrying")
		m.reset(s, dev.Linear)
		return
	}

	m.log.Error().Err(err).Int("device", dev.Linear).Msg("device error budget exhausted, excluding")
	if xerr := m.pipe.Exclude(s.ci, s.ii); xerr != nil {
		m.log.Warn().Err(xerr).Int("device", dev.Linear).Msg("exclude")
	}
	m.mu.Lock()
	m.device(s).state = deviceExcluded
	m.mu.Unlock()
	metrics.ActiveDevices.Set(float64(m.active()))
	m.pub.Publish(Event{Name: EventDeviceExcluded, Device: dev.Linear})
}

func (m *Miner) reset(s slot, linear int) {
	if err := m.pipe.Reset(s.ci, s.ii); err != nil {
		m.log.Warn().Err(err).Int("device", linear).Msg("reset")
	}
	m.mu.Lock()
	m.device(s).state = deviceIdle
	m.mu.Unlock()
}

func errorKind(err error) string {
	switch {
	case completion.IsFatal(err):
		return "waiter"
	case dispatch.IsOverflow(err):
		return "overflow"
	case dispatch.IsComputeError(err):
		return "compute"
	case dispatch.IsStateError(err):
		return "state"
	}
	return "other"
}

// drainOutstanding harvests steps still in flight so their shares are not
// lost. Nothing new is started.
func (m *Miner) drainOutstanding() {
	if len(m.owners) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.drain)
	defer cancel()
	for len(m.owners) > 0 {
		batch, err := m.watcher.Wait(ctx)
		if err != nil {
			m.log.Warn().Err(err).Int("outstanding", len(m.owners)).Msg("drain abandoned")
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			m.complete(ctx, c)
		}
	}
}
