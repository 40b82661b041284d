package miner

import (
	"sort"

	"minerd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Miner) Status() types.StatusResponse {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:          string(m.state),
		Algorithm:      m.algorithm,
		Job:            m.job,
		TotalDevices:   len(m.devices),
		Hashes:         m.hashes,
		Accepted:       m.accepted,
		Rejected:       m.rejected,
		ServerTimeUnix: now.Unix(),
		LastError:      m.lastErr,
	}
	for _, d := range m.devices {
		if d.state != deviceExcluded {
			resp.ActiveDevices++
		}
	}
	if !m.startedAt.IsZero() {
		up := now.Sub(m.startedAt)
		resp.UptimeSeconds = int64(up.Seconds())
		if up > 0 {
			resp.HashRate = float64(m.hashes) / up.Seconds()
		}
	}
	if ps, ok := m.watcher.(poolStats); ok {
		resp.Waiters = ps.Size()
		resp.BusyWaiters = ps.Busy()
	}
	return resp
}

// Devices lists every allocated device ordered by linear index.
func (m *Miner) Devices() types.DevicesResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, types.DeviceStatus{
			Linear:    d.dev.Linear,
			Platform:  d.dev.Platform,
			Name:      d.dev.Name,
			Config:    d.config,
			State:     d.state,
			Hashes:    d.hashes,
			Accepted:  d.accepted,
			Rejected:  d.rejected,
			Errors:    d.errors,
			Suspect:   d.suspect,
			LastError: d.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Linear < out[j].Linear })
	return types.DevicesResponse{Devices: out}
}
