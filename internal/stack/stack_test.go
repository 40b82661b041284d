package stack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/config"
	"minerd/internal/device/host"
	"minerd/internal/miner"
)

func smallConfig() config.Config {
	return config.Config{
		Driver: host.Config{Platforms: []host.PlatformConfig{{Devices: 2, ComputeUnits: 2}}},
		Configs: []map[string]any{
			{"concurrency": 256},
			{"concurrency": 1024, "min_compute_units": 16},
		},
		WorkRefresh:  "1s",
		DrainTimeout: "1s",
	}
}

func TestBuildAllocatesEveryDevice(t *testing.T) {
	s, err := Build(smallConfig(), Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer s.Close()

	if len(s.Allocations) != 1 || s.Allocations[0].Config != 0 || s.Allocations[0].Instances != 2 {
		t.Fatalf("allocations = %+v", s.Allocations)
	}
	st := s.Miner.Status()
	if st.TotalDevices != 2 || st.Algorithm != "sha256d/1" || st.State != string(miner.StateIdle) {
		t.Fatalf("status = %+v", st)
	}
}

func TestBuildRunsAndStops(t *testing.T) {
	pub := miner.NewMemoryPublisher()
	s, err := Build(smallConfig(), Options{Logger: zerolog.Nop(), Publisher: pub})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.Miner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Miner.Status().Hashes == 0 {
		t.Fatal("no hashes scanned")
	}
	if len(pub.Named(miner.EventStopped)) != 1 {
		t.Fatalf("events = %+v", pub.Events())
	}
}

func TestBuildRejectsUnusableConfigs(t *testing.T) {
	cfg := smallConfig()
	cfg.Configs = []map[string]any{{"concurrency": 256, "min_compute_units": 64}}
	if _, err := Build(cfg, Options{Logger: zerolog.Nop()}); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("err = %v, want ErrNoDevices", err)
	}

	cfg = smallConfig()
	cfg.Configs = []map[string]any{{"threads": 4}}
	if _, err := Build(cfg, Options{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected error for unknown algorithm key")
	}

	cfg = smallConfig()
	cfg.LogFormat = "xml"
	if _, err := Build(cfg, Options{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected validation error")
	}
}
