package e2e

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/config"
	"minerd/internal/device/host"
	"minerd/internal/httpapi"
	"minerd/internal/miner"
	"minerd/internal/stack"
)

// collectSink keeps every submitted share.
type collectSink struct {
	mu     sync.Mutex
	shares []miner.Share
}

func (c *collectSink) Submit(_ context.Context, s miner.Share) error {
	c.mu.Lock()
	c.shares = append(c.shares, s)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shares)
}

func baseConfig() config.Config {
	return config.Config{
		Driver:       host.Config{Platforms: []host.PlatformConfig{{Devices: 2, ComputeUnits: 4}}},
		Configs:      []map[string]any{{"concurrency": 256, "max_nonces": 64}},
		WorkRefresh:  "1s",
		DrainTimeout: "2s",
	}
}

type rig struct {
	srv   *httptest.Server
	stack *stack.Stack
	stop  func() error
}

// newServerForConfig builds the stack, starts the miner and serves its API.
// stop cancels the miner, waits for it and releases the devices.
func newServerForConfig(t *testing.T, cfg config.Config, opts stack.Options) *rig {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s, err := stack.Build(cfg, opts)
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(s.Miner))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Miner.Run(ctx) }()

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("miner did not stop")
			}
			if err := s.Close(); err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return &rig{srv: srv, stack: s, stop: stop}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
