package ctl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"minerd/internal/config"
	"minerd/internal/device/host"
	"minerd/internal/miner"
	"minerd/internal/stack"
	"minerd/internal/work"
	"minerd/pkg/types"
)

// Actions are variables so tests can stub them.
var (
	fnDevices     = devices
	fnBench       = bench
	fnVerify      = verify
	fnConfigCheck = configCheck
	fnStatus      = status
)

// loadConfig reads cfg.ConfigPath, or returns defaults when it is empty.
func loadConfig(cfg *Config) (config.Config, error) {
	if cfg.ConfigPath == "" {
		return config.Default(), nil
	}
	c, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return c, err
	}
	c.ApplyDefaults()
	return c, nil
}

// devices lists what the host driver exposes under the current config.
func devices(cfg *Config) error {
	c, err := loadConfig(cfg)
	if err != nil {
		return err
	}
	plats, err := host.New(c.Driver, cfg.logger()).Platforms()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cfg.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINEAR\tPLATFORM\tNAME\tKIND\tUNITS\tWORKGROUP")
	for _, p := range plats {
		for _, d := range p.Devices {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n", d.Linear, p.Name, d.Name, d.Kind, d.ComputeUnits, d.MaxWorkGroup)
		}
	}
	return tw.Flush()
}

// bench mines the static work for d and prints the hash rate.
func bench(cfg *Config, d time.Duration) error {
	c, err := loadConfig(cfg)
	if err != nil {
		return err
	}
	s, err := stack.Build(c, stack.Options{Logger: cfg.logger()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	runErr := s.Miner.Run(ctx)
	if err := s.Close(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	st := s.Miner.Status()
	fmt.Fprintf(cfg.out(), "devices=%d hashes=%d rate=%.0f H/s shares=%d rejected=%d\n",
		st.ActiveDevices, st.Hashes, st.HashRate, st.Accepted, st.Rejected)
	return nil
}

// verify re-hashes an 80-byte header with nonce patched in and checks the
// result against the header's own nBits target.
func verify(cfg *Config, headerHex string, nonce uint32) error {
	raw, err := hex.DecodeString(strings.TrimSpace(headerHex))
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if len(raw) != work.HeaderSize {
		return fmt.Errorf("header: want %d bytes, got %d", work.HeaderSize, len(raw))
	}
	var u work.Unit
	copy(u.Header[:], raw)
	hdr, err := u.BlockHeader()
	if err != nil {
		return err
	}
	if err := u.SetTarget(blockchain.CompactToBig(hdr.Bits)); err != nil {
		return err
	}
	h, ok := u.Check(nonce)
	fmt.Fprintf(cfg.out(), "hash=%s meets_target=%v\n", h, ok)
	if !ok {
		return fmt.Errorf("nonce %d does not meet target %08x", nonce, hdr.Bits)
	}
	return nil
}

// configCheck validates a config file, including every algorithm
// configuration, and prints the effective config.
func configCheck(cfg *Config, path string) error {
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	budget, err := c.Budget()
	if err != nil {
		return err
	}
	if budget != nil {
		if err := miner.ValidateErrorBudget(budget); err != nil {
			return err
		}
	}
	s, err := stack.Build(c, stack.Options{Logger: cfg.logger()})
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return err
	}
	enc := yaml.NewEncoder(cfg.out())
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// status fetches /status from a running daemon.
func status(cfg *Config) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(cfg.Addr, "/") + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return fmt.Errorf("status: %s %s", resp.Status, e.Error)
	}
	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	tw := tabwriter.NewWriter(cfg.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", st.State)
	fmt.Fprintf(tw, "algorithm\t%s\n", st.Algorithm)
	fmt.Fprintf(tw, "devices\t%d/%d\n", st.ActiveDevices, st.TotalDevices)
	fmt.Fprintf(tw, "hash rate\t%.0f H/s\n", st.HashRate)
	fmt.Fprintf(tw, "shares\t%d accepted, %d rejected\n", st.Accepted, st.Rejected)
	fmt.Fprintf(tw, "waiters\t%d (%d busy)\n", st.Waiters, st.BusyWaiters)
	if st.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", st.LastError)
	}
	return tw.Flush()
}

// logger writes to stderr at cfg.LogLvl.
func (c *Config) logger() zerolog.Logger {
	lvl, err := config.ParseLevel(c.LogLvl)
	if err != nil || c.LogLvl == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: c.errOut()}).Level(lvl).With().Timestamp().Logger()
}
