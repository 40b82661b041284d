package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"minerd/internal/config"
	"minerd/internal/httpapi"
	"minerd/internal/stack"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "minerd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("minerd", flag.ContinueOnError)
	// Flags with environment variable defaults
	configPath := fs.String("config", os.Getenv("MINERD_CONFIG"), "Config file (yaml, json or toml); searched for when empty")
	addr := fs.String("addr", os.Getenv("MINERD_ADDR"), "HTTP listen address, e.g. :8080 (overrides config)")
	logLevel := fs.String("log-level", "", "Log level (overrides config)")
	logFormat := fs.String("log-format", "", "Log format: console|json (overrides config)")
	skipCheck := fs.Bool("skip-nonce-check", false, "Submit device nonces without re-hashing them on the host")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, src, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *skipCheck {
		cfg.SkipNonceCheck = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	if src != "" {
		log.Info().Str("path", src).Msg("config loaded")
	}

	s, err := stack.Build(cfg, stack.Options{Logger: log})
	if err != nil {
		return err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(s.Miner),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("minerd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.Miner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if cerr := s.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("release devices")
	}
	log.Info().Uint64("hashes", s.Miner.Status().Hashes).Msg("minerd stopped")
	return err
}

// loadConfig reads path, or the first config found on the search path, or
// falls back to defaults. It returns the file actually read.
func loadConfig(path string) (config.Config, string, error) {
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, path, fmt.Errorf("config: %w", err)
	}
	return cfg, path, nil
}
