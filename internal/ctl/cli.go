// Package ctl is the minerctl command tree.
package ctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Config holds the persistent flags.
type Config struct {
	ConfigPath string
	Addr       string
	LogLvl     string

	Out io.Writer
	Err io.Writer
}

func (c *Config) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *Config) errOut() io.Writer {
	if c.Err == nil {
		return os.Stderr
	}
	return c.Err
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// defaultConfig reads flag defaults from the environment.
func defaultConfig() *Config {
	return &Config{
		ConfigPath: os.Getenv("MINERD_CONFIG"),
		Addr:       envStr("MINERD_URL", "http://localhost:8080"),
		LogLvl:     envStr("MINERCTL_LOG_LEVEL", "warn"),
	}
}

// buildRootCmdWith constructs the command tree wired to the fn* actions.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "minerctl",
		Short:         "Operator tools for minerd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(cfg.out())
	root.SetErr(cfg.errOut())

	root.PersistentFlags().StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "Config file (yaml, json or toml; defaults MINERD_CONFIG)")
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "minerd base URL for remote commands (defaults MINERD_URL)")
	root.PersistentFlags().StringVar(&cfg.LogLvl, "log-level", cfg.LogLvl, "Log level: debug|info|warn|error")

	devicesCmd := &cobra.Command{Use: "devices", Short: "List the devices the configured driver exposes", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return fnDevices(cfg)
	}}

	var benchFor time.Duration
	benchCmd := &cobra.Command{Use: "bench", Short: "Mine the static work locally and report the hash rate", Example: "  minerctl bench --duration 30s -c minerd.yaml", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		if benchFor <= 0 {
			return fmt.Errorf("--duration must be positive")
		}
		return fnBench(cfg, benchFor)
	}}
	benchCmd.Flags().DurationVarP(&benchFor, "duration", "d", 10*time.Second, "How long to mine")

	verifyCmd := &cobra.Command{Use: "verify <header-hex> <nonce>", Short: "Check a nonce against an 80-byte block header", Args: cobra.ExactArgs(2), RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("nonce: %w", err)
		}
		return fnVerify(cfg, args[0], uint32(n))
	}}

	configCmd := &cobra.Command{Use: "config", Short: "Config file tools", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return errors.New("config requires a subcommand: check")
	}}
	configCheckCmd := &cobra.Command{Use: "check [file]", Short: "Validate a config file and print the effective config", Args: cobra.MaximumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.ConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("config check: no file given")
		}
		return fnConfigCheck(cfg, path)
	}}
	configCmd.AddCommand(configCheckCmd)

	statusCmd := &cobra.Command{Use: "status", Short: "Show the status of a running minerd", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		return fnStatus(cfg)
	}}

	root.AddCommand(devicesCmd, benchCmd, verifyCmd, configCmd, statusCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cfg.out()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cfg.out()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cfg.out(), true) }})
	root.AddCommand(completionCmd)

	return root
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code (0 for success, 2 for usage, 1 on error).
func MainWithArgs(args []string) int {
	return mainWith(defaultConfig(), args)
}

func mainWith(cfg *Config, args []string) int {
	root := buildRootCmdWith(cfg)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(cfg.errOut(), err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/minerctl.
func Main() int { return MainWithArgs(os.Args[1:]) }
