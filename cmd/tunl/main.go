package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/google/uuid"
	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tunl",
		Short:        "Authenticated TCP tunnel over WebSocket",
		Long:         "Tunnel TCP connections through an encrypted, UUID-authenticated WebSocket transport.",
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	cmd.PersistentFlags().Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")

	cmd.AddCommand(serverCmd())
	cmd.AddCommand(clientCmd())
	cmd.AddCommand(linkCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// addIDFlag adds the shared identity flag to a command.
func addIDFlag(cmd *cobra.Command) {
	cmd.Flags().String("uuid", "", "identity UUID shared by client and server (or TUNL_UUID)")
}

// resolveID returns the identity from --uuid or TUNL_UUID.
func resolveID(cmd *cobra.Command) (*auth.ID, error) {
	s, _ := cmd.Flags().GetString("uuid")
	if s == "" {
		s = os.Getenv("TUNL_UUID")
	}
	if s == "" {
		return nil, fmt.Errorf("identity is required: use --uuid or set TUNL_UUID (generate one with: tunl link --new-uuid)")
	}
	id, err := auth.ParseID(s)
	if err != nil {
		return nil, err
	}
	if id.UUID == uuid.Nil {
		return nil, fmt.Errorf("the nil UUID cannot be used as an identity")
	}
	return id, nil
}

// stringFlagOrEnv returns the named flag if set, otherwise the env var.
func stringFlagOrEnv(cmd *cobra.Command, flag, env string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	v, _ := cmd.Flags().GetString(flag)
	return v
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or TUNL_METRICS_ADDR is set. Returns nil if metrics are
// disabled. The provided context controls the server's lifetime: when
// cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("TUNL_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}
