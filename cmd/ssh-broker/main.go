// Package main is the entry point for the ssh-broker daemon: a
// persistent stdio tool server multiplexing SSH sessions (spec.md
// §overview). `ssh-broker serve` (the default) wires every subsystem and
// blocks on the stdio tool protocol until EOF or a termination signal;
// `ssh-broker version` prints build info; `ssh-broker lockfile status`
// inspects the Process Singleton Guard's lockfile without acquiring it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opstools/ssh-broker/internal/config"
	"github.com/opstools/ssh-broker/internal/containerctx"
	"github.com/opstools/ssh-broker/internal/credstore"
	"github.com/opstools/ssh-broker/internal/cryptoutil"
	"github.com/opstools/ssh-broker/internal/dispatcher"
	"github.com/opstools/ssh-broker/internal/events"
	"github.com/opstools/ssh-broker/internal/exec"
	"github.com/opstools/ssh-broker/internal/logging"
	"github.com/opstools/ssh-broker/internal/pty"
	"github.com/opstools/ssh-broker/internal/registry"
	"github.com/opstools/ssh-broker/internal/singleton"
	"github.com/opstools/ssh-broker/internal/store"
	"github.com/opstools/ssh-broker/internal/transfer"
	"github.com/opstools/ssh-broker/internal/tunnel"

	"github.com/juju/clock"
)

// Version information (set by goreleaser).
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ssh-broker",
		Short:         "Persistent stdio tool server multiplexing SSH sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd(), lockfileCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ssh-broker %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

func lockfileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lockfile", Short: "Inspect the process singleton lockfile"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report the current lockfile holder, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pid, instanceID, since, ok, err := singleton.Status(cfg.LockfilePath)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no broker instance is running")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pid=%d instance=%s since=%s\n", pid, instanceID, since.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker, serving tool calls over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	log.Info().Str("version", version).Str("commit", commit).Msg("ssh-broker starting")

	guard, err := singleton.Acquire(cfg.LockfilePath, log)
	if err != nil {
		return fmt.Errorf("acquire singleton lock: %w", err)
	}
	defer guard.Release()

	db, err := store.Open(cfg.ConnectionsDBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	cipher := cryptoutil.NewCipher(machineSecret())
	creds := credstore.New(db, cipher, credstore.IsKeyringAvailable(), log)

	clk := clock.WallClock
	reg := registry.New(db, creds, cfg.KnownHostsPath(), clk, log)
	containers := containerctx.New(clk)
	engine := exec.New(reg, containers, creds)
	background := exec.NewBackgroundRunner(engine, clk, log)
	hub := events.New()
	transfers := transfer.New(reg, hub, clk, log)
	tunnels := tunnel.New(reg, hub, log)
	terminals := pty.New(reg, creds, hub, clk, log)

	reg.OnDisconnect(func(connID string) { transfers.CloseConnection(connID) })
	reg.OnDisconnect(tunnels.CloseAllForConnection)
	reg.OnDisconnect(terminals.CloseAllForConnection)
	reg.OnDisconnect(func(connID string) { _ = background.Stop(connID) })

	d := dispatcher.New(reg, containers, engine, background, transfers, tunnels, terminals, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopSweep := startSweeps(ctx, containers, transfers, terminals, cfg)
	defer stopSweep()

	if err := dispatcher.Serve(ctx, d, hub, os.Stdin, os.Stdout, log); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("ssh-broker exited with error")
		return err
	}

	log.Info().Msg("ssh-broker shutting down")
	background.StopAll()
	return nil
}

// startSweeps runs the idle-reaping passes each manager documents
// (containerctx.Manager.Sweep, transfer.Manager.Sweep,
// pty.Manager.Sweep) on a shared ticker, returning a stop func.
func startSweeps(ctx context.Context, containers *containerctx.Manager, transfers *transfer.Manager, terminals *pty.Manager, cfg *config.Config) func() {
	interval := time.Duration(cfg.ContainerSweepMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				containers.Sweep(interval)
				transfers.Sweep()
				terminals.Sweep()
			}
		}
	}()

	return func() {
		ticker.Stop()
		<-done
	}
}

// machineSecret derives the at-rest encryption key for the credential
// store when the OS keyring is unavailable (spec.md §4.B). A fixed,
// documented fallback rather than a randomly generated one, so restarts
// keep access to previously saved credentials.
func machineSecret() string {
	if v := os.Getenv("SSH_BROKER_SECRET"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "ssh-broker-default-secret"
	}
	return "ssh-broker-secret:" + home
}
