package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/developingchet/portfolio-gate/internal/config"
	"github.com/developingchet/portfolio-gate/internal/gate"
	"github.com/developingchet/portfolio-gate/internal/logger"
	"github.com/developingchet/portfolio-gate/internal/server"
	"github.com/developingchet/portfolio-gate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "portfolio-gate",
		Short:         "Password gate for protected portfolio pieces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		unlockCmd(),
		statusCmd(),
		logoutCmd(),
		revokeCmd(),
		sweepCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// serveCmd is the main daemon command.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, health and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("profile", cfg.GateProfile).Msg("portfolio-gate starting")

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	gates, err := buildRegistry(cfg, db, log)
	if err != nil {
		return fmt.Errorf("build gate: %w", err)
	}
	log.Info().Strs("protected", gates.ProtectedIDs()).Msg("credential registry loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(server.Config{
		HTTPAddr:         cfg.HTTPAddr,
		HealthAddr:       cfg.HealthAddr,
		MetricsAddr:      cfg.MetricsAddr,
		MetricsEnabled:   cfg.MetricsEnabled,
		UnlockRatePerSec: cfg.UnlockRatePerSec,
		UnlockBurst:      cfg.UnlockBurst,
		SweepInterval:    cfg.SweepInterval,
		CookieSecure:     cfg.CookieSecure,
	}, gates, db, cfg.Catalog, log)
	return srv.Run(ctx)
}

// withRegistry loads config, opens the database and builds the gate
// registry for one-shot commands. The database is closed when fn returns.
func withRegistry(fn func(cfg *config.Config, gates *gate.Registry) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	gates, err := buildRegistry(cfg, db, log)
	if err != nil {
		return err
	}
	return fn(cfg, gates)
}

// withGate runs fn against the gate for profile, or GATE_PROFILE when empty.
func withGate(profile string, fn func(g *gate.Gate) error) error {
	return withRegistry(func(cfg *config.Config, gates *gate.Registry) error {
		if profile == "" {
			profile = cfg.GateProfile
		}
		g, err := gates.For(profile)
		if err != nil {
			return err
		}
		return fn(g)
	})
}

func addProfileFlag(cmd *cobra.Command, profile *string) {
	cmd.Flags().StringVar(profile, "profile", "", "client profile to operate on (default GATE_PROFILE)")
}

// unlockCmd validates a password for one item.
func unlockCmd() *cobra.Command {
	var password, profile string
	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Validate a password and unlock an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password = p
			}
			return withGate(profile, func(g *gate.Gate) error {
				res := g.Validate(args[0], password)
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				if !res.Success() {
					return fmt.Errorf("unlock %s: %s", args[0], res.Outcome)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to try (read from stdin when omitted)")
	addProfileFlag(cmd, &profile)
	return cmd
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

type itemStatus struct {
	ID        string `json:"id"`
	Protected bool   `json:"protected"`
	Access    bool   `json:"access"`
	CanView   bool   `json:"canView"`
}

// statusCmd prints the persisted gate state, or the access state of one item.
func statusCmd() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show session, attempt and lockout state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(profile, func(g *gate.Gate) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if len(args) == 0 {
					return enc.Encode(g.Snapshot())
				}
				id := args[0]
				return enc.Encode(itemStatus{
					ID:        id,
					Protected: g.IsProtected(id),
					Access:    g.HasAccess(id),
					CanView:   g.CanView(id),
				})
			})
		},
	}
	addProfileFlag(cmd, &profile)
	return cmd
}

// logoutCmd clears the session, attempt counter and lockout.
func logoutCmd() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear all persisted gate state of a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(profile, func(g *gate.Gate) error {
				g.Logout()
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
	addProfileFlag(cmd, &profile)
	return cmd
}

// revokeCmd removes one item from the session.
func revokeCmd() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Remove one item from the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGate(profile, func(g *gate.Gate) error {
				g.Revoke(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
	addProfileFlag(cmd, &profile)
	return cmd
}

// sweepCmd runs a single expiry sweep over every profile.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Clear expired sessions in all profiles, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(_ *config.Config, gates *gate.Registry) error {
				res, err := gates.Sweep()
				if err != nil {
					return err
				}
				if res.Cleared == 0 && res.Dropped == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to sweep")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d expired sessions, dropped %d profiles, %d remaining\n",
					res.Cleared, res.Dropped, res.Remaining)
				return nil
			})
		},
	}
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portfolio-gate %s\n", Version)
		},
	}
}

func openDB(cfg *config.Config) (storage.DB, error) {
	if cfg.StoreBackend == "memory" {
		return storage.NewMemoryDB(), nil
	}
	return storage.OpenBbolt(cfg.DataDir)
}

func buildRegistry(cfg *config.Config, db storage.DB, log zerolog.Logger) (*gate.Registry, error) {
	return gate.NewRegistry(gate.Config{
		Credentials:     cfg.Credentials(),
		SessionDuration: cfg.GateSessionDuration,
		MaxAttempts:     cfg.GateMaxAttempts,
		LockoutDuration: cfg.GateLockoutDuration,
	}, db, log)
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
	}
	return base
}
