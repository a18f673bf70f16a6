package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/auth"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/sandbox"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the sandbox backend, escalation tools, event log and store",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func runDoctor(_ *cobra.Command, _ []string) error {
	ctx, stop := requestContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(false)

	health := observability.NewHealthChecker(version, logger)
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		health.AddCheck("store", func(context.Context) error { return err })
	} else {
		defer store.Close()
	}
	registerChecks(health, cfg, store, sandbox.NewProbeResolver(cfg.Sandbox.Backend))
	health.AddCheck("escalation", func(context.Context) error {
		return checkEscalation(cfg)
	})
	health.AddCheck("event_log", func(context.Context) error {
		return checkWritable(cfg.Security.SystemLogDir, cfg.Security.UserLogDir)
	})
	health.AddCheck("opener", func(context.Context) error {
		_, err := security.NewGate(buildPolicy(cfg)).Resolve("xdg-open")
		return err
	})

	status := health.CheckReady(ctx)
	for _, name := range health.Names() {
		r := status.Checks[name]
		line := fmt.Sprintf("%-11s %s", name, r.Status)
		if r.Message != "" {
			line += ": " + r.Message
		}
		fmt.Println(line)
	}
	if release, err := auth.KernelRelease(); err == nil {
		fmt.Printf("%-11s %s (hardened: %t)\n", "kernel", release, auth.HardenedKernel())
	}
	if status.Status != observability.StatusOK {
		return &exitError{code: ExitFailure}
	}
	return nil
}

// registerChecks adds the readiness checks shared by doctor and serve.
// store may be nil.
func registerChecks(h *observability.HealthChecker, cfg *config.Config, store storage.EventStore, resolver sandbox.Resolver) {
	if store != nil {
		h.AddCheck("store", store.Ping)
	}
	h.AddCheck("sandbox", func(context.Context) error {
		b := resolver.Resolve()
		if !b.Available() {
			if cfg.Sandbox.Backend == string(sandbox.BackendNone) {
				return errors.New("sandboxing disabled by configuration")
			}
			return errors.New("no sandbox backend found; install bubblewrap or firejail")
		}
		return nil
	})
}

func checkEscalation(cfg *config.Config) error {
	agent := auth.NewPkexecAgent(cfg.Auth.PkexecPath, 0)
	sudo := auth.NewSudoTerminal(cfg.Auth.SudoPath)
	_, agentErr := os.Stat(agent.Path)
	_, sudoErr := os.Stat(sudo.Path)
	if agentErr != nil && sudoErr != nil {
		return fmt.Errorf("neither %s nor %s is installed", agent.Path, sudo.Path)
	}
	return nil
}

// checkWritable succeeds when the event log can be created in one of dirs.
func checkWritable(dirs ...string) error {
	var errs []error
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			errs = append(errs, err)
			continue
		}
		f, err := os.CreateTemp(dir, ".warden-doctor-*")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = f.Close()
		_ = os.Remove(filepath.Clean(f.Name()))
		return nil
	}
	return fmt.Errorf("no writable event log directory: %w", errors.Join(errs...))
}
