package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/engine"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/validate"
)

// lockModeCLI is the single-instance lock held by one-shot commands.
const lockModeCLI = "cli"

var (
	execPrivileged bool
	execCategory   string
	execTimeout    time.Duration

	mountType    string
	mountOptions []string
	mountBind    bool

	umountForce bool
	umountLazy  bool
)

var validateCmd = &cobra.Command{
	Use:   "validate <package|url|path|argument> <value>",
	Short: "Check a value against an input grammar without running anything",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		kind, err := validate.ParseKind(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := newValidator(cfg).Validate(kind, args[1])
		if !out.OK() {
			fmt.Printf("rejected: %s\n", out.Reason())
			return out.Err(kind.String())
		}
		fmt.Printf("accepted: %s\n", out.Value())
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <executable> [args...]",
	Short: "Run a whitelisted executable",
	Long: `Run a whitelisted executable by name. Arguments are passed as a vector and
never interpreted by a shell. Output is streamed as it arrives.

Examples:
  warden exec --category package_query -- pacman -Qu
  warden exec --privileged --category package_modify -- pacman -Syu --noconfirm`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		opts := []domain.RequestOption{domain.WithCategory(domain.ParseCategory(execCategory))}
		if execPrivileged {
			opts = append(opts, domain.WithPrivilege())
		}
		if execTimeout > 0 {
			opts = append(opts, domain.WithTimeout(execTimeout))
		}
		req := domain.NewCommandRequest(args[0], args[1:], opts...)
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.Execute(ctx, req, streamOutput())
		})
	},
}

var openURLCmd = &cobra.Command{
	Use:   "open-url <url>",
	Short: "Open a URL on a trusted domain in the desktop browser",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.OpenURL(ctx, args[0])
		})
	},
}

var openFileCmd = &cobra.Command{
	Use:   "open-file <path>",
	Short: "Open a file inside the allowed roots with the desktop opener",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.OpenFile(ctx, args[0])
		})
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service <action> <name>",
	Short: "Query or control a systemd service",
	Long: `Query any service with is-active, is-enabled, status or show. Start, stop,
restart, enable and disable are privileged and limited to the configured
service allow-list.`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.ControlService(ctx, args[0], args[1], streamOutput())
		})
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount [flags] <source> <target>",
	Short: "Mount a filesystem with whitelisted type and options",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		spec := security.MountSpec{
			Source:  args[0],
			Target:  args[1],
			FSType:  mountType,
			Options: mountOptions,
			Bind:    mountBind,
		}
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.Mount(ctx, spec, streamOutput())
		})
	},
}

var umountCmd = &cobra.Command{
	Use:   "umount [flags] <target>",
	Short: "Unmount a filesystem that is not a protected system mount point",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOneShot(func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error) {
			return e.Unmount(ctx, args[0], umountForce, umountLazy, streamOutput())
		})
	},
}

func init() {
	execCmd.Flags().BoolVar(&execPrivileged, "privileged", false, "run with elevated privileges")
	execCmd.Flags().StringVar(&execCategory, "category", "generic", "request category (selects the sandbox profile)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "execution timeout (default from config)")

	mountCmd.Flags().StringVarP(&mountType, "type", "t", "", "filesystem type")
	mountCmd.Flags().StringSliceVarP(&mountOptions, "options", "o", nil, "mount options")
	mountCmd.Flags().BoolVar(&mountBind, "bind", false, "bind mount")

	umountCmd.Flags().BoolVarP(&umountForce, "force", "f", false, "force unmount")
	umountCmd.Flags().BoolVarP(&umountLazy, "lazy", "l", false, "lazy unmount")
}

func streamOutput() engine.ExecOption {
	return engine.WithOutput(os.Stdout, os.Stderr)
}

// runOneShot holds the cli lock for the duration of one request and maps
// its result to the process exit code.
func runOneShot(run func(ctx context.Context, e *engine.Engine) (*domain.ExecutionResult, error)) error {
	ctx, stop := requestContext()
	defer stop()

	c, err := initComponents(ctx, initOptions{mode: lockModeCLI})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	res, err := run(ctx, c.Engine)
	if res != nil {
		if res.Degraded {
			fmt.Fprintln(os.Stderr, "warden: warning: no sandbox backend available; ran without isolation")
		}
		if res.Truncated {
			fmt.Fprintln(os.Stderr, "warden: warning: output exceeded the capture limit")
		}
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}
