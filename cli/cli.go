// Package cli provides the jsbridge command line.
// It exports Run() and RunWithHooks() so wrapper projects can add built-ins and commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/js"
	"github.com/zot/jsbridge/internal/mcp"
	"github.com/zot/jsbridge/internal/server"
)

// Hooks allows extending the CLI.
type Hooks struct {
	// Commands returns additional subcommands.
	Commands func() []*cobra.Command

	// RuntimeOptions returns options for every runtime the CLI creates, e.g. extra built-ins.
	RuntimeOptions func(cfg *config.Config) []js.Option

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// ExitError ends a command with a specific exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes the CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	return execute(args, os.Stdin, os.Stdout, os.Stderr, hooks)
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer, hooks *Hooks) int {
	root := newRootCommand(hooks)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintln(stderr, "Error:", exitErr.Err)
			}
			return exitErr.Code
		}
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCommand(hooks *Hooks) *cobra.Command {
	root := &cobra.Command{
		Use:   "jsbridge",
		Short: "Run CommonJS scripts in an embedded JavaScript runtime",
		Long: `jsbridge runs JavaScript with CommonJS modules (require, module.exports,
require.cache), node-style event emitters and a small set of built-ins
(util, fs, dispatch, events, console).

Configuration comes from defaults, <dir>/jsbridge.toml, JSBRIDGE_* environment
variables and flags, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(hooks),
		newEvalCommand(hooks),
		newResolveCommand(hooks),
		newServeCommand(hooks),
		newMCPCommand(hooks),
		newBundleCommand(),
		newLsCommand(),
		newCatCommand(),
		newExtractCommand(),
		newVersionCommand(hooks),
	)
	if hooks != nil && hooks.Commands != nil {
		root.AddCommand(hooks.Commands()...)
	}
	return root
}

// loadConfig builds the configuration from the command's parsed flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg.SetLogOutput(cmd.ErrOrStderr())
	return cfg, nil
}

// newRuntime loads the configuration and creates a runtime for cmd.
func newRuntime(cmd *cobra.Command, hooks *Hooks) (*js.Runtime, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	var opts []js.Option
	if hooks != nil && hooks.RuntimeOptions != nil {
		opts = hooks.RuntimeOptions(cfg)
	}
	rt, err := js.New(cfg, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating runtime: %w", err)
	}
	return rt, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(hooks *Hooks) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a script as the main module",
		Long: `Run a script as the main module (require.main) and wait until its
asynchronous callbacks have finished. Without a file the configured
context.main script runs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := newRuntime(cmd, hooks)
			if err != nil {
				return err
			}
			defer rt.Close()

			file := cfg.Context.Main
			if len(args) == 1 {
				file = args[0]
			}
			if file == "" {
				return &ExitError{Code: 2, Err: errors.New("no script given and context.main is not set")}
			}
			exports, err := rt.RunMain(file)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			if err := rt.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if print, _ := cmd.Flags().GetBool("print"); print {
				return printJSON(cmd.OutOrStdout(), exports)
			}
			return nil
		},
	}
	cmd.Flags().Bool("print", false, "Print the main module's exports as JSON")
	return cmd
}

func newEvalCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <code>...",
		Short: "Evaluate JavaScript and print the result as JSON",
		Example: `  jsbridge eval "require('util').format('%d items', 3)"
  jsbridge eval --dir scripts "require('./config')"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd, hooks)
			if err != nil {
				return err
			}
			defer rt.Close()

			v, err := rt.Eval(strings.Join(args, " "))
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			rt.Wait(ctx)
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newResolveCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <specifier>",
		Short: "Print the path a specifier resolves to from the base directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := newRuntime(cmd, hooks)
			if err != nil {
				return err
			}
			defer rt.Close()

			path, ok := rt.Resolve(args[0])
			if !ok {
				return &ExitError{Code: 1, Err: fmt.Errorf("cannot find module '%s'", args[0])}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newServeCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the runtime console over HTTP and WebSocket",
		Long: `Serve one runtime: a WebSocket console at /ws, one-shot JSON requests
at POST /api, the module list at /api/modules and /api/resolve?spec=.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := newRuntime(cmd, hooks)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Context.Main != "" {
				if _, err := rt.RunMain(cfg.Context.Main); err != nil {
					return fmt.Errorf("running %s: %w", cfg.Context.Main, err)
				}
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return server.New(cfg, rt).Serve(ctx)
		},
	}
}

func newMCPCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the runtime to MCP clients on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := newRuntime(cmd, hooks)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Context.Main != "" {
				if _, err := rt.RunMain(cfg.Context.Main); err != nil {
					return fmt.Errorf("running %s: %w", cfg.Context.Main, err)
				}
			}
			return mcp.NewServer(cfg, rt).ServeStdio()
		},
	}
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			app := cfg.Application
			line := app.Name + " v" + app.Version
			if app.Build != "" {
				line += " (" + app.Build + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			if hooks != nil && hooks.CustomVersion != nil {
				fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
			}
			return nil
		},
	}
}
