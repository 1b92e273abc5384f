package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/specialistvlad/gridchain/internal/app"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/reconcile"
	"github.com/spf13/cobra"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

// usageArgs turns cobra's argument validation failures into usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	pipeline  string
	stateDir  string
	logLevel  string
	logFormat string
	vars      map[string]string
}

// runner opens an App for a command and closes it afterwards.
type runner struct {
	flags   *globalFlags
	logW    io.Writer
	options []app.Option
}

func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := app.NewConfig(app.Config{
		PipelinePath: r.flags.pipeline,
		StateDir:     r.flags.stateDir,
		LogLevel:     strings.ToLower(r.flags.logLevel),
		LogFormat:    strings.ToLower(r.flags.logFormat),
		Vars:         r.flags.vars,
	})
	if err != nil {
		return usageError(err)
	}
	ctx := cmd.Context()
	a, err := app.NewApp(ctx, r.logW, cfg, r.options...)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// NewRootCommand builds the gridchain command tree. Command output goes to
// outW and logs to logW. options are handed to every App the commands open.
func NewRootCommand(outW, logW io.Writer, options ...app.Option) *cobra.Command {
	flags := &globalFlags{}
	r := &runner{flags: flags, logW: logW, options: options}

	root := &cobra.Command{
		Use:   "gridchain",
		Short: "Compile a dataset graph into self-triggering remote job chains",
		Long: `gridchain turns datasets connected by dependencies into job scripts that
submit their own successors on the remote host, so a whole pipeline runs
without a local controller once it has been dispatched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.pipeline, "pipeline", "p", ".", "Path to the pipeline file or directory.")
	pf.StringVar(&flags.stateDir, "state-dir", app.DefaultStateDir, "Directory holding dataset state and staged files.")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringToStringVar(&flags.vars, "var", nil, "Override a pipeline variable, as name=value. Repeatable.")

	root.AddCommand(
		appendCommand(r),
		runCommand(r),
		syncCommand(r),
		checkCommand(r),
		simpleCommand(r, "clear-runs", "Drop every run from every dataset", "Cleared all runs.",
			func(ctx context.Context, a *app.App) error { return a.ClearRuns(ctx) }),
		simpleCommand(r, "clear-results", "Delete result and error files, keeping the runs", "Cleared all results.",
			func(ctx context.Context, a *app.App) error { return a.ClearResults(ctx) }),
		wipeCommand(r),
		simpleCommand(r, "reset", "Wipe local and remote storage and drop every run", "Reset every dataset.",
			func(ctx context.Context, a *app.App) error { return a.Reset(ctx) }),
		removeRunCommand(r),
		graphCommand(r),
	)
	return root
}

func appendCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "append [RUN...]",
		Short: "Append run blocks to every dataset, one generation each",
		Long: `Append the named run blocks to every dataset. Without names, every run
block that has not been appended yet is added in declaration order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				appended, err := a.Append(ctx, args...)
				for _, name := range appended {
					fmt.Fprintf(cmd.OutOrStdout(), "Appended run %s.\n", name)
				}
				if err == nil && len(appended) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to append.")
				}
				return err
			})
		},
	}
}

func runCommand(r *runner) *cobra.Command {
	var opts app.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile the chain and dispatch it to the remote hosts",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				plan, err := a.Run(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				staged := len(plan.Staged())
				switch {
				case staged == 0:
					fmt.Fprintln(out, "Nothing to dispatch, every generation was already dispatched.")
				case opts.DryRun:
					fmt.Fprintf(out, "Dry run: %d generations staged, master script at %s.\n", staged, plan.Master)
				default:
					fmt.Fprintf(out, "Dispatched %d generations from %s on %s.\n", staged, plan.Anchor.Name(), plan.Anchor.Connection().Host())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Stage every script locally but transfer and run nothing.")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Restage generations that were already dispatched.")
	return cmd
}

func syncCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh runner states from the remote manifest logs",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				summary, err := a.Sync(ctx)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}
}

func printSummary(w io.Writer, s *reconcile.Summary) {
	fmt.Fprintf(w, "Synced %d hosts, %d runners updated.\n", s.Hosts, s.Updated)
	states := make([]dataset.State, 0, len(s.States))
	for state := range s.States {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, state := range states {
		fmt.Fprintf(w, "  %-15s %d\n", state, s.States[state])
	}
}

func checkCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fail if any runner failed, printing its diagnostics",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				err := a.Check(ctx)
				var fe *reconcile.FailureError
				if errors.As(err, &fe) {
					return &ExitError{Code: 1, Message: fe.Error()}
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "No failed runs.")
				return nil
			})
		},
	}
}

func wipeCommand(r *runner) *cobra.Command {
	var local, remote bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete run storage locally, remotely, or both (the default)",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !local && !remote {
				local, remote = true, true
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Wipe(ctx, local, remote); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Wiped run storage.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Wipe the local staging directories.")
	cmd.Flags().BoolVar(&remote, "remote", false, "Wipe the remote run directories.")
	return cmd
}

func removeRunCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-run NAME",
		Short: "Remove one run from every dataset",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.RemoveRun(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return &ExitError{Code: 1, Message: fmt.Sprintf("run '%s' was missing from at least one dataset", args[0])}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed run %s.\n", args[0])
				return nil
			})
		},
	}
}

func graphCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print every dataset, its runner states and its children",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				return a.PrintGraph(cmd.OutOrStdout())
			})
		},
	}
}

func simpleCommand(r *runner, use, short, done string, fn func(ctx context.Context, a *app.App) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				if err := fn(ctx, a); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), done)
				return nil
			})
		},
	}
}

// Execute runs the command line in args. Errors that are not already an
// *ExitError are returned as-is and map to exit code 1.
func Execute(ctx context.Context, args []string, outW, logW io.Writer, options ...app.Option) error {
	root := NewRootCommand(outW, logW, options...)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err)
	}
	return err
}
