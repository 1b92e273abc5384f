package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/specialistvlad/gridchain/internal/chain"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/model"
	"github.com/specialistvlad/gridchain/internal/notify"
	"github.com/specialistvlad/gridchain/internal/reconcile"
)

func (a *App) withLogger(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// Append adds the named run blocks to every dataset, one generation each.
// With no names, every run block not yet appended is added in declaration
// order. It returns the names appended.
func (a *App) Append(ctx context.Context, names ...string) ([]string, error) {
	ctx = a.withLogger(ctx)

	var runs []*model.Run
	if len(names) == 0 {
		existing := a.existingRuns()
		for _, r := range a.pipeline.Runs {
			if !existing[r.Name] {
				runs = append(runs, r)
			}
		}
	} else {
		for _, name := range names {
			r, ok := a.pipeline.Run(name)
			if !ok {
				return nil, fmt.Errorf("no run block named '%s'", name)
			}
			runs = append(runs, r)
		}
	}
	if len(runs) == 0 {
		a.logger.Info("Every run is already appended.")
		return nil, nil
	}

	lazy := a.pipeline.Settings.Lazy
	appended := make([]string, 0, len(runs))
	for _, r := range runs {
		spec := dataset.RunSpec{
			Name:         r.Name,
			Arguments:    r.Arguments,
			Extra:        r.Extra,
			Dir:          r.Dir,
			Asynchronous: r.Asynchronous,
			AvoidNodes:   r.AvoidNodes,
		}
		if _, err := a.dispatcher.AppendRun(ctx, spec, lazy); err != nil {
			return appended, fmt.Errorf("append run '%s': %w", r.Name, err)
		}
		appended = append(appended, r.Name)
	}
	if lazy {
		if err := a.dispatcher.FinishAppend(ctx); err != nil {
			return appended, err
		}
	}
	return appended, nil
}

// existingRuns returns the run names the graph already holds. Lockstep keeps
// them equal across datasets, so the first dataset is representative.
func (a *App) existingRuns() map[string]bool {
	out := make(map[string]bool)
	datasets := a.graph.Datasets()
	if len(datasets) == 0 {
		return out
	}
	for _, r := range datasets[0].Runners() {
		out[r.Name()] = true
	}
	return out
}

// RunOptions select how Run compiles the chain.
type RunOptions struct {
	DryRun bool
	Force  bool
}

// Run compiles the chain and, unless dry-running, dispatches it.
func (a *App) Run(ctx context.Context, opts RunOptions) (*chain.Plan, error) {
	ctx = a.withLogger(ctx)
	c := chain.New(a.graph, chain.WithPublisher(a.notifier(ctx)))
	return c.Run(ctx, chain.Options{
		StageDir: a.config.stagePath(),
		Base:     a.pipeline.Settings.Base,
		Extra:    a.pipeline.Settings.Extra,
		FanIn:    a.fanIn,
		Force:    opts.Force,
		DryRun:   opts.DryRun,
	})
}

// Sync refreshes runner states from the remote manifest logs.
func (a *App) Sync(ctx context.Context) (*reconcile.Summary, error) {
	return reconcile.Sync(a.withLogger(ctx), a.graph.Datasets())
}

// Check reports the first dataset with a failed runner. The failure is also
// published as an event.
func (a *App) Check(ctx context.Context) error {
	ctx = a.withLogger(ctx)
	err := reconcile.CheckFailure(ctx, a.graph.Datasets())

	var fe *reconcile.FailureError
	if errors.As(err, &fe) {
		ev := notify.Event{
			Name:        notify.EventFailed,
			Anchor:      fe.Dataset,
			Datasets:    []string{fe.Dataset},
			Generations: len(fe.Diagnostics),
			Detail:      strings.Join(fe.Diagnostics, "\n"),
			Time:        time.Now(),
		}
		if perr := a.notifier(ctx).Publish(ctx, ev); perr != nil {
			a.logger.Warn("Failed to publish event.", "event", ev.Name, "error", perr)
		}
	}
	return err
}

func (a *App) ClearRuns(ctx context.Context) error {
	return a.dispatcher.ClearRuns(a.withLogger(ctx))
}

func (a *App) ClearResults(ctx context.Context) error {
	return a.dispatcher.ClearResults(a.withLogger(ctx))
}

// Wipe deletes run storage on this machine, the remote hosts or both.
func (a *App) Wipe(ctx context.Context, local, remote bool) error {
	ctx = a.withLogger(ctx)
	if !local && !remote {
		return errors.New("nothing to wipe: choose local, remote or both")
	}
	if remote {
		if err := a.dispatcher.WipeRemote(ctx); err != nil {
			return err
		}
	}
	if local {
		return a.dispatcher.WipeLocal(ctx)
	}
	return nil
}

func (a *App) Reset(ctx context.Context) error {
	return a.dispatcher.HardReset(a.withLogger(ctx))
}

// RemoveRun drops the named run from every dataset. It reports whether every
// dataset had it.
func (a *App) RemoveRun(ctx context.Context, name string) (bool, error) {
	return a.dispatcher.RemoveRun(a.withLogger(ctx), name)
}

// PrintGraph writes one line per dataset with its runner states, followed by
// its children.
func (a *App) PrintGraph(w io.Writer) error {
	for _, d := range a.graph.Datasets() {
		counts := make(map[dataset.State]int)
		for _, r := range d.Runners() {
			counts[r.State()]++
		}
		var states []string
		for _, s := range []dataset.State{
			dataset.StateCreated, dataset.StateStaged, dataset.StateDryRun, dataset.StateSubmitPending,
			dataset.StateStarted, dataset.StateCompleted, dataset.StateFailed,
		} {
			if n := counts[s]; n > 0 {
				states = append(states, fmt.Sprintf("%d %s", n, s))
			}
		}
		summary := "no runs"
		if len(states) > 0 {
			summary = strings.Join(states, ", ")
		}
		if _, err := fmt.Fprintf(w, "%s (%s) on %s: %s\n", d.Name(), d.ID(), d.Connection().Host(), summary); err != nil {
			return err
		}
		for _, child := range a.graph.ChildrenOf(d) {
			if _, err := fmt.Fprintf(w, "  -> %s\n", child.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// notifier returns the publisher events go to, dialing settings.notify_url
// on first use. A publisher that cannot connect is replaced by a no-op one.
func (a *App) notifier(ctx context.Context) notify.Publisher {
	if a.publisher != nil {
		return a.publisher
	}
	url := a.pipeline.Settings.NotifyURL
	if url == "" {
		a.publisher = notify.Nop{}
		return a.publisher
	}
	p, err := a.dial(ctx, url)
	if err != nil {
		a.logger.Warn("Notifications disabled, could not connect.", "url", url, "error", err)
		a.publisher = notify.Nop{}
		return a.publisher
	}
	a.publisher = p
	return p
}
