// Package lockstep applies bulk lifecycle verbs to every dataset of a graph,
// keeping all of them advanced by the same number of runner generations.
//
// Chaining pairs generation i of a producer with generation i of each of its
// consumers, so the dispatcher refuses to act on a graph whose datasets
// disagree on their generation count. A failing dataset aborts the fan-out
// immediately; datasets already processed keep their changes.
package lockstep

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/graph"
)

// ErrGenerationMismatch is wrapped by MismatchError.
var ErrGenerationMismatch = errors.New("datasets disagree on generation count")

// Count is the generation count of one dataset.
type Count struct {
	Dataset     string
	Generations int
}

// MismatchError reports the generation count of every dataset in a graph
// that failed the lockstep check.
type MismatchError struct {
	Counts []Count
}

func (e *MismatchError) Error() string {
	parts := make([]string, len(e.Counts))
	for i, c := range e.Counts {
		parts[i] = fmt.Sprintf("%s=%d", c.Dataset, c.Generations)
	}
	return fmt.Sprintf("%s: %s", ErrGenerationMismatch, strings.Join(parts, ", "))
}

func (e *MismatchError) Unwrap() error { return ErrGenerationMismatch }

// Check verifies that every dataset in the view has the same number of
// runner generations. It returns the common count.
func Check(view graph.View[dataset.Dataset]) (int, error) {
	datasets := view.Datasets()
	if len(datasets) == 0 {
		return 0, nil
	}
	counts := make([]Count, len(datasets))
	mismatch := false
	for i, d := range datasets {
		counts[i] = Count{Dataset: d.Name(), Generations: len(d.Runners())}
		if counts[i].Generations != counts[0].Generations {
			mismatch = true
		}
	}
	if mismatch {
		return 0, &MismatchError{Counts: counts}
	}
	return counts[0].Generations, nil
}

// Dispatcher fans lifecycle verbs out over a graph.
type Dispatcher struct {
	view  graph.View[dataset.Dataset]
	fanIn FanIn
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFanIn sets the policy used for datasets with more than one parent.
func WithFanIn(p FanIn) Option {
	return func(d *Dispatcher) { d.fanIn = p }
}

// New creates a dispatcher over view.
func New(view graph.View[dataset.Dataset], opts ...Option) *Dispatcher {
	d := &Dispatcher{view: view, fanIn: FanInFirst}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AppendRun appends one generation built from spec to every dataset. The
// lockstep check and the fan-in policy are applied before any dataset is
// touched. Each dataset with parents gets a staleness guard on the new
// generation for every gating parent. Unless lazy is set, every dataset is
// saved; a lazy caller must call FinishAppend.
func (l *Dispatcher) AppendRun(ctx context.Context, spec dataset.RunSpec, lazy bool) ([]dataset.Runner, error) {
	n, err := Check(l.view)
	if err != nil {
		return nil, err
	}
	if err := CheckFanIn(l.view, l.fanIn); err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx)
	datasets := l.view.Datasets()
	added := make(map[string]dataset.Runner, len(datasets))
	runners := make([]dataset.Runner, 0, len(datasets))
	for _, d := range datasets {
		r, err := d.AppendRun(ctx, spec, dataset.OriginGraph)
		if err != nil {
			return nil, fmt.Errorf("append run to dataset '%s': %w", d.Name(), err)
		}
		added[d.ID()] = r
		runners = append(runners, r)
	}

	// Guards are installed once every dataset has its new generation, so a
	// parent listed after its child in Datasets() order is covered.
	for _, d := range datasets {
		parents, err := GatingParents(ctx, l.view, d, l.fanIn)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			continue
		}
		var g fragment.Guard
		for _, p := range parents {
			pr := added[p.ID()]
			g.Fresh = append(g.Fresh, fragment.Freshness{
				Run:    pr.RunFile().Fragment(),
				Result: pr.ResultFile().Fragment(),
			})
		}
		added[d.ID()].InstallGuard(g)
	}
	logger.Info("Appended run to graph.", "datasets", len(datasets), "generation", n)

	if lazy {
		return runners, nil
	}
	for _, d := range datasets {
		if err := d.Save(ctx); err != nil {
			return nil, fmt.Errorf("save dataset '%s': %w", d.Name(), err)
		}
	}
	return runners, nil
}

// FinishAppend runs every dataset's completion hook after lazy appends.
func (l *Dispatcher) FinishAppend(ctx context.Context) error {
	return l.each(ctx, "finish append", func(ctx context.Context, d dataset.Dataset) error {
		return d.FinishAppend(ctx, dataset.OriginGraph)
	})
}

// ClearRuns drops every runner of every dataset.
func (l *Dispatcher) ClearRuns(ctx context.Context) error {
	return l.each(ctx, "clear runs", func(ctx context.Context, d dataset.Dataset) error {
		return d.ClearRuns(ctx, dataset.OriginGraph)
	})
}

// ClearResults deletes every dataset's results.
func (l *Dispatcher) ClearResults(ctx context.Context) error {
	return l.each(ctx, "clear results", func(ctx context.Context, d dataset.Dataset) error {
		return d.ClearResults(ctx, dataset.OriginGraph)
	})
}

// WipeLocal deletes every dataset's local storage.
func (l *Dispatcher) WipeLocal(ctx context.Context) error {
	return l.each(ctx, "wipe local", func(ctx context.Context, d dataset.Dataset) error {
		return d.WipeLocal(ctx, dataset.OriginGraph)
	})
}

// WipeRemote deletes every dataset's remote storage.
func (l *Dispatcher) WipeRemote(ctx context.Context) error {
	return l.each(ctx, "wipe remote", func(ctx context.Context, d dataset.Dataset) error {
		return d.WipeRemote(ctx, dataset.OriginGraph)
	})
}

// HardReset resets every dataset.
func (l *Dispatcher) HardReset(ctx context.Context) error {
	return l.each(ctx, "hard reset", func(ctx context.Context, d dataset.Dataset) error {
		return d.HardReset(ctx, dataset.OriginGraph)
	})
}

// RemoveRun removes the named run from every dataset. It reports true only
// if every dataset had the run.
func (l *Dispatcher) RemoveRun(ctx context.Context, name string) (bool, error) {
	if _, err := Check(l.view); err != nil {
		return false, err
	}
	all := true
	err := l.each(ctx, "remove run", func(ctx context.Context, d dataset.Dataset) error {
		removed, err := d.RemoveRun(ctx, name, dataset.OriginGraph)
		if err != nil {
			return err
		}
		if !removed {
			ctxlog.FromContext(ctx).Warn("Dataset has no such run.", "dataset", d.Name(), "run", name)
		}
		all = all && removed
		return nil
	})
	if err != nil {
		return false, err
	}
	return all, nil
}

// each applies fn to every dataset in order. Every line logged under fn
// carries the verb.
func (l *Dispatcher) each(ctx context.Context, verb string, fn func(ctx context.Context, d dataset.Dataset) error) error {
	ctx, logger := ctxlog.With(ctx, "verb", verb)
	datasets := l.view.Datasets()
	for _, d := range datasets {
		if err := fn(ctx, d); err != nil {
			return fmt.Errorf("%s on dataset '%s': %w", verb, d.Name(), err)
		}
	}
	logger.Debug("Applied lifecycle verb to graph.", "datasets", len(datasets))
	return nil
}
