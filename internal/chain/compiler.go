package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/graph"
	"github.com/specialistvlad/gridchain/internal/lockstep"
	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/notify"
	"github.com/specialistvlad/gridchain/internal/transport"
)

// Names of the shared files, written next to each other in the base directory.
const (
	RepositoryFile = "gridchain-repo.sh"
	MasterFile     = "gridchain-master.sh"
)

var (
	// ErrFanIn is returned when the fan-in policy rejects a dataset.
	ErrFanIn = lockstep.ErrFanIn
	// ErrEmptyGraph is returned when there is nothing to compile.
	ErrEmptyGraph = errors.New("graph has no datasets")
	// ErrRootOffAnchor is returned when a root dataset is reached through a
	// different connection than the anchor. The master script only runs on
	// the anchor's host, so such a root could never be submitted.
	ErrRootOffAnchor = errors.New("root dataset is not on the anchor's connection")
)

// Options control one compilation.
type Options struct {
	// StageDir is the local directory the shared files are written to.
	StageDir string
	// Base is the remote directory holding the shared files. Empty means
	// the anchor's remote directory.
	Base string
	// Extra is shell text added to every job script.
	Extra string
	// FanIn selects how datasets with several parents are gated.
	FanIn lockstep.FanIn
	// Force restages generations that were already dispatched.
	Force bool
	// DryRun stages everything but discards the transfers.
	DryRun bool
}

// Generation is the compiled form of one runner generation.
type Generation struct {
	Dataset  dataset.Dataset
	Runner   dataset.Runner
	Index    int
	Guard    fragment.Guard
	Children []fragment.ChildSubmit
	// Staged is false when the runner declined to be staged.
	Staged bool
}

// Plan is the result of a compilation.
type Plan struct {
	Anchor      dataset.Dataset
	Base        string
	Renderer    fragment.Renderer
	Generations []Generation
	// Bootstrap holds the submissions the master script issues.
	Bootstrap []fragment.Submission
	// Fresh is true when no generation of the graph had been dispatched.
	Fresh bool
	// Repository and Master are the local paths of the shared files.
	Repository string
	Master     string
	// Dispatch identifies this compilation. It names the claim directories
	// of fan-in children so a redispatch never sees an old claim.
	Dispatch string

	endpoints []endpoint
}

// Staged returns the generations that were staged.
func (p *Plan) Staged() []Generation {
	var out []Generation
	for _, g := range p.Generations {
		if g.Staged {
			out = append(out, g)
		}
	}
	return out
}

type endpoint struct {
	host      string
	transport transport.Transport
}

// Compiler turns a graph view into a plan and dispatches it.
type Compiler struct {
	view      graph.View[dataset.Dataset]
	publisher notify.Publisher
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithPublisher sets the publisher dispatch and dry-run events go to.
func WithPublisher(p notify.Publisher) Option {
	return func(c *Compiler) { c.publisher = p }
}

// New creates a compiler over view.
func New(view graph.View[dataset.Dataset], opts ...Option) *Compiler {
	c := &Compiler{view: view, publisher: notify.Nop{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile validates the graph, writes the shared files, stages every
// generation and queues the staged files on the dataset transports. Nothing
// is written or queued when validation fails, and a failure after staging
// began discards whatever was queued.
func (c *Compiler) Compile(ctx context.Context, opts Options) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)

	datasets := c.view.Datasets()
	if len(datasets) == 0 {
		return nil, ErrEmptyGraph
	}
	generations, err := lockstep.Check(c.view)
	if err != nil {
		return nil, err
	}
	if err := c.view.DetectCycles(); err != nil {
		return nil, err
	}
	policy := opts.FanIn
	if policy == "" {
		policy = lockstep.FanInFirst
	}
	if err := lockstep.CheckFanIn(c.view, policy); err != nil {
		return nil, err
	}
	gating := make(map[string][]dataset.Dataset, len(datasets))
	for _, d := range datasets {
		parents, err := lockstep.GatingParents(ctx, c.view, d, policy)
		if err != nil {
			return nil, err
		}
		gating[d.ID()] = parents
	}

	roots := c.view.Roots()
	anchor := roots[0]
	for _, r := range roots[1:] {
		if r.Connection() != anchor.Connection() {
			return nil, fmt.Errorf("%w: '%s' is on %s, anchor '%s' is on %s",
				ErrRootOffAnchor, r.Name(), r.Connection().Host(), anchor.Name(), anchor.Connection().Host())
		}
	}
	base := opts.Base
	if base == "" {
		base = anchor.RemoteDir()
	}
	plan := &Plan{
		Anchor:    anchor,
		Base:      base,
		Renderer:  fragment.NewRenderer(base),
		Fresh:     fresh(datasets),
		Dispatch:  uuid.NewString()[:8],
		endpoints: endpoints(anchor, datasets),
	}
	logger.Info("Compiling chain.", "anchor", anchor.Name(), "datasets", len(datasets), "generations", generations, "base", base)
	warnCrossHost(ctx, anchor, datasets)

	if err := c.stage(ctx, plan, datasets, roots, gating, opts); err != nil {
		plan.discard()
		return nil, err
	}
	logger.Debug("Compiled chain.", "staged", len(plan.Staged()), "bootstrap", len(plan.Bootstrap))
	return plan, nil
}

// stage writes the shared files and stages every generation of plan.
func (c *Compiler) stage(ctx context.Context, plan *Plan, datasets, roots []dataset.Dataset, gating map[string][]dataset.Dataset, opts Options) error {
	logger := ctxlog.FromContext(ctx)
	base := plan.Base
	if err := os.MkdirAll(opts.StageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	plan.Repository = filepath.Join(opts.StageDir, RepositoryFile)
	if err := os.WriteFile(plan.Repository, []byte(repository(datasets)), 0o644); err != nil {
		return fmt.Errorf("failed to write repository file: %w", err)
	}
	repo := dataset.File{Name: RepositoryFile, LocalDir: opts.StageDir, RemoteDir: base}

	isRoot := make(map[string]bool, len(roots))
	for _, r := range roots {
		isRoot[r.ID()] = true
	}

	for _, d := range datasets {
		runners := d.Runners()
		for i, r := range runners {
			g := Generation{Dataset: d, Runner: r, Index: i}

			var gate fragment.Guard
			for _, p := range gating[d.ID()] {
				gate.Results = append(gate.Results, p.Runners()[i].ResultFile().Fragment())
			}
			g.Guard = gate.Merge(r.Guards()...)

			for _, child := range c.view.ChildrenOf(d) {
				cs, ok := childSubmit(plan, d, r, child, gating[child.ID()], i)
				if !ok {
					logger.Debug("Parent does not gate child, not submitting it.", "dataset", d.Name(), "child", child.Name())
					continue
				}
				g.Children = append(g.Children, cs)
			}

			gctx, _ := ctxlog.With(ctx, "dataset", d.Name(), "generation", i)
			staged, err := r.Stage(gctx, dataset.StageRequest{
				ParentCheck: plan.Renderer.Condition(g.Guard),
				ChildSubmit: plan.Renderer.Chains(g.Children),
				Repository:  repo,
				Extra:       opts.Extra,
				Base:        base,
				Manifest:    d.Connection().Manifest(),
				Force:       opts.Force,
			})
			if err != nil {
				return fmt.Errorf("stage dataset '%s' generation %d: %w", d.Name(), i, err)
			}
			g.Staged = staged
			plan.Generations = append(plan.Generations, g)
			if !staged {
				continue
			}

			if isRoot[d.ID()] {
				plan.Bootstrap = append(plan.Bootstrap, submission(d.Connection(), r))
			}
			t := d.Transport()
			t.QueueForPush(r.JobScript().Local(), r.Dir())
			t.QueueForPush(r.RunFile().Local(), r.Dir())
			for _, extra := range r.ExtraFiles() {
				t.QueueForPush(extra, r.Dir())
			}
		}
	}

	for _, ep := range plan.endpoints {
		ep.transport.QueueForPush(plan.Repository, base)
	}

	plan.Master = filepath.Join(opts.StageDir, MasterFile)
	if err := os.WriteFile(plan.Master, []byte(c.master(plan)), 0o755); err != nil {
		return fmt.Errorf("failed to write master script: %w", err)
	}
	plan.Anchor.Transport().QueueForPush(plan.Master, base)
	return nil
}

// discard drops every transfer queued for plan and returns how many files
// were dropped.
func (p *Plan) discard() int {
	n := 0
	for _, ep := range p.endpoints {
		n += ep.transport.Pending()
		ep.transport.Wipe()
	}
	return n
}

// Run compiles the graph and dispatches it: every queued file is transferred
// and the anchor's connection runs the master script in the background. With
// opts.DryRun the transfers are discarded instead and nothing runs remotely.
func (c *Compiler) Run(ctx context.Context, opts Options) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	plan, err := c.Compile(ctx, opts)
	if err != nil {
		return nil, err
	}
	staged := plan.Staged()

	if opts.DryRun || len(staged) == 0 {
		dropped := plan.discard()
		if len(staged) == 0 {
			logger.Info("Nothing to dispatch, every generation was already dispatched.")
			return plan, nil
		}
		if err := c.mark(ctx, staged, dataset.StateDryRun); err != nil {
			return nil, err
		}
		logger.Info("Dry run complete, nothing was transferred.", "generations", len(staged), "files", dropped, "master", plan.Master)
		c.publish(ctx, plan, notify.EventDryRun, len(staged))
		return plan, nil
	}

	for _, ep := range plan.endpoints {
		if err := ep.transport.Transfer(ctx); err != nil {
			plan.discard()
			return nil, fmt.Errorf("transfer to %s: %w", ep.host, err)
		}
	}
	conn := plan.Anchor.Connection()
	command := "cd " + fragment.HostPath(plan.Base) + " && " + conn.Shell() + " " + MasterFile
	if _, err := conn.Cmd(ctx, command, true); err != nil {
		return nil, fmt.Errorf("failed to start master script on %s: %w", conn.Host(), err)
	}
	if err := c.mark(ctx, staged, dataset.StateSubmitPending); err != nil {
		return nil, err
	}
	logger.Info("Chain dispatched.", "host", conn.Host(), "generations", len(staged))
	c.publish(ctx, plan, notify.EventDispatched, len(staged))
	return plan, nil
}

func (c *Compiler) mark(ctx context.Context, staged []Generation, state dataset.State) error {
	for _, g := range staged {
		g.Runner.SetState(state)
	}
	for _, d := range c.view.Datasets() {
		if err := d.Save(ctx); err != nil {
			return fmt.Errorf("save dataset '%s': %w", d.Name(), err)
		}
	}
	return nil
}

func (c *Compiler) publish(ctx context.Context, plan *Plan, name string, generations int) {
	datasets := c.view.Datasets()
	names := make([]string, len(datasets))
	for i, d := range datasets {
		names[i] = d.Name()
	}
	ev := notify.Event{
		Name:        name,
		Anchor:      plan.Anchor.Name(),
		Datasets:    names,
		Generations: generations,
		Time:        time.Now(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to publish event.", "event", name, "error", err)
	}
}

// master renders the bootstrap script.
func (c *Compiler) master(plan *Plan) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if plan.Fresh {
		ids := make([]string, 0, len(plan.Generations))
		for _, g := range plan.Staged() {
			ids = append(ids, g.Runner.ID())
		}
		if line := manifest.ResetLine(plan.Anchor.Connection().Manifest(), ids); line != "" {
			b.WriteString(line + "\n")
		}
	}
	b.WriteString(plan.Renderer.Export() + "\n")
	for _, s := range plan.Bootstrap {
		b.WriteString(plan.Renderer.Bootstrap(s) + "\n")
	}
	return b.String()
}

// childSubmit builds the fragment parent generation r runs for child. Only
// gating parents submit a child; when several do, the submission waits for
// the child's full gate and the first parent to claim the child submits it.
func childSubmit(plan *Plan, parent dataset.Dataset, r dataset.Runner, child dataset.Dataset, gating []dataset.Dataset, i int) (fragment.ChildSubmit, bool) {
	gates := false
	for _, p := range gating {
		if p.ID() == parent.ID() {
			gates = true
			break
		}
	}
	if !gates {
		return fragment.ChildSubmit{}, false
	}
	cr := child.Runners()[i]
	cs := fragment.ChildSubmit{
		ErrorFrom: r.ErrorFile().Fragment(),
		ErrorTo:   cr.ErrorFile().Fragment(),
		Submit:    submission(child.Connection(), cr),
	}
	if len(gating) > 1 {
		for _, p := range gating {
			cs.Await.Results = append(cs.Await.Results, p.Runners()[i].ResultFile().Fragment())
		}
		cs.Claim = fragment.Path{Dir: plan.Base, Name: cr.ID() + "-" + plan.Dispatch + ".claim"}
	}
	return cs, true
}

// submission selects how r is handed to conn: through the queue unless the
// runner avoids compute nodes or the host has no queue.
func submission(conn transport.Connection, r dataset.Runner) fragment.Submission {
	opts := r.Options()
	s := fragment.Submission{
		Target:  r.ID(),
		Dir:     r.Dir(),
		Script:  r.JobScript().Name,
		Mode:    fragment.ModeQueue,
		Command: conn.Submitter(),
	}
	if opts.AvoidNodes || conn.Submitter() == "" {
		s.Mode = fragment.ModeShell
		s.Command = conn.Shell()
	}
	s.Background = opts.Asynchronous && s.Mode == fragment.ModeShell
	return s
}

// repository renders the shared function file, one block per dataset.
func repository(datasets []dataset.Dataset) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, d := range datasets {
		fmt.Fprintf(&b, "\n# %s (%s)\n", d.Name(), d.ID())
		if src := strings.TrimRight(d.FunctionSource(), "\n"); src != "" {
			b.WriteString(src + "\n")
		}
	}
	return b.String()
}

// fresh reports whether no runner of the graph has been dispatched yet.
func fresh(datasets []dataset.Dataset) bool {
	for _, d := range datasets {
		for _, r := range d.Runners() {
			if r.State().Submitted() {
				return false
			}
		}
	}
	return true
}

// endpoints returns every distinct transport of the graph, the anchor's first.
func endpoints(anchor dataset.Dataset, datasets []dataset.Dataset) []endpoint {
	out := []endpoint{{host: anchor.Connection().Host(), transport: anchor.Transport()}}
	seen := map[transport.Transport]bool{anchor.Transport(): true}
	for _, d := range datasets {
		if t := d.Transport(); !seen[t] {
			seen[t] = true
			out = append(out, endpoint{host: d.Connection().Host(), transport: t})
		}
	}
	return out
}

func warnCrossHost(ctx context.Context, anchor dataset.Dataset, datasets []dataset.Dataset) {
	host := anchor.Connection().Host()
	for _, d := range datasets {
		if h := d.Connection().Host(); h != host {
			ctxlog.FromContext(ctx).Warn("Dataset runs on a different host than the anchor, its submissions are issued from its parents' host.",
				"dataset", d.Name(), "host", h, "anchor_host", host)
		}
	}
}
