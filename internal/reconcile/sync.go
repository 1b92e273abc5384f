package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Summary reports what a Sync changed.
type Summary struct {
	// Hosts is the number of manifests fetched, one per connection.
	Hosts int
	// Updated is the number of runners whose state changed.
	Updated int
	// States counts every dispatched runner by its state after the sync.
	States map[dataset.State]int
}

var manifestStates = map[string]dataset.State{
	manifest.Started:   dataset.StateStarted,
	manifest.Completed: dataset.StateCompleted,
	manifest.Failed:    dataset.StateFailed,
}

type member struct {
	owner  dataset.Dataset
	runner dataset.Runner
}

type hostGroup struct {
	host    string
	conn    transport.Connection
	members []member
	latest  map[string]manifest.Entry
}

// Sync refreshes the state of every dispatched runner from the manifest logs.
// Runners are grouped by connection and each connection's manifest is
// fetched once, concurrently. States are applied only after every fetch succeeded, then
// the changed datasets are saved.
func Sync(ctx context.Context, datasets []dataset.Dataset) (*Summary, error) {
	logger := ctxlog.FromContext(ctx)

	var groups []*hostGroup
	byConn := make(map[transport.Connection]*hostGroup)
	for _, d := range datasets {
		for _, r := range d.Runners() {
			if !r.State().Submitted() {
				continue
			}
			conn := d.Connection()
			g, ok := byConn[conn]
			if !ok {
				g = &hostGroup{host: conn.Host(), conn: conn}
				byConn[conn] = g
				groups = append(groups, g)
			}
			g.members = append(g.members, member{owner: d, runner: r})
		}
	}

	summary := &Summary{Hosts: len(groups), States: make(map[dataset.State]int)}
	if len(groups) == 0 {
		logger.Info("No dispatched runners to sync.")
		return summary, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			latest, err := fetch(egCtx, g.conn)
			if err != nil {
				return fmt.Errorf("sync host %s: %w", g.host, err)
			}
			g.latest = latest
			logger.Debug("Fetched manifest.", "host", g.host, "entries", len(latest), "runners", len(g.members))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	changed := make(map[string]dataset.Dataset)
	var order []dataset.Dataset
	for _, g := range groups {
		for _, m := range g.members {
			if entry, ok := g.latest[m.runner.ID()]; ok {
				state, known := manifestStates[entry.State]
				if !known {
					logger.Warn("Ignoring unknown manifest state.", "host", g.host, "runner", m.runner.ID(), "state", entry.State)
				} else if state != m.runner.State() {
					m.runner.SetState(state)
					summary.Updated++
					if _, seen := changed[m.owner.ID()]; !seen {
						changed[m.owner.ID()] = m.owner
						order = append(order, m.owner)
					}
				}
			}
			summary.States[m.runner.State()]++
		}
	}
	for _, d := range order {
		if err := d.Save(ctx); err != nil {
			return nil, fmt.Errorf("save dataset '%s': %w", d.Name(), err)
		}
	}
	logger.Info("Synced runner states.", "hosts", summary.Hosts, "updated", summary.Updated)
	return summary, nil
}

// fetch reads the host's manifest in one round-trip. A missing manifest is
// an empty one.
func fetch(ctx context.Context, conn transport.Connection) (map[string]manifest.Entry, error) {
	out, err := conn.Cmd(ctx, "cat "+manifest.ShellPath(conn.Manifest())+" 2>/dev/null || true", false)
	if err != nil {
		return nil, err
	}
	entries, err := manifest.Parse(strings.NewReader(out))
	if err != nil {
		return nil, err
	}
	return manifest.Latest(entries), nil
}
