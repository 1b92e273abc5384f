// Package localdataset is the dataset implementation the CLI uses: runner
// files are staged in a local directory, shipped through a transport.Endpoint
// and described by a statestore.Record between invocations.
package localdataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/statestore"
	"github.com/specialistvlad/gridchain/internal/transport"
)

var (
	// ErrDuplicateRun is returned when a run name is already used by the dataset.
	ErrDuplicateRun = errors.New("run already exists")
	// ErrInvalidArgument is returned for run arguments that cannot be exported
	// as shell variables.
	ErrInvalidArgument = errors.New("invalid run argument")
)

// namespace scopes dataset identities so equal names always map to equal ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/specialistvlad/gridchain"))

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func shortID(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}

// Config describes one dataset.
type Config struct {
	Name string
	// Function is shell source defining the dataset's functions. It is
	// shipped once in the shared repository file.
	Function string
	// Entrypoint is the command every run file ends with.
	Entrypoint string
	Extra      string
	LocalDir   string
	RemoteDir  string
	// ExtraFiles are local files shipped next to every job script.
	ExtraFiles []string
	// Default execution options for new runs.
	Asynchronous bool
	AvoidNodes   bool

	Endpoint transport.Endpoint
	Store    statestore.Store
}

// Hook receives lifecycle calls a user makes on a single dataset so they can
// be applied to the dataset's whole graph.
type Hook interface {
	ClearRuns(ctx context.Context) error
	ClearResults(ctx context.Context) error
	WipeLocal(ctx context.Context) error
	WipeRemote(ctx context.Context) error
	HardReset(ctx context.Context) error
	RemoveRun(ctx context.Context, name string) (bool, error)
}

// Dataset implements dataset.Dataset.
type Dataset struct {
	cfg     Config
	id      string
	runners []*Runner
	hook    Hook
	dirty   bool
}

var _ dataset.Dataset = (*Dataset)(nil)

// Open creates the dataset described by cfg and restores its runners from
// the store.
func Open(ctx context.Context, cfg Config) (*Dataset, error) {
	if cfg.Name == "" {
		return nil, errors.New("dataset name must not be empty")
	}
	if cfg.Entrypoint == "" {
		return nil, fmt.Errorf("dataset '%s': entrypoint must not be empty", cfg.Name)
	}
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("dataset '%s': no connection", cfg.Name)
	}
	if cfg.Store == nil {
		cfg.Store = statestore.NewMemoryStore()
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = path.Join("gridchain", cfg.Name)
	}
	cfg.RemoteDir = path.Clean(cfg.RemoteDir)

	d := &Dataset{
		cfg: cfg,
		id:  shortID(uuid.NewSHA1(namespace, []byte(cfg.Name))),
	}

	rec, err := cfg.Store.Load(ctx, d.id)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		ctxlog.FromContext(ctx).Debug("No saved state, starting empty.", "dataset", cfg.Name, "id", d.id)
	case err != nil:
		return nil, err
	default:
		for _, rr := range rec.Runners {
			d.runners = append(d.runners, restoreRunner(d, rr))
		}
		ctxlog.FromContext(ctx).Debug("Restored dataset state.", "dataset", cfg.Name, "id", d.id, "runners", len(d.runners))
	}
	return d, nil
}

// SetHook installs the graph hook direct lifecycle calls are forwarded to.
func (d *Dataset) SetHook(h Hook) { d.hook = h }

func (d *Dataset) ID() string { return d.id }
func (d *Dataset) Name() string { return d.cfg.Name }
func (d *Dataset) FunctionSource() string { return d.cfg.Function }
func (d *Dataset) Extra() string { return d.cfg.Extra }
func (d *Dataset) LocalDir() string { return d.cfg.LocalDir }
func (d *Dataset) RemoteDir() string { return d.cfg.RemoteDir }
func (d *Dataset) Transport() transport.Transport { return d.cfg.Endpoint }
func (d *Dataset) Connection() transport.Connection { return d.cfg.Endpoint }

// Runners implements dataset.Dataset.
func (d *Dataset) Runners() []dataset.Runner {
	out := make([]dataset.Runner, len(d.runners))
	for i, r := range d.runners {
		out[i] = r
	}
	return out
}

// AppendRun implements dataset.Dataset. The new runner is only persisted by
// Save or FinishAppend.
func (d *Dataset) AppendRun(ctx context.Context, spec dataset.RunSpec, origin dataset.Origin) (dataset.Runner, error) {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("run-%d", len(d.runners))
	}
	if d.find(name) >= 0 {
		return nil, fmt.Errorf("dataset '%s': run '%s': %w", d.cfg.Name, name, ErrDuplicateRun)
	}
	args := make(map[string]string, len(spec.Arguments))
	for k, v := range spec.Arguments {
		if !identifier.MatchString(k) {
			return nil, fmt.Errorf("dataset '%s': argument '%s': %w", d.cfg.Name, k, ErrInvalidArgument)
		}
		args[k] = v
	}

	dir := d.cfg.RemoteDir
	if spec.Dir != "" {
		if path.IsAbs(spec.Dir) {
			dir = path.Clean(spec.Dir)
		} else {
			dir = path.Join(d.cfg.RemoteDir, spec.Dir)
		}
	}
	opts := dataset.Options{Asynchronous: d.cfg.Asynchronous, AvoidNodes: d.cfg.AvoidNodes}
	if spec.Asynchronous != nil {
		opts.Asynchronous = *spec.Asynchronous
	}
	if spec.AvoidNodes != nil {
		opts.AvoidNodes = *spec.AvoidNodes
	}

	r := &Runner{
		ds:    d,
		id:    shortID(uuid.New()),
		name:  name,
		dir:   dir,
		args:  args,
		extra: spec.Extra,
		opts:  opts,
		state: dataset.StateCreated,
	}
	d.runners = append(d.runners, r)
	d.dirty = true
	ctxlog.FromContext(ctx).Debug("Appended run.", "dataset", d.cfg.Name, "run", name, "runner", r.id, "origin", origin)
	return r, nil
}

// FinishAppend implements dataset.Dataset.
func (d *Dataset) FinishAppend(ctx context.Context, origin dataset.Origin) error {
	if !d.dirty {
		return nil
	}
	return d.Save(ctx)
}

// Save implements dataset.Dataset.
func (d *Dataset) Save(ctx context.Context) error {
	rec := &statestore.Record{Dataset: d.cfg.Name, ID: d.id}
	for _, r := range d.runners {
		rec.Runners = append(rec.Runners, r.record())
	}
	if err := d.cfg.Store.Save(ctx, rec); err != nil {
		return err
	}
	d.dirty = false
	return nil
}

func (d *Dataset) cascade(origin dataset.Origin) bool {
	return origin == dataset.OriginDirect && d.hook != nil
}

// ClearRuns drops every runner and its staged files.
func (d *Dataset) ClearRuns(ctx context.Context, origin dataset.Origin) error {
	if d.cascade(origin) {
		return d.hook.ClearRuns(ctx)
	}
	for _, r := range d.runners {
		if err := r.removeLocal(); err != nil {
			return err
		}
	}
	d.runners = nil
	ctxlog.FromContext(ctx).Debug("Cleared runs.", "dataset", d.cfg.Name)
	return d.Save(ctx)
}

// ClearResults deletes result and error files locally and remotely and
// returns every runner to the created state.
func (d *Dataset) ClearResults(ctx context.Context, origin dataset.Origin) error {
	if d.cascade(origin) {
		return d.hook.ClearResults(ctx)
	}
	if len(d.runners) == 0 {
		return nil
	}
	remote := make([]string, 0, 2*len(d.runners))
	for _, r := range d.runners {
		for _, f := range []dataset.File{r.ResultFile(), r.ErrorFile()} {
			if err := removeFile(f.Local()); err != nil {
				return err
			}
			remote = append(remote, fragment.HostPath(f.Remote()))
		}
		r.state = dataset.StateCreated
		r.errText = ""
	}
	if _, err := d.cfg.Endpoint.Cmd(ctx, "rm -f "+strings.Join(remote, " "), false); err != nil {
		return fmt.Errorf("dataset '%s': failed to clear remote results: %w", d.cfg.Name, err)
	}
	ctxlog.FromContext(ctx).Debug("Cleared results.", "dataset", d.cfg.Name)
	return d.Save(ctx)
}

// WipeLocal removes the dataset's local staging directory.
func (d *Dataset) WipeLocal(ctx context.Context, origin dataset.Origin) error {
	if d.cascade(origin) {
		return d.hook.WipeLocal(ctx)
	}
	if d.cfg.LocalDir == "" {
		return nil
	}
	if err := os.RemoveAll(d.cfg.LocalDir); err != nil {
		return fmt.Errorf("dataset '%s': failed to wipe local storage: %w", d.cfg.Name, err)
	}
	ctxlog.FromContext(ctx).Debug("Wiped local storage.", "dataset", d.cfg.Name, "dir", d.cfg.LocalDir)
	return nil
}

// WipeRemote removes the dataset's remote directory and every runner
// directory outside it.
func (d *Dataset) WipeRemote(ctx context.Context, origin dataset.Origin) error {
	if d.cascade(origin) {
		return d.hook.WipeRemote(ctx)
	}
	dirs := []string{d.cfg.RemoteDir}
	seen := map[string]bool{d.cfg.RemoteDir: true}
	for _, r := range d.runners {
		if !seen[r.dir] && !within(d.cfg.RemoteDir, r.dir) {
			seen[r.dir] = true
			dirs = append(dirs, r.dir)
		}
	}
	quoted := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if dir == "." || dir == "/" {
			return fmt.Errorf("dataset '%s': refusing to wipe remote directory '%s'", d.cfg.Name, dir)
		}
		quoted = append(quoted, fragment.HostPath(dir))
	}
	if _, err := d.cfg.Endpoint.Cmd(ctx, "rm -rf "+strings.Join(quoted, " "), false); err != nil {
		return fmt.Errorf("dataset '%s': failed to wipe remote storage: %w", d.cfg.Name, err)
	}
	ctxlog.FromContext(ctx).Debug("Wiped remote storage.", "dataset", d.cfg.Name, "dirs", dirs)
	return nil
}

// HardReset wipes both storages and drops every runner.
func (d *Dataset) HardReset(ctx context.Context, origin dataset.Origin) error {
	if d.cascade(origin) {
		return d.hook.HardReset(ctx)
	}
	if err := d.WipeRemote(ctx, dataset.OriginGraph); err != nil {
		return err
	}
	if err := d.WipeLocal(ctx, dataset.OriginGraph); err != nil {
		return err
	}
	return d.ClearRuns(ctx, dataset.OriginGraph)
}

// RemoveRun drops the runner with the given run name. It reports false when
// no such run exists.
func (d *Dataset) RemoveRun(ctx context.Context, name string, origin dataset.Origin) (bool, error) {
	if d.cascade(origin) {
		return d.hook.RemoveRun(ctx, name)
	}
	i := d.find(name)
	if i < 0 {
		return false, nil
	}
	if err := d.runners[i].removeLocal(); err != nil {
		return false, err
	}
	d.runners = append(d.runners[:i], d.runners[i+1:]...)
	if err := d.Save(ctx); err != nil {
		return false, err
	}
	ctxlog.FromContext(ctx).Debug("Removed run.", "dataset", d.cfg.Name, "run", name)
	return true, nil
}

// FetchResults pulls every runner's result and error file. A runner with an
// error file is failed, one with only a result file is completed.
func (d *Dataset) FetchResults(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for _, r := range d.runners {
		gotResult, err := d.pull(ctx, r.ResultFile())
		if err != nil {
			return err
		}
		gotError, err := d.pull(ctx, r.ErrorFile())
		if err != nil {
			return err
		}
		switch {
		case gotError:
			data, err := os.ReadFile(r.ErrorFile().Local())
			if err != nil {
				return fmt.Errorf("dataset '%s': %w", d.cfg.Name, err)
			}
			r.errText = strings.TrimSpace(string(data))
			r.state = dataset.StateFailed
		case gotResult:
			r.state = dataset.StateCompleted
		}
		logger.Debug("Fetched runner results.", "dataset", d.cfg.Name, "runner", r.id, "result", gotResult, "error", gotError)
	}
	return d.Save(ctx)
}

func (d *Dataset) pull(ctx context.Context, f dataset.File) (bool, error) {
	err := d.cfg.Endpoint.Pull(ctx, f.Remote(), f.Local())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dataset '%s': failed to fetch %s: %w", d.cfg.Name, f.Remote(), err)
	}
	return true, nil
}

// Errors implements dataset.Dataset.
func (d *Dataset) Errors() []string {
	var out []string
	for _, r := range d.runners {
		if !r.Failed() {
			continue
		}
		text := r.errText
		if text == "" {
			text = "no error output"
		}
		out = append(out, fmt.Sprintf("%s (%s): %s", r.name, r.id, text))
	}
	return out
}

func (d *Dataset) find(name string) int {
	for i, r := range d.runners {
		if r.name == name {
			return i
		}
	}
	return -1
}

func within(parent, dir string) bool {
	return strings.HasPrefix(dir, strings.TrimSuffix(parent, "/")+"/")
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
