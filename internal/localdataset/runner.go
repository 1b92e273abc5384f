package localdataset

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/specialistvlad/gridchain/internal/dataset"
	"github.com/specialistvlad/gridchain/internal/fragment"
	"github.com/specialistvlad/gridchain/internal/manifest"
	"github.com/specialistvlad/gridchain/internal/statestore"
)

// Runner implements dataset.Runner.
type Runner struct {
	ds      *Dataset
	id      string
	name    string
	dir     string
	args    map[string]string
	extra   string
	opts    dataset.Options
	state   dataset.State
	guards  []fragment.Guard
	errText string
}

var _ dataset.Runner = (*Runner)(nil)

func restoreRunner(d *Dataset, rr statestore.RunnerRecord) *Runner {
	return &Runner{
		ds:      d,
		id:      rr.ID,
		name:    rr.Name,
		dir:     rr.Dir,
		args:    rr.Arguments,
		extra:   rr.Extra,
		opts:    dataset.Options{Asynchronous: rr.Asynchronous, AvoidNodes: rr.AvoidNodes},
		state:   dataset.State(rr.State),
		guards:  rr.Guards,
		errText: rr.Error,
	}
}

func (r *Runner) record() statestore.RunnerRecord {
	return statestore.RunnerRecord{
		ID:           r.id,
		Name:         r.name,
		Dir:          r.dir,
		Arguments:    r.args,
		Extra:        r.extra,
		Asynchronous: r.opts.Asynchronous,
		AvoidNodes:   r.opts.AvoidNodes,
		State:        string(r.state),
		Guards:       r.guards,
		Error:        r.errText,
	}
}

func (r *Runner) ID() string { return r.id }
func (r *Runner) Name() string { return r.name }
func (r *Runner) Dir() string { return r.dir }
func (r *Runner) Options() dataset.Options { return r.opts }
func (r *Runner) State() dataset.State { return r.state }
func (r *Runner) SetState(s dataset.State) { r.state = s }
func (r *Runner) Failed() bool { return r.state == dataset.StateFailed }
func (r *Runner) Guards() []fragment.Guard { return r.guards }
func (r *Runner) InstallGuard(g fragment.Guard) { r.guards = append(r.guards, g) }

func (r *Runner) file(suffix string) dataset.File {
	return dataset.File{Name: r.id + suffix, LocalDir: r.ds.cfg.LocalDir, RemoteDir: r.dir}
}

func (r *Runner) JobScript() dataset.File { return r.file(".job.sh") }
func (r *Runner) RunFile() dataset.File { return r.file(".run.sh") }
func (r *Runner) ResultFile() dataset.File { return r.file(".result") }
func (r *Runner) ErrorFile() dataset.File { return r.file(".error") }

// ExtraFiles implements dataset.Runner.
func (r *Runner) ExtraFiles() []string {
	return append([]string(nil), r.ds.cfg.ExtraFiles...)
}

// Stage writes the run file and job script into the local directory. A
// generation that was already dispatched is left alone unless req.Force is
// set.
func (r *Runner) Stage(ctx context.Context, req dataset.StageRequest) (bool, error) {
	logger := ctxlog.FromContext(ctx).With("dataset", r.ds.cfg.Name, "runner", r.id)
	if !req.Force && r.state.Submitted() {
		logger.Debug("Generation already dispatched, not staging.", "state", r.state)
		return false, nil
	}
	if err := os.MkdirAll(r.ds.cfg.LocalDir, 0o755); err != nil {
		return false, fmt.Errorf("dataset '%s': failed to create staging directory: %w", r.ds.cfg.Name, err)
	}

	rd := fragment.NewRenderer(req.Base)
	if err := os.WriteFile(r.RunFile().Local(), []byte(r.runScript(rd, req)), 0o644); err != nil {
		return false, fmt.Errorf("dataset '%s': failed to write run file: %w", r.ds.cfg.Name, err)
	}
	if err := os.WriteFile(r.JobScript().Local(), []byte(r.jobScript(rd, req)), 0o755); err != nil {
		return false, fmt.Errorf("dataset '%s': failed to write job script: %w", r.ds.cfg.Name, err)
	}
	r.state = dataset.StateStaged
	logger.Debug("Staged generation.", "run", r.name)
	return true, nil
}

// runScript exports the run arguments, loads the shared repository and calls
// the entrypoint.
func (r *Runner) runScript(rd fragment.Renderer, req dataset.StageRequest) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	keys := make([]string, 0, len(r.args))
	for k := range r.args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellescape.Quote(r.args[k]))
	}
	if req.Repository.Name != "" {
		fmt.Fprintf(&b, "source %s\n", rd.Path(req.Repository.Fragment()))
	}
	b.WriteString(r.ds.cfg.Entrypoint + "\n")
	return b.String()
}

// jobScript wraps the run file with the parent check, manifest bookkeeping
// and the child submissions.
func (r *Runner) jobScript(rd fragment.Renderer, req dataset.StageRequest) string {
	result := r.ResultFile().Fragment()
	errFile := r.ErrorFile().Fragment()
	resultPart := fragment.Path{Dir: result.Dir, Name: result.Name + ".part"}
	errPart := fragment.Path{Dir: errFile.Dir, Name: errFile.Name + ".part"}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# gridchain job %s/%s (%s)\n", r.ds.cfg.Name, r.name, r.id)
	for _, extra := range []string{r.ds.cfg.Extra, req.Extra, r.extra} {
		if strings.TrimSpace(extra) != "" {
			b.WriteString(strings.TrimRight(extra, "\n") + "\n")
		}
	}

	cond := req.ParentCheck
	if cond == "" {
		cond = "true"
	}
	fmt.Fprintf(&b, "if %s; then\n", cond)
	fmt.Fprintf(&b, "  rm -f %s %s\n", rd.Path(result), rd.Path(errFile))
	fmt.Fprintf(&b, "  %s\n", manifest.AppendLine(req.Manifest, r.id, manifest.Started))
	fmt.Fprintf(&b, "  if bash %s > %s 2> %s; then\n", rd.Path(r.RunFile().Fragment()), rd.Path(resultPart), rd.Path(errPart))
	fmt.Fprintf(&b, "    mv %s %s && rm -f %s\n", rd.Path(resultPart), rd.Path(result), rd.Path(errPart))
	fmt.Fprintf(&b, "    %s\n", manifest.AppendLine(req.Manifest, r.id, manifest.Completed))
	b.WriteString("  else\n")
	fmt.Fprintf(&b, "    mv %s %s && rm -f %s\n", rd.Path(errPart), rd.Path(errFile), rd.Path(resultPart))
	fmt.Fprintf(&b, "    %s\n", manifest.AppendLine(req.Manifest, r.id, manifest.Failed))
	b.WriteString("  fi\n")
	b.WriteString("else\n")
	notice := fmt.Sprintf("gridchain: parent check failed for %s/%s", r.ds.cfg.Name, r.name)
	fmt.Fprintf(&b, "  echo %s >> %s\n", shellescape.Quote(notice), rd.Path(errFile))
	fmt.Fprintf(&b, "  %s\n", manifest.AppendLine(req.Manifest, r.id, manifest.Failed))
	b.WriteString("fi\n")

	if req.ChildSubmit != "" {
		b.WriteString(strings.TrimRight(req.ChildSubmit, "\n") + "\n")
	}
	return b.String()
}

func (r *Runner) removeLocal() error {
	for _, f := range []dataset.File{r.JobScript(), r.RunFile(), r.ResultFile(), r.ErrorFile()} {
		if err := removeFile(f.Local()); err != nil {
			return fmt.Errorf("dataset '%s': %w", r.ds.cfg.Name, err)
		}
	}
	return nil
}
