package fragment

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
)

// Renderer serializes fragments to bash. Base is the remote directory the
// bootstrap script runs in; it is what $GRIDCHAIN_BASE expands to.
type Renderer struct {
	Base string
}

// NewRenderer creates a renderer rooted at base.
func NewRenderer(base string) Renderer {
	return Renderer{Base: path.Clean(base)}
}

// Path renders p as a shell word.
func (r Renderer) Path(p Path) string {
	return r.location(p.String())
}

// Dir renders a remote directory as a shell word.
func (r Renderer) Dir(dir string) string {
	return r.location(path.Clean(dir))
}

func (r Renderer) location(full string) string {
	if rel, ok := relative(r.Base, full); ok {
		return under(`"$`+BaseVar+`"`, rel)
	}
	return HostPath(full)
}

// under joins a quoted variable prefix and a path relative to it.
func under(prefix, rel string) string {
	if rel == "." {
		return prefix
	}
	return prefix + "/" + shellescape.Quote(rel)
}

// HostPath renders a path for commands run from the login directory, outside
// any bootstrap script: absolute paths as-is, anything else under $HOME.
func HostPath(p string) string {
	p = path.Clean(p)
	if path.IsAbs(p) {
		return shellescape.Quote(p)
	}
	return under(`"$HOME"`, p)
}

// relative expresses target relative to base when both are of the same kind
// (both absolute or both relative to the login directory).
func relative(base, target string) (string, bool) {
	if path.IsAbs(base) != path.IsAbs(target) {
		return "", false
	}
	rel, err := filepath.Rel(filepath.FromSlash(base), filepath.FromSlash(target))
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Condition renders g as a shell test expression. An empty guard renders as
// the empty string.
func (r Renderer) Condition(g Guard) string {
	parts := make([]string, 0, len(g.Results)+len(g.Fresh))
	for _, p := range g.Results {
		parts = append(parts, "[ -f "+r.Path(p)+" ]")
	}
	for _, f := range g.Fresh {
		// -nt is also true when the result does not exist yet.
		parts = append(parts, "! [ "+r.Path(f.Run)+" -nt "+r.Path(f.Result)+" ]")
	}
	return strings.Join(parts, " && ")
}

// Submit renders a submission issued from an arbitrary working directory.
func (r Renderer) Submit(s Submission) string {
	line := "( cd " + r.Dir(s.Dir) + " && " + s.Command + " " + shellescape.Quote(s.Script) + " )"
	if s.Detached() {
		line += " &"
	}
	return line
}

// Bootstrap renders a submission line for the bootstrap script, which runs
// inside Base. The directory change is only emitted when the script lives
// elsewhere.
func (r Renderer) Bootstrap(s Submission) string {
	if path.Clean(s.Dir) != r.Base {
		return r.Submit(s)
	}
	line := s.Command + " " + shellescape.Quote(s.Script)
	if s.Detached() {
		line += " &"
	}
	return line
}

// Chain renders a child-submission fragment.
func (r Renderer) Chain(c ChildSubmit) string {
	var b strings.Builder
	from, to := r.Path(c.ErrorFrom), r.Path(c.ErrorTo)
	b.WriteString("if [ -f " + from + " ]; then cp " + from + " " + to + "; fi\n")
	if c.Await.Empty() {
		b.WriteString(r.Submit(c.Submit))
		return b.String()
	}
	submit := r.Submit(c.Submit)
	if !c.Submit.Detached() {
		submit += ";"
	}
	ready := "[ -f " + from + " ] || { " + r.Condition(c.Await) + "; }"
	if c.Claim.Name != "" {
		ready = "{ " + ready + "; } && mkdir " + r.Path(c.Claim) + " 2>/dev/null"
	}
	b.WriteString("if " + ready + "; then " + submit + " fi")
	return b.String()
}

// Chains renders several child fragments, one block per child.
func (r Renderer) Chains(cs []ChildSubmit) string {
	blocks := make([]string, 0, len(cs))
	for _, c := range cs {
		blocks = append(blocks, r.Chain(c))
	}
	return strings.Join(blocks, "\n")
}

// Export renders the bootstrap directory/export line.
func (r Renderer) Export() string {
	return `cd "$(dirname "$0")" && export ` + BaseVar + `="$PWD"`
}
