// Package manifest reads and writes the host-scoped manifest log.
//
// Every job script appends one line per lifecycle transition to a single
// log file on its host:
//
//	1718000000 3f9c2a1b started
//	1718000042 3f9c2a1b completed
//
// Because the file is per host rather than per dataset, one fetch refreshes
// every runner that executes there.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/gridchain/internal/fragment"
)

// Lifecycle states written by job scripts.
const (
	Started   = "started"
	Completed = "completed"
	Failed    = "failed"
)

// DefaultPath is used when a connection does not configure one. Relative
// paths are resolved against the login directory.
const DefaultPath = ".gridchain/manifest.log"

// Entry is one parsed manifest line.
type Entry struct {
	Time   time.Time
	Runner string
	State  string
}

// Parse reads every well-formed entry from r. Blank lines, comments and lines
// that do not match the format are skipped: a job killed mid-write leaves a
// torn line behind and that must not hide the rest of the log.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Time:   time.Unix(ts, 0),
			Runner: fields[1],
			State:  fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return entries, nil
}

// Latest folds entries into the most recent state per runner. Entries with
// equal timestamps resolve to the one written last.
func Latest(entries []Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if prev, ok := out[e.Runner]; ok && prev.Time.After(e.Time) {
			continue
		}
		out[e.Runner] = e
	}
	return out
}

// ShellPath renders a manifest location as a shell word.
func ShellPath(p string) string {
	return fragment.HostPath(p)
}

// AppendLine renders the shell command a job script uses to record a state.
func AppendLine(manifestPath, runner, state string) string {
	return fmt.Sprintf(`echo "$(date +%%s) %s %s" >> %s`, runner, state, ShellPath(manifestPath))
}

// ResetLine renders the bootstrap command that drops stale entries for the
// given runners, creating the log if needed. It returns "" for no runners.
func ResetLine(manifestPath string, runners []string) string {
	if len(runners) == 0 {
		return ""
	}
	m := ShellPath(manifestPath)
	var patterns strings.Builder
	for _, id := range runners {
		patterns.WriteString(" -e ")
		patterns.WriteString(id)
	}
	tmp := m + ".tmp"
	return fmt.Sprintf(`mkdir -p "$(dirname %s)" && touch %s && { grep -v -F%s %s > %s; mv %s %s; }`,
		m, m, patterns.String(), m, tmp, tmp, m)
}
