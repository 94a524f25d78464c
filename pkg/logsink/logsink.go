// Package logsink owns the on-disk log layout for a sweep run:
//
//	<base>/run_YYYYMMDD_HHMM/
//	    BW20/5G_20MHz_AP_TX_CH36_MCS8.txt
//	    BW40/...
//
// One artifact per test point: a header block followed by the raw
// throughput-tool output lines, in order.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wifibench/pkg/rateplan"
)

// Run is the per-invocation log root. The directory is created lazily
// on first artifact and never rotated mid-run.
type Run struct {
	base string
	dir  string
	now  func() time.Time
}

// NewRun prepares a run rooted under base without touching the disk.
func NewRun(base string) *Run {
	return &Run{base: base, now: time.Now}
}

// Dir returns the run directory, creating it on first use.
func (r *Run) Dir() (string, error) {
	if r.dir != "" {
		return r.dir, nil
	}
	dir := filepath.Join(r.base, "run_"+r.now().Format("20060102_1504"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	r.dir = dir
	return dir, nil
}

// ArtifactName builds the deterministic artifact file name for a test
// point and role.
func ArtifactName(p rateplan.TestPoint, role string) string {
	return fmt.Sprintf("%s_%dMHz_%s_%s_CH%d_%s.txt",
		p.Band, p.Width, role, p.Direction, p.Channel, p.Rate)
}

// Artifact is one open test-point log file.
type Artifact struct {
	path string
	f    *os.File
}

// Create opens the artifact for a test point, creating the per-width
// subdirectory as needed.
func (r *Run) Create(p rateplan.TestPoint, role string) (*Artifact, error) {
	dir, err := r.Dir()
	if err != nil {
		return nil, err
	}
	bwDir := filepath.Join(dir, fmt.Sprintf("BW%d", p.Width))
	if err := os.MkdirAll(bwDir, 0o755); err != nil {
		return nil, fmt.Errorf("create width dir: %w", err)
	}

	path := filepath.Join(bwDir, ArtifactName(p, role))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return &Artifact{path: path, f: f}, nil
}

// Path returns the artifact's file path.
func (a *Artifact) Path() string { return a.path }

// WriteHeader writes the header block followed by a blank separator.
func (a *Artifact) WriteHeader(lines []string) error {
	for _, ln := range lines {
		if err := a.WriteLine(ln); err != nil {
			return err
		}
	}
	return a.WriteLine("")
}

// WriteLine appends one line and flushes so output survives an
// interrupted run.
func (a *Artifact) WriteLine(line string) error {
	if a.f == nil {
		return nil
	}
	if _, err := a.f.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		return fmt.Errorf("write artifact line: %w", err)
	}
	return a.f.Sync()
}

// Close flushes and closes the artifact.
func (a *Artifact) Close() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
