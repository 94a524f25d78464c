// Package status writes the coarse bench state token consumed by the
// external front end: "PREPARING", "READY,<bw>,<ch>,<rate>", or
// "FAILED,<reason>", one token per file write.
package status

import (
	"fmt"
	"os"
	"path/filepath"

	"wifibench/pkg/rateplan"
)

// Notifier writes state tokens to a well-known file.
type Notifier struct {
	path string
}

// New returns a notifier writing to path. An empty path disables
// notification (every emit becomes a no-op).
func New(path string) *Notifier {
	return &Notifier{path: path}
}

// Preparing signals that environment preparation is in progress.
func (n *Notifier) Preparing() error {
	return n.emit("PREPARING")
}

// Ready signals that the bench is configured for the given parameters.
func (n *Notifier) Ready(width, channel int, rate rateplan.Rate) error {
	return n.emit(fmt.Sprintf("READY,%d,%d,%s", width, channel, rate))
}

// Failed signals an explicit failure.
func (n *Notifier) Failed(reason string) error {
	return n.emit("FAILED," + reason)
}

func (n *Notifier) emit(token string) error {
	if n.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(n.path, []byte(token+"\n"), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
