package status

import (
	"os"
	"path/filepath"
	"testing"

	"wifibench/pkg/rateplan"
)

func TestReadyToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "current_state.txt")
	n := New(path)

	if err := n.Ready(20, 36, rateplan.MCS(8)); err != nil {
		t.Fatalf("Ready() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if string(data) != "READY,20,36,MCS8\n" {
		t.Errorf("unexpected token: %q", string(data))
	}
}

func TestTokenOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.txt")
	n := New(path)

	if err := n.Preparing(); err != nil {
		t.Fatalf("Preparing() failed: %v", err)
	}
	if err := n.Failed("env prep"); err != nil {
		t.Fatalf("Failed() failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "FAILED,env prep\n" {
		t.Errorf("expected last token to win, got %q", string(data))
	}
}

func TestDisabledNotifier(t *testing.T) {
	n := New("")
	if err := n.Preparing(); err != nil {
		t.Errorf("disabled notifier must not fail: %v", err)
	}
}
