package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wifibench/pkg/rateplan"
)

func TestArtifactName(t *testing.T) {
	p := rateplan.TestPoint{
		Band: rateplan.Band5G, Width: 20, Channel: 36,
		Rate: rateplan.MCS(8), Direction: rateplan.DirTX,
	}
	got := ArtifactName(p, "AP")
	if got != "5G_20MHz_AP_TX_CH36_MCS8.txt" {
		t.Errorf("unexpected name: %s", got)
	}

	p2 := rateplan.TestPoint{
		Band: rateplan.Band2G, Width: 20, Channel: 6,
		Rate: rateplan.LegacyCCK(11), Direction: rateplan.DirRX,
	}
	if got := ArtifactName(p2, "STA"); got != "2G_20MHz_STA_RX_CH6_11M.txt" {
		t.Errorf("unexpected legacy name: %s", got)
	}
}

func TestRunDirCreatedOnce(t *testing.T) {
	base := t.TempDir()
	run := NewRun(base)

	d1, err := run.Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	d2, err := run.Dir()
	if err != nil {
		t.Fatalf("second Dir() failed: %v", err)
	}
	if d1 != d2 {
		t.Errorf("run dir rotated mid-run: %s vs %s", d1, d2)
	}
	if !strings.HasPrefix(filepath.Base(d1), "run_") {
		t.Errorf("unexpected run dir name: %s", d1)
	}
}

func TestArtifactContents(t *testing.T) {
	run := NewRun(t.TempDir())
	p := rateplan.TestPoint{
		Band: rateplan.Band5G, Width: 40, Channel: 149,
		Rate: rateplan.MCS(9), Direction: rateplan.DirRX,
	}

	a, err := run.Create(p, "AP")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := a.WriteHeader([]string{"# MODE=AP_RX", "# BW=40MHz CH=149 MCS9"}); err != nil {
		t.Fatalf("WriteHeader() failed: %v", err)
	}
	if err := a.WriteLine("[  5]   1.00-2.00   sec  112 MBytes   943 Mbits/sec"); err != nil {
		t.Fatalf("WriteLine() failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(a.Path())
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	want := "# MODE=AP_RX\n# BW=40MHz CH=149 MCS9\n\n[  5]   1.00-2.00   sec  112 MBytes   943 Mbits/sec\n"
	if string(data) != want {
		t.Errorf("artifact contents mismatch:\n%q", string(data))
	}
	if !strings.Contains(a.Path(), string(filepath.Separator)+"BW40"+string(filepath.Separator)) {
		t.Errorf("artifact not under BW subdirectory: %s", a.Path())
	}
}
