package artifact

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/workspace"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newTestCollector(cfg Config) *Collector {
	return NewCollector(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, dir, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		t.Fatal(err)
	}
}

func names(artifacts []domain.Artifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Filename
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		filename string
		want     domain.ArtifactKind
	}{
		{"plot.png", domain.ArtifactPlot},
		{"figures/Chart.JPEG", domain.ArtifactPlot},
		{"report.pdf", domain.ArtifactPlot},
		{"vector.svg", domain.ArtifactPlot},
		{"data.csv", domain.ArtifactTable},
		{"rows.jsonl", domain.ArtifactTable},
		{"frame.parquet", domain.ArtifactTable},
		{"sheet.xlsx", domain.ArtifactTable},
		{"model.pkl", domain.ArtifactOther},
		{"notes.txt", domain.ArtifactOther},
		{"Makefile", domain.ArtifactOther},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := Classify(tt.filename); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}

func TestCollect_NewAndChangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", []byte("a,b\n1,2\n"))
	writeFile(t, dir, "plot.png", []byte("old"))

	c := newTestCollector(Config{})
	base, err := c.Baseline(dir)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}

	writeFile(t, dir, "plot.png", pngHeader)
	writeFile(t, dir, "out/result.csv", []byte("x,y\n3,4\n"))
	writeFile(t, dir, "model.pkl", []byte{0x80, 0x04, 0x95})

	got, err := c.Collect(dir, base)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []string{"model.pkl", "out/result.csv", "plot.png"}
	if strings.Join(names(got), ",") != strings.Join(want, ",") {
		t.Fatalf("artifacts = %v, want %v", names(got), want)
	}

	byName := map[string]domain.Artifact{}
	for _, a := range got {
		byName[a.Filename] = a
	}
	plot := byName["plot.png"]
	if plot.Kind != domain.ArtifactPlot || plot.ContentType != "image/png" {
		t.Errorf("plot = %+v", plot)
	}
	if plot.SizeBytes != int64(len(pngHeader)) || len(plot.SHA256) != 64 {
		t.Errorf("plot size/hash = %d/%q", plot.SizeBytes, plot.SHA256)
	}
	if csv := byName["out/result.csv"]; csv.Kind != domain.ArtifactTable || !strings.HasPrefix(csv.ContentType, "text/csv") {
		t.Errorf("csv = %+v", csv)
	}
	if other := byName["model.pkl"]; other.Kind != domain.ArtifactOther {
		t.Errorf("pkl kind = %q, want other (never dropped)", other.Kind)
	}
}

func TestCollect_SkipsControlDirAndLinks(t *testing.T) {
	dir := t.TempDir()
	c := newTestCollector(Config{})
	base, _ := c.Baseline(dir)

	writeFile(t, dir, ".labbox/stdout", []byte("captured"))
	writeFile(t, dir, "__pycache__/mod.cpython-312.pyc", []byte("bytecode"))
	outside := filepath.Join(t.TempDir(), "secret")
	writeFile(t, filepath.Dir(outside), "secret", []byte("host data"))
	if err := os.Symlink(outside, filepath.Join(dir, "leak.txt")); err != nil {
		t.Fatal(err)
	}

	got, err := c.Collect(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("artifacts = %v, want none", names(got))
	}
}

func TestCollect_Caps(t *testing.T) {
	dir := t.TempDir()
	c := newTestCollector(Config{MaxArtifacts: 2, MaxBytes: 8})
	base, _ := c.Baseline(dir)

	writeFile(t, dir, "a.txt", []byte("a"))
	writeFile(t, dir, "b.txt", []byte("b"))
	writeFile(t, dir, "big.bin", []byte("0123456789"))
	writeFile(t, dir, "c.txt", []byte("c"))

	got, err := c.Collect(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names(got), ",") != "a.txt,b.txt" {
		t.Errorf("artifacts = %v, want the first two small files", names(got))
	}
}

func TestCollect_MissingDir(t *testing.T) {
	c := newTestCollector(Config{})
	missing := filepath.Join(t.TempDir(), "nope")

	base, err := c.Baseline(missing)
	if err != nil || len(base) != 0 {
		t.Fatalf("baseline = %v, %v", base, err)
	}
	got, err := c.Collect(missing, base)
	if err != nil || len(got) != 0 {
		t.Fatalf("collect = %v, %v", got, err)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		filename, sniffed, want string
	}{
		{"a.csv", "text/plain; charset=utf-8", "text/csv"},
		{"a.json", "application/json", "application/json"},
		{"a.parquet", "application/octet-stream", "application/vnd.apache.parquet"},
		{"a.bin", "application/octet-stream", "application/octet-stream"},
		{"a.png", "image/png", "image/png"},
		{"noext", "", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.filename, tt.sniffed); got != tt.want {
			t.Errorf("ContentType(%q, %q) = %q, want %q", tt.filename, tt.sniffed, got, tt.want)
		}
	}
}

func TestDescribe_FileSwappedAfterWalk(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.csv")
	writeFile(t, filepath.Dir(outside), "secret.csv", []byte("host data"))

	// The walk saw a regular file; the guest swaps it before describe runs.
	writeFile(t, dir, "data.csv", []byte("a,b\n"))
	if err := os.Remove(filepath.Join(dir, "data.csv")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "data.csv")); err != nil {
		t.Fatal(err)
	}

	scratch, err := workspace.OpenScratch(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer scratch.Close()
	if a, err := describe(scratch, "data.csv"); err == nil {
		t.Errorf("describe followed the swapped symlink: %+v", a)
	}
}
