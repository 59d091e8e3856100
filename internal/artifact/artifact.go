// Package artifact detects the files a cell produced in a session's scratch area.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/workspace"
)

const (
	defaultMaxArtifacts = 50
	defaultMaxBytes     = 50 << 20
)

// skippedDirs are never walked: kernel capture files and interpreter caches.
var skippedDirs = map[string]bool{
	workspace.ControlDirName: true,
	"__pycache__":            true,
}

var kindByExt = map[string]domain.ArtifactKind{
	".png": domain.ArtifactPlot, ".jpg": domain.ArtifactPlot, ".jpeg": domain.ArtifactPlot,
	".gif": domain.ArtifactPlot, ".svg": domain.ArtifactPlot, ".webp": domain.ArtifactPlot,
	".bmp": domain.ArtifactPlot, ".pdf": domain.ArtifactPlot,

	".csv": domain.ArtifactTable, ".tsv": domain.ArtifactTable, ".json": domain.ArtifactTable,
	".jsonl": domain.ArtifactTable, ".parquet": domain.ArtifactTable, ".xlsx": domain.ArtifactTable,
	".xls": domain.ArtifactTable, ".feather": domain.ArtifactTable,
}

// contentTypeByExt is used when sniffing cannot tell more than "text" or "binary".
var contentTypeByExt = map[string]string{
	".png":     "image/png",
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".gif":     "image/gif",
	".svg":     "image/svg+xml",
	".webp":    "image/webp",
	".bmp":     "image/bmp",
	".pdf":     "application/pdf",
	".csv":     "text/csv",
	".tsv":     "text/tab-separated-values",
	".json":    "application/json",
	".jsonl":   "application/jsonl",
	".parquet": "application/vnd.apache.parquet",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":     "application/vnd.ms-excel",
	".txt":     "text/plain",
	".md":      "text/markdown",
	".html":    "text/html",
	".py":      "text/x-python",
}

// Classify returns the artifact kind for a filename, by extension.
func Classify(filename string) domain.ArtifactKind {
	if kind, ok := kindByExt[strings.ToLower(path.Ext(filename))]; ok {
		return kind
	}
	return domain.ArtifactOther
}

// FileState is what a baseline remembers about one file.
type FileState struct {
	Size    int64
	ModTime time.Time
}

// Snapshot maps slash-separated relative paths to their state.
type Snapshot map[string]FileState

// Config bounds collection.
type Config struct {
	MaxArtifacts int   // Default: 50.
	MaxBytes     int64 // Per file. Default: 50 MiB.
}

// Collector harvests artifacts by comparing a directory against a baseline.
type Collector struct {
	config Config
	logger *slog.Logger
}

// NewCollector creates a Collector.
func NewCollector(cfg Config, logger *slog.Logger) *Collector {
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = defaultMaxArtifacts
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Collector{config: cfg, logger: logger}
}

// Baseline records the regular files currently in dir. A missing dir yields
// an empty snapshot.
func (c *Collector) Baseline(dir string) (Snapshot, error) {
	snap := make(Snapshot)
	err := c.walk(dir, func(rel string, info fs.FileInfo) {
		snap[rel] = FileState{Size: info.Size(), ModTime: info.ModTime()}
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Collect returns the files in dir that are new since baseline or whose size
// or modification time changed, ordered by filename.
func (c *Collector) Collect(dir string, baseline Snapshot) ([]domain.Artifact, error) {
	var changed []string
	err := c.walk(dir, func(rel string, info fs.FileInfo) {
		before, seen := baseline[rel]
		if seen && before.Size == info.Size() && before.ModTime.Equal(info.ModTime()) {
			return
		}
		if info.Size() > c.config.MaxBytes {
			c.logger.Warn("artifact too large, skipping",
				slog.String("file", rel),
				slog.Int64("size_bytes", info.Size()),
				slog.Int64("max_bytes", c.config.MaxBytes),
			)
			return
		}
		changed = append(changed, rel)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(changed)

	if len(changed) == 0 {
		return []domain.Artifact{}, nil
	}

	scratch, err := workspace.OpenScratch(dir)
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	artifacts := make([]domain.Artifact, 0, len(changed))
	for _, rel := range changed {
		if len(artifacts) == c.config.MaxArtifacts {
			c.logger.Warn("artifact limit reached, dropping the rest",
				slog.Int("max_artifacts", c.config.MaxArtifacts),
				slog.Int("dropped", len(changed)-len(artifacts)),
			)
			break
		}
		a, err := describe(scratch, rel)
		if err != nil {
			c.logger.Warn("artifact unreadable, skipping",
				slog.String("file", rel),
				slog.String("error", err.Error()),
			)
			continue
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// walk visits every regular file under dir. The walk runs inside a
// workspace.Scratch so a directory swapped for a symlink mid-walk cannot lead
// it out of dir; symlinks and special files are ignored.
func (c *Collector) walk(dir string, visit func(rel string, info fs.FileInfo)) error {
	scratch, err := workspace.OpenScratch(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	defer scratch.Close()

	err = fs.WalkDir(scratch.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}
			c.logger.Warn("skipping unreadable path",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != "." && skippedDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Deleted between listing and stat.
			return nil
		}
		visit(p, info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	return nil
}

// describe hashes and sniffs one file. The file is reopened through the
// scratch root and must still be a regular file.
func describe(scratch *workspace.Scratch, rel string) (domain.Artifact, error) {
	f, err := scratch.Open(rel)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("detecting content type: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return domain.Artifact{}, err
	}
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("hashing: %w", err)
	}

	return domain.Artifact{
		Filename:    rel,
		Kind:        Classify(rel),
		SizeBytes:   size,
		ContentType: ContentType(rel, mtype.String()),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// ContentType picks the more specific of a sniffed type and the type implied
// by the extension.
func ContentType(filename, sniffed string) string {
	base, _, _ := strings.Cut(sniffed, ";")
	switch base {
	case "", "application/octet-stream", "text/plain":
		if ct, ok := contentTypeByExt[strings.ToLower(path.Ext(filename))]; ok {
			return ct
		}
	}
	if sniffed == "" {
		return "application/octet-stream"
	}
	return sniffed
}
