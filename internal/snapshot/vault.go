package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/workspace"
)

// Vault stores committed artifact files under
// {root}/{session}/artifacts/{sha}/{filename}. Once a file is in the vault it
// belongs to the commit and is never rewritten.
type Vault struct {
	root string
}

// NewVault returns a Vault rooted at root.
func NewVault(root string) *Vault {
	return &Vault{root: root}
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

func (v *Vault) path(sessionID, sha, filename string) (string, error) {
	if err := checkFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(v.root, sessionID, "artifacts", sha, filepath.FromSlash(filename)), nil
}

// ErrArtifactUnavailable is returned by Put when the source file is no
// longer a regular file inside the scratch dir: deleted, replaced by a
// symlink, or swapped for a special file after collection.
var ErrArtifactUnavailable = errors.New("artifact unavailable")

// Put copies srcDir/filename into the vault for the given commit. srcDir is
// guest-writable and is read only through a workspace.Scratch.
func (v *Vault) Put(sessionID, sha, srcDir, filename string) error {
	dst, err := v.path(sessionID, sha, filename)
	if err != nil {
		return err
	}
	scratch, err := workspace.OpenScratch(srcDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	defer scratch.Close()
	src, err := scratch.Open(filename)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Open returns the stored bytes of an artifact.
func (v *Vault) Open(sessionID, sha, filename string) (io.ReadCloser, error) {
	p, err := v.path(sessionID, sha, filename)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// CopyOut writes an artifact back to dstDir/filename. Whatever the guest left
// at that path is replaced, never written through.
func (v *Vault) CopyOut(sessionID, sha, filename, dstDir string) error {
	src, err := v.Open(sessionID, sha, filename)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return err
	}
	scratch, err := workspace.OpenScratch(dstDir)
	if err != nil {
		return err
	}
	defer scratch.Close()
	return scratch.WriteFile(filename, src, 0o640)
}

// DeleteSession removes every artifact of the session.
func (v *Vault) DeleteSession(sessionID string) error {
	if err := os.RemoveAll(filepath.Join(v.root, sessionID, "artifacts")); err != nil {
		return err
	}
	// Drop the session directory too once nothing else lives there.
	_ = os.Remove(filepath.Join(v.root, sessionID))
	return nil
}

// checkFilename rejects artifact names that could escape the commit directory.
func checkFilename(filename string) error {
	clean := path.Clean(filename)
	if filename == "" || clean != filename || path.IsAbs(clean) || clean == "." ||
		clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(filename, `\`) {
		return fmt.Errorf("%w: artifact filename %q", domain.ErrInvalidArgument, filename)
	}
	return nil
}
