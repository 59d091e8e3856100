package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"syscall"
)

// ErrNotRegular is returned when a scratch path names something other than a
// regular file, such as a FIFO or a device node.
var ErrNotRegular = errors.New("not a regular file")

// Scratch is a session scratch directory opened as an os.Root. The guest can
// write anything into it, so the host reads and writes it only through here:
// symlinks that lead outside the directory fail instead of being followed.
// Names are slash-separated and relative to the scratch directory.
type Scratch struct {
	root *os.Root
}

// OpenScratch opens dir as a Scratch. The caller must Close it.
func OpenScratch(dir string) (*Scratch, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening scratch dir %s: %w", dir, err)
	}
	return &Scratch{root: root}, nil
}

// Close releases the directory handle.
func (s *Scratch) Close() error {
	return s.root.Close()
}

// FS returns a read-only view of the scratch directory.
func (s *Scratch) FS() fs.FS {
	return s.root.FS()
}

// Open opens a regular file for reading. O_NONBLOCK keeps a planted FIFO from
// hanging the open; the type is checked on the opened descriptor so a swap
// after the check cannot change what is read.
func (s *Scratch) Open(name string) (*os.File, error) {
	f, err := s.root.OpenFile(name, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	if err := checkRegular(f, name); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ReadFile returns at most limit bytes of a regular file.
func (s *Scratch) ReadFile(name string, limit int64) ([]byte, error) {
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// Truncate empties a regular file. A missing file is not an error.
func (s *Scratch) Truncate(name string) error {
	f, err := s.root.OpenFile(name, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := checkRegular(f, name); err != nil {
		return err
	}
	return f.Truncate(0)
}

// WriteFile replaces name with the contents of r. Whatever was there before,
// a symlink included, is removed first and the new file is created
// exclusively, so the write always lands inside the scratch directory.
func (s *Scratch) WriteFile(name string, r io.Reader, perm os.FileMode) error {
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := s.root.RemoveAll(name); err != nil {
		return fmt.Errorf("clearing %s: %w", name, err)
	}
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

// EnsureDir makes name a directory with the given permissions, replacing
// anything else found at that path.
func (s *Scratch) EnsureDir(name string, perm os.FileMode) error {
	info, err := s.root.Lstat(name)
	switch {
	case err == nil && !info.IsDir():
		if err := s.root.RemoveAll(name); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return err
	}
	if err := s.root.MkdirAll(name, perm); err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	return s.root.Chmod(name, perm)
}

// Usage returns the total size of the regular files in the scratch directory.
// Entries that vanish during the walk are ignored.
func (s *Scratch) Usage() (int64, error) {
	var total int64
	err := fs.WalkDir(s.root.FS(), ".", func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring scratch dir: %w", err)
	}
	return total, nil
}

// Clear removes everything inside the scratch directory.
func (s *Scratch) Clear() error {
	entries, err := fs.ReadDir(s.root.FS(), ".")
	if err != nil {
		return fmt.Errorf("listing scratch dir: %w", err)
	}
	for _, entry := range entries {
		if err := s.root.RemoveAll(entry.Name()); err != nil {
			return fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func checkRegular(f *os.File, name string) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return &fs.PathError{Op: "open", Path: name, Err: ErrNotRegular}
	}
	return nil
}
