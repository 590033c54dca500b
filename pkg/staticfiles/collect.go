package staticfiles

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// CollectOptions controls Collect.
type CollectOptions struct {
	Clear  bool // remove STATIC_ROOT contents first
	DryRun bool // report without touching the filesystem
}

// CollectResult counts what Collect did.
type CollectResult struct {
	Copied  []string
	Skipped []string
	Deleted int
	Root    string
	Sources int
}

var ErrNoStaticRoot = errors.New("STATIC_ROOT is not set")

// Collect copies every file the finder knows into root. Files whose
// destination already has the same size and a modification time not older
// than the source are skipped.
func Collect(finder *Finder, root string, opts CollectOptions, logger *slog.Logger) (*CollectResult, error) {
	if root == "" {
		return nil, ErrNoStaticRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	res := &CollectResult{Root: root, Sources: len(finder.dirs)}

	if opts.Clear {
		n, err := clearDir(root, opts.DryRun)
		if err != nil {
			return nil, fmt.Errorf("clear %s: %w", root, err)
		}
		res.Deleted = n
	}

	files, err := finder.List()
	if err != nil {
		return nil, fmt.Errorf("list static files: %w", err)
	}

	for _, f := range files {
		dst := filepath.Join(root, filepath.FromSlash(f.Name))
		if !opts.Clear && upToDate(f.Source, dst) {
			res.Skipped = append(res.Skipped, f.Name)
			continue
		}
		if !opts.DryRun {
			if err := copyFile(f.Source, dst); err != nil {
				return nil, fmt.Errorf("copy %s: %w", f.Name, err)
			}
		}
		logger.Debug("Collected static file", "name", f.Name, "source", f.Source, "dryRun", opts.DryRun)
		res.Copied = append(res.Copied, f.Name)
	}
	return res, nil
}

func upToDate(src, dst string) bool {
	ss, err := os.Stat(src)
	if err != nil {
		return false
	}
	ds, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return ds.Size() == ss.Size() && !ds.ModTime().Before(ss.ModTime())
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".collect-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// clearDir removes every file under dir and returns how many there were.
func clearDir(dir string, dryRun bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil || dryRun {
		return n, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
	}
	return n, nil
}
