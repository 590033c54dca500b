package staticfiles

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gin-gonic/gin"
)

// Finder locates static files across a list of source directories.
// Earlier directories shadow later ones.
type Finder struct {
	dirs []string
}

func NewFinder(dirs []string) *Finder {
	return &Finder{dirs: append([]string(nil), dirs...)}
}

// Find returns the absolute path of the first file named name.
func (f *Finder) Find(name string) (string, bool) {
	dir, clean, ok := f.locate(name)
	if !ok {
		return "", false
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), true
}

func (f *Finder) locate(name string) (dir, clean string, ok bool) {
	clean, ok = cleanName(name)
	if !ok {
		return "", "", false
	}
	for _, d := range f.dirs {
		full := filepath.Join(d, filepath.FromSlash(clean))
		if st, err := os.Stat(full); err == nil && !st.IsDir() {
			return d, clean, true
		}
	}
	return "", "", false
}

// FoundFile is a file discovered by List.
type FoundFile struct {
	Name   string // slash separated, relative to its source dir
	Source string // absolute path
}

// List walks every source directory and returns each name once, taken
// from the first directory that has it.
func (f *Finder) List() ([]FoundFile, error) {
	seen := map[string]bool{}
	var out []FoundFile
	for _, dir := range f.dirs {
		st, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			continue
		}
		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			if seen[name] {
				return nil
			}
			seen[name] = true
			out = append(out, FoundFile{Name: name, Source: p})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Serve serves name from whichever source directory has it first.
func (f *Finder) Serve(c *gin.Context, name string) {
	dir, clean, ok := f.locate(name)
	if !ok {
		notFound(c, name)
		return
	}
	ServeFile(c, os.DirFS(dir), clean)
}
