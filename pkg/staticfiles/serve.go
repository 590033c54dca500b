// Package staticfiles serves files from a root directory, finds static
// assets across STATICFILES_DIRS and collects them into STATIC_ROOT.
package staticfiles

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// ServeFile writes the file name from fsys, answering 404 for missing
// files, directories and names that try to escape the root.
//
//  1. Only GET and HEAD are served (405 otherwise)
//  2. A weak ETag derived from size and mtime allows 304 responses
//  3. Content-Type comes from the extension, or is sniffed when unknown
func ServeFile(c *gin.Context, fsys fs.FS, name string) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Header("Allow", "GET, HEAD")
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"detail": "Method not allowed."})
		return
	}

	clean, ok := cleanName(name)
	if !ok {
		notFound(c, name)
		return
	}

	fi, err := fs.Stat(fsys, clean)
	if err != nil || fi.IsDir() {
		notFound(c, name)
		return
	}

	f, err := fsys.Open(clean)
	if err != nil {
		notFound(c, name)
		return
	}
	defer f.Close()

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "file is not seekable"})
		return
	}

	etag := weakETag(clean, fi)
	if match := c.Request.Header.Get("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		c.Abort()
		return
	}
	c.Header("ETag", etag)

	ctype := mime.TypeByExtension(filepath.Ext(clean))
	if ctype == "" {
		if mt, err := mimetype.DetectReader(rs); err == nil {
			ctype = mt.String()
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
	}
	if ctype != "" {
		c.Header("Content-Type", ctype)
	}

	http.ServeContent(c.Writer, c.Request, fi.Name(), fi.ModTime(), rs)
	c.Abort()
}

// Dir returns a handler serving name from root.
func Dir(root string) func(c *gin.Context, name string) {
	fsys := os.DirFS(root)
	return func(c *gin.Context, name string) {
		ServeFile(c, fsys, name)
	}
}

// cleanName turns a URL path into an fs.FS name. Absolute paths, "..",
// and backslash tricks are rejected.
func cleanName(name string) (string, bool) {
	if strings.Contains(name, "\\") || strings.Contains(name, "\x00") {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", false
		}
	}
	clean := path.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || !fs.ValidPath(clean) {
		return "", false
	}
	return clean, true
}

func notFound(c *gin.Context, name string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("%q does not exist", name)})
}

func weakETag(name string, fi fs.FileInfo) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", name, fi.Size(), fi.ModTime().UnixNano())))
	return `W/"` + hex.EncodeToString(h[:8]) + `"`
}
