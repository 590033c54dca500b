package staticfiles

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func serveEngine(serve func(c *gin.Context, name string)) *gin.Engine {
	engine := gin.New()
	handler := func(c *gin.Context) {
		serve(c, strings.TrimPrefix(c.Param("name"), "/"))
	}
	engine.GET("/s/*name", handler)
	engine.HEAD("/s/*name", handler)
	engine.POST("/s/*name", handler)
	return engine
}

func get(engine *gin.Engine, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestServeFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "css/site.css", []byte("body{}"))
	writeFile(t, root, "uploads/avatar", pngHeader)
	engine := serveEngine(Dir(root))

	w := get(engine, http.MethodGet, "/s/css/site.css", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/css")
	etag := w.Header().Get("ETag")
	assert.True(t, strings.HasPrefix(etag, `W/"`))

	w = get(engine, http.MethodGet, "/s/css/site.css", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())

	w = get(engine, http.MethodGet, "/s/uploads/avatar", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, pngHeader, w.Body.Bytes())

	w = get(engine, http.MethodHead, "/s/css/site.css", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	for _, target := range []string{"/s/css/missing.css", "/s/css", "/s/css/"} {
		w = get(engine, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, target)
	}

	w = get(engine, http.MethodPost, "/s/css/site.css", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, HEAD", w.Header().Get("Allow"))
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"css/site.css", "css/site.css", true},
		{"/css//site.css", "css/site.css", true},
		{"./css/site.css", "css/site.css", true},
		{"../secret", "", false},
		{"css/../../secret", "", false},
		{`css\..\secret`, "", false},
		{"", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, ok := cleanName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFinder_FirstFoundWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, first, "app.js", []byte("first"))
	writeFile(t, second, "app.js", []byte("second"))
	writeFile(t, second, "img/logo.svg", []byte("<svg/>"))

	f := NewFinder([]string{first, filepath.Join(t.TempDir(), "missing"), second})
	p, ok := f.Find("app.js")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(first, "app.js"), p)
	_, ok = f.Find("../app.js")
	assert.False(t, ok)

	files, err := f.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, FoundFile{Name: "app.js", Source: filepath.Join(first, "app.js")}, files[0])
	assert.Equal(t, "img/logo.svg", files[1].Name)

	engine := serveEngine(f.Serve)
	w := get(engine, http.MethodGet, "/s/app.js", nil)
	assert.Equal(t, "first", w.Body.String())
	w = get(engine, http.MethodGet, "/s/img/logo.svg", nil)
	assert.Equal(t, "<svg/>", w.Body.String())
	w = get(engine, http.MethodGet, "/s/nope.js", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCollect(t *testing.T) {
	src, root := t.TempDir(), filepath.Join(t.TempDir(), "staticfiles")
	writeFile(t, src, "app.js", []byte("a"))
	writeFile(t, src, "css/site.css", []byte("b"))
	f := NewFinder([]string{src})

	res, err := Collect(f, root, CollectOptions{DryRun: true}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Copied, 2)
	assert.NoDirExists(t, root)

	res, err = Collect(f, root, CollectOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js", "css/site.css"}, res.Copied)
	b, err := os.ReadFile(filepath.Join(root, "css", "site.css"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))

	res, err = Collect(f, root, CollectOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Copied)
	assert.Len(t, res.Skipped, 2)

	later := time.Now().Add(time.Hour)
	p := writeFile(t, src, "app.js", []byte("changed"))
	require.NoError(t, os.Chtimes(p, later, later))
	stale := writeFile(t, root, "old.txt", []byte("stale"))

	res, err = Collect(f, root, CollectOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js"}, res.Copied)
	assert.FileExists(t, stale)

	res, err = Collect(f, root, CollectOptions{Clear: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Len(t, res.Copied, 2)
	assert.NoFileExists(t, stale)

	_, err = Collect(f, "", CollectOptions{}, nil)
	assert.ErrorIs(t, err, ErrNoStaticRoot)
}
