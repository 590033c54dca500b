package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/psyho/psyho/pkg/checks"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/csrf"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/staticfiles"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	s := config.Default()
	s.BaseDir = dir
	s.Database.Name = filepath.Join(dir, "db.sqlite3")
	s.StaticRoot = filepath.Join(dir, "staticfiles")
	s.MediaRoot = filepath.Join(dir, "media")
	s.StaticfilesDirs = []string{filepath.Join(dir, "static")}
	return s
}

func newTestServer(t *testing.T, s *config.Settings) *Server {
	t.Helper()
	server, err := NewServer(s, ServerOptions{}, discard)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func do(server *Server, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestRootURLs_AdminFirst(t *testing.T) {
	server := newTestServer(t, testSettings(t))

	routes := server.Resolver().Routes()
	require.NotEmpty(t, routes)
	assert.Equal(t, "/admin/", routes[0].Route)
	assert.Equal(t, "admin:index", routes[0].Name)

	m, err := server.Resolver().Resolve("/admin/")
	require.NoError(t, err)
	assert.Equal(t, "admin:index", m.ViewName())

	m, err = server.Resolver().Resolve("/tests/run/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tests"}, m.Namespaces)
	assert.Equal(t, "run/1/", m.Kwargs["path"])

	m, err = server.Resolver().Resolve("/media/avatars/a.png")
	require.NoError(t, err)
	assert.Equal(t, "media/<path:path>", m.Route)

	path, err := server.Resolver().Reverse("admin:changelist", map[string]any{"app_label": "auth", "model_name": "user"})
	require.NoError(t, err)
	assert.Equal(t, "/admin/auth/user/", path)
}

func TestServer_MediaServedOnlyInDebug(t *testing.T) {
	s := testSettings(t)
	writeFile(t, filepath.Join(s.MediaRoot, "avatars", "a.txt"), "hello")

	w := do(newTestServer(t, s), http.MethodGet, "/media/avatars/a.txt")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = do(newTestServer(t, s), http.MethodGet, "/media/../db.sqlite3")
	assert.NotEqual(t, http.StatusOK, w.Code)

	prod := testSettings(t)
	prod.Debug = false
	prod.MediaRoot = s.MediaRoot
	server := newTestServer(t, prod)
	w = do(server, http.MethodGet, "/media/avatars/a.txt")
	assert.Equal(t, http.StatusNotFound, w.Code)
	for _, r := range server.Resolver().Routes() {
		assert.NotEqual(t, "static", r.Kind, r.Route)
	}
}

func TestServer_StaticInsecure(t *testing.T) {
	s := testSettings(t)
	s.Debug = false
	writeFile(t, filepath.Join(s.StaticfilesDirs[0], "css", "site.css"), "body{}")

	server := newTestServer(t, s)
	assert.Equal(t, http.StatusNotFound, do(server, http.MethodGet, "/static/css/site.css").Code)

	server, err := NewServer(s, ServerOptions{Insecure: true}, discard)
	require.NoError(t, err)
	defer server.Close()
	w := do(server, http.MethodGet, "/static/css/site.css")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())
}

func TestServer_ProxiesTests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, r.Header.Get("X-Forwarded-Prefix"))
	}))
	defer upstream.Close()

	s := testSettings(t)
	s.Apps["tests"] = config.AppOptions{Upstream: upstream.URL}
	server := newTestServer(t, s)

	w := do(server, http.MethodGet, "/tests/run/1/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GET /run/1/ /tests", w.Body.String())

	w = do(server, http.MethodGet, "/tests/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GET / /tests", w.Body.String())
}

func TestServer_TestsAcceptsCrossOriginPost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, body)
	}))
	defer upstream.Close()

	s := testSettings(t)
	s.Apps["tests"] = config.AppOptions{Upstream: upstream.URL}
	server := newTestServer(t, s)

	req := httptest.NewRequest(http.MethodPost, "/tests/results/", strings.NewReader(`{"score":7}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://psyho.netlify.app")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, `POST /results/ {"score":7}`, w.Body.String())
	assert.Equal(t, "https://psyho.netlify.app", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_TestsProxiesFormPost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		fmt.Fprintf(w, "%s answer=%s", r.URL.Path, r.PostForm.Get("answer"))
	}))
	defer upstream.Close()

	s := testSettings(t)
	s.Apps["tests"] = config.AppOptions{Upstream: upstream.URL}
	server := newTestServer(t, s)

	secret := csrf.NewSecret()
	form := url.Values{csrf.FormField: {csrf.Mask(secret)}, "answer": {"b"}}
	req := httptest.NewRequest(http.MethodPost, "/tests/submit/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: s.CSRF.CookieName, Value: secret})
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "/submit/ answer=b", w.Body.String())
}

func TestServer_TestsUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	s := testSettings(t)
	s.Apps["tests"] = config.AppOptions{Upstream: addr}
	w := do(newTestServer(t, s), http.MethodGet, "/tests/run/1/")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}

func TestServer_NotFoundListsTriedPatterns(t *testing.T) {
	server := newTestServer(t, testSettings(t))
	w := do(server, http.MethodGet, "/nowhere/")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"admin/"`)
	assert.Contains(t, w.Body.String(), `"tests/"`)
}

func TestServer_RunAndShutdown(t *testing.T) {
	s := testSettings(t)
	s.Server.Port = 0
	var out bytes.Buffer
	require.NoError(t, migrate(context.Background(), &out, s, discard))
	assert.Contains(t, out.String(), "admin, auth, contenttypes, sessions")

	server := newTestServer(t, s)
	ln, err := server.Listen()
	require.NoError(t, err)
	require.NotZero(t, server.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/admin/", server.Port()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ListenPortTaken(t *testing.T) {
	s := testSettings(t)
	s.Server.Port = 0
	first := newTestServer(t, s)
	ln, err := first.Listen()
	require.NoError(t, err)
	defer ln.Close()

	s2 := *s
	s2.Server.Port = first.Port()
	second := newTestServer(t, &s2)
	_, err = second.Listen()
	assert.Error(t, err)
}

func TestShowURLs(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showURLs(&out, testSettings(t), discard))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Greater(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "ROUTE"))
	assert.True(t, strings.HasPrefix(lines[1], "/admin/ "))
	assert.Contains(t, out.String(), "admin:changelist")
	assert.Contains(t, out.String(), "proxy")
	assert.Contains(t, out.String(), "/media/<path:path>")
	assert.Less(t, strings.Index(out.String(), "/admin/"), strings.Index(out.String(), "/tests/"))
}

func TestWithAddr(t *testing.T) {
	s := config.Default()
	tests := []struct {
		addr    string
		host    string
		port    int
		wantErr bool
	}{
		{"8080", config.DefaultHost, 8080, false},
		{"0.0.0.0:9000", "0.0.0.0", 9000, false},
		{":9001", config.DefaultHost, 9001, false},
		{"[::1]:9002", "::1", 9002, false},
		{"http", "", 0, true},
		{"host:99999", "", 0, true},
		{"a:b:c", "", 0, true},
	}
	for _, tt := range tests {
		got, err := withAddr(s, tt.addr)
		if tt.wantErr {
			assert.Error(t, err, tt.addr)
			continue
		}
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.host, got.Server.Host, tt.addr)
		assert.Equal(t, tt.port, got.Server.Port, tt.addr)
	}
	assert.Equal(t, config.DefaultPort, s.Server.Port)
}

func TestReportChecks(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, reportChecks(&out, config.Default(), false, checks.Error))
	assert.Contains(t, out.String(), "no issues")

	out.Reset()
	err := reportChecks(&out, config.Default(), true, checks.Error)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "security.W018")

	out.Reset()
	assert.ErrorIs(t, reportChecks(&out, config.Default(), true, checks.Warning), ErrSystemCheck)

	broken := config.Default()
	broken.Middleware = []string{"cors", "security", "common", "csrf", "auth", "messages", "clickjacking"}
	out.Reset()
	assert.ErrorIs(t, reportChecks(&out, broken, false, checks.Error), ErrSystemCheck)
	assert.Contains(t, out.String(), "admin.E410")
}

func TestCreateSuperuser(t *testing.T) {
	s := testSettings(t)
	ctx := context.Background()
	require.NoError(t, migrate(ctx, io.Discard, s, discard))

	var out bytes.Buffer
	require.NoError(t, createSuperuser(ctx, &out, s, "root", "root@example.com", "pw", discard))
	assert.Contains(t, out.String(), "Superuser created successfully.")

	err := createSuperuser(ctx, &out, s, "root", "", "pw", discard)
	assert.True(t, errors.Is(err, service.ErrUserExists), err)
}

func TestClearSessions(t *testing.T) {
	s := testSettings(t)
	ctx := context.Background()
	require.NoError(t, migrate(ctx, io.Discard, s, discard))

	gdb, err := db.Open(s.Database, s.BaseDir, discard)
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	now := time.Now()
	require.NoError(t, gdb.Create(&[]db.Session{
		{SessionKey: "expired1", SessionData: "x", ExpireDate: now.Add(-time.Hour)},
		{SessionKey: "expired2", SessionData: "x", ExpireDate: now.Add(-time.Minute)},
		{SessionKey: "live", SessionData: "x", ExpireDate: now.Add(time.Hour)},
	}).Error)

	var out bytes.Buffer
	require.NoError(t, clearSessions(ctx, &out, s, discard))
	assert.Equal(t, "Deleted 2 expired sessions.\n", out.String())

	var keys []string
	require.NoError(t, gdb.Model(&db.Session{}).Pluck("session_key", &keys).Error)
	assert.Equal(t, []string{"live"}, keys)
}

func TestInitConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PSYHO_CONFIG", "")

	var out bytes.Buffer
	require.NoError(t, initConfig(&out))
	path := filepath.Join(home, ".psyho", "config.yaml")
	assert.FileExists(t, path)
	assert.Equal(t, "Config file: "+path+"\n", out.String())

	out.Reset()
	require.NoError(t, initConfig(&out))
	assert.Equal(t, "Config file: "+path+"\n", out.String())
}

func TestPromptSuperuser(t *testing.T) {
	var out bytes.Buffer
	username, email, password, err := promptSuperuser(strings.NewReader("alice\n\nsecret\n"), &out, "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "", email)
	assert.Equal(t, "secret", password)
	assert.Contains(t, out.String(), "Username: ")

	username, email, _, err = promptSuperuser(strings.NewReader("pw\n"), io.Discard, "bob", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", username)
	assert.Equal(t, "bob@example.com", email)
}

func TestCollectstatic(t *testing.T) {
	s := testSettings(t)
	writeFile(t, filepath.Join(s.StaticfilesDirs[0], "app.js"), "a")

	var out bytes.Buffer
	require.NoError(t, collectstatic(&out, s, staticfiles.CollectOptions{DryRun: true}, discard))
	assert.Contains(t, out.String(), "Pretending to be run")
	assert.NoFileExists(t, filepath.Join(s.StaticRoot, "app.js"))

	out.Reset()
	require.NoError(t, collectstatic(&out, s, staticfiles.CollectOptions{}, discard))
	assert.Contains(t, out.String(), "1 static files copied")
	assert.FileExists(t, filepath.Join(s.StaticRoot, "app.js"))
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	writeFile(t, file, "debug: true\n")

	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(dir))

	ctx, cancel := context.WithCancel(context.Background())
	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- watchConfig(ctx, w, file, reload, discard) }()

	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	writeFile(t, file, "debug: false\n")

	select {
	case <-reload:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config write")
	}
	cancel()
	assert.NoError(t, <-done)
}
