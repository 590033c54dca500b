package apps

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/urls"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPopulate_Defaults(t *testing.T) {
	r, err := Populate(config.Default())
	require.NoError(t, err)

	var labels []string
	for _, a := range r.Apps() {
		labels = append(labels, a.Label)
	}
	assert.Equal(t, config.DefaultInstalledApps, labels)
	assert.True(t, r.IsInstalled("tests"))
	assert.Len(t, r.Models(), 4)

	admin, ok := r.Get("admin")
	require.True(t, ok)
	assert.Equal(t, []string{"logentry"}, admin.ModelNames())
	assert.Equal(t, "user", ModelName(&db.User{}))
}

func TestPopulate_Errors(t *testing.T) {
	tests := []struct {
		name string
		apps []string
		want string
	}{
		{"unknown", []string{"admin", "polls"}, `no installed app with label "polls"`},
		{"duplicate", []string{"auth", "django.contrib.auth"}, "duplicates: auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Default()
			s.InstalledApps = tt.apps
			_, err := Populate(s)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	s := config.Default()
	s.Apps["tests"] = config.AppOptions{Upstream: "localhost:8001"}
	_, err := Populate(s)
	assert.ErrorContains(t, err, "app tests")
}

func proxyEngine(t *testing.T, upstream string) *gin.Engine {
	t.Helper()
	s := config.Default()
	s.Apps["tests"] = config.AppOptions{Upstream: upstream}
	h, err := TestsProxy(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	r, err := urls.NewResolver(urls.Table{urls.Include("tests/", TestsURLs(h), "tests")}, false)
	require.NoError(t, err)
	engine := gin.New()
	engine.NoRoute(r.Dispatch)
	return engine
}

func TestTestsProxy_ForwardsWithoutPrefix(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"prefix": r.Header.Get("X-Forwarded-Prefix"),
		})
	}))
	defer upstream.Close()
	engine := proxyEngine(t, upstream.URL)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/42/start/?lang=ru", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "/42/start/", got["path"])
	assert.Equal(t, "lang=ru", got["query"])
	assert.Equal(t, "/tests", got["prefix"])

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "/", got["path"])
}

func TestTestsProxy_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	engine := proxyEngine(t, url)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tests/", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}
