package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/csrf"
	"github.com/psyho/psyho/pkg/db"
	"github.com/psyho/psyho/pkg/messages"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/session"
	"github.com/psyho/psyho/pkg/session/sessiontest"
	"github.com/psyho/psyho/pkg/urls"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	engine   *gin.Engine
	settings *config.Settings
	users    *service.UserService
	store    *sessiontest.Store
}

func text(body string) gin.HandlerFunc {
	return func(c *gin.Context) { c.String(http.StatusOK, body) }
}

func newHarness(t *testing.T, mutate func(s *config.Settings)) *harness {
	t.Helper()
	s := config.Default()
	if mutate != nil {
		mutate(s)
	}

	gdb, err := db.Open(config.DatabaseConfig{
		Engine: config.EngineSQLite,
		Name:   filepath.Join(t.TempDir(), "mw.sqlite3"),
	}, "", nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, &db.User{}))
	users := service.NewUserService(gdb, auth.NewHashers(auth.PBKDF2Hasher{Iterations: 1000}, auth.BCryptSHA256Hasher{Cost: bcrypt.MinCost}))
	store := sessiontest.NewStore()

	table := urls.Table{
		urls.Path("ok/", text("ok")),
		urls.Path("admin/", text("admin")),
		urls.Path("token/", func(c *gin.Context) { c.String(http.StatusOK, csrf.GetToken(c)) }),
		urls.Path("submit/", text("done")),
		urls.Path("echo/", func(c *gin.Context) {
			body, _ := io.ReadAll(c.Request.Body)
			c.String(http.StatusOK, string(body))
		}),
		urls.Path("hook/", text("hooked"), urls.CSRFExempt()),
		urls.Path("frame/", text("framed"), urls.XFrameExempt()),
		urls.Path("session/set/", func(c *gin.Context) {
			sess, _ := session.FromContext(c)
			sess.Set("k", c.Query("v"))
			c.Status(http.StatusNoContent)
		}),
		urls.Path("session/get/", func(c *gin.Context) {
			sess, _ := session.FromContext(c)
			c.String(http.StatusOK, sess.GetString("k"))
		}),
		urls.Path("session/flush/", func(c *gin.Context) {
			sess, _ := session.FromContext(c)
			_ = sess.Flush()
			c.Status(http.StatusNoContent)
		}),
		urls.Path("messages/add/", func(c *gin.Context) {
			messages.Add(c, messages.Success, "saved")
			messages.Add(c, messages.Debug, "hidden")
			c.Status(http.StatusNoContent)
		}),
		urls.Path("messages/", func(c *gin.Context) { c.JSON(http.StatusOK, messages.Get(c)) }),
		urls.Path("login/", func(c *gin.Context) {
			u, err := users.Authenticate(c.Request.Context(), c.Query("u"), c.Query("p"))
			if err != nil {
				c.Status(http.StatusUnauthorized)
				return
			}
			require.NoError(t, auth.Login(c, u, s.SecretKey))
			c.Status(http.StatusNoContent)
		}, urls.CSRFExempt()),
		urls.Path("me/", func(c *gin.Context) {
			if u := auth.User(c); u != nil {
				c.String(http.StatusOK, u.Username)
				return
			}
			c.String(http.StatusOK, "anonymous")
		}),
	}
	r, err := urls.NewResolver(table, s.Debug)
	require.NoError(t, err)

	handlers, err := Build(s.Middleware, Deps{Settings: s, Sessions: store, Users: users, Logger: discard})
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(r.Bind())
	engine.Use(handlers...)
	engine.NoRoute(r.Dispatch)
	return &harness{engine: engine, settings: s, users: users, store: store}
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func cookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, ck := range w.Result().Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	s, _ := body["detail"].(string)
	return s
}

func TestBuild_DeclaredOrder(t *testing.T) {
	var trace []string
	for _, name := range []string{"trace-a", "trace-b"} {
		name := name
		register(name, func(Deps) (gin.HandlerFunc, error) {
			return func(c *gin.Context) {
				trace = append(trace, name+":request")
				OnBeforeWrite(c, func() { trace = append(trace, name+":response") })
				c.Next()
			}, nil
		})
	}
	assert.True(t, Known("trace-a"))
	assert.Contains(t, Names(), "clickjacking")

	handlers, err := Build([]string{"trace-a", "trace-b"}, Deps{Settings: config.Default()})
	require.NoError(t, err)
	engine := gin.New()
	engine.Use(handlers...)
	engine.GET("/", func(c *gin.Context) {
		trace = append(trace, "view")
		c.String(http.StatusOK, "x")
	})
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{
		"trace-a:request", "trace-b:request", "view", "trace-b:response", "trace-a:response",
	}, trace)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build([]string{"nope"}, Deps{Settings: config.Default()})
	assert.ErrorContains(t, err, `unknown middleware "nope"`)

	_, err = Build([]string{"sessions"}, Deps{Settings: config.Default()})
	assert.Error(t, err)

	_, err = Build(nil, Deps{})
	assert.Error(t, err)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/submit/", nil)
	req.Header.Set("Origin", "https://psyho.netlify.app")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://psyho.netlify.app", w.Header().Get(headerAllowOrigin))
	assert.Equal(t, "DELETE, GET, OPTIONS, PATCH, POST, PUT", w.Header().Get(headerAllowMethods))
	assert.Contains(t, w.Header().Get(headerAllowHeaders), "x-csrftoken")
	assert.Equal(t, "86400", w.Header().Get(headerMaxAge))

	req = httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get(headerAllowOrigin))
	assert.Contains(t, w.Header().Get("Vary"), "origin")
	assert.Empty(t, w.Header().Get(headerAllowMethods))

	req = httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(headerAllowOrigin))
}

func TestCORS_OriginRegexAnchoredAtStart(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.CORS.AllowedOrigins = nil
		s.CORS.AllowedOriginRegexes = []string{`https://\w+\.psyho\.app`}
	})
	origin := func(o string) string {
		req := httptest.NewRequest(http.MethodGet, "/ok/", nil)
		req.Header.Set("Origin", o)
		return h.do(req).Header().Get(headerAllowOrigin)
	}
	assert.Equal(t, "https://tests.psyho.app", origin("https://tests.psyho.app"))
	assert.Empty(t, origin("http://evil.example?https://tests.psyho.app"))
	assert.Empty(t, origin("https://evil.example/https://tests.psyho.app"))
}

func TestCORS_AllowAllWithoutCredentials(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.CORS.AllowAllOrigins = true })
	req := httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Header.Set("Origin", "https://anywhere.io")
	w := h.do(req)
	assert.Equal(t, "*", w.Header().Get(headerAllowOrigin))
}

func TestSecurityAndClickjackingHeaders(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(httptest.NewRequest(http.MethodGet, "/ok/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "same-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "same-origin", w.Header().Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	w = h.do(httptest.NewRequest(http.MethodGet, "/frame/", nil))
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
}

func TestSecurity_SSLRedirectAndHSTS(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.Security.SSLRedirect = true
		s.Security.HSTSSeconds = 3600
		s.Security.HSTSIncludeSubdomains = true
		s.Security.ProxySSLHeader = "X-Forwarded-Proto: https"
	})
	w := h.do(httptest.NewRequest(http.MethodGet, "/ok/?a=1", nil))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.com/ok/?a=1", w.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w = h.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "max-age=3600; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestCommon_AllowedHosts(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.AllowedHosts = []string{".psyho.dev"} })

	req := httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Host = "api.psyho.dev:8000"
	assert.Equal(t, http.StatusOK, h.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Host = "evil.com"
	w := h.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "ALLOWED_HOSTS")

	dev := newHarness(t, func(s *config.Settings) { s.AllowedHosts = nil })
	req = httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Host = "localhost:8000"
	assert.Equal(t, http.StatusOK, dev.do(req).Code)
	req = httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Host = "psyho.dev"
	assert.Equal(t, http.StatusBadRequest, dev.do(req).Code)
}

func TestCommon_DisallowedUserAgent(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.DisallowedUserAgents = []string{`(?i)badbot`} })
	req := httptest.NewRequest(http.MethodGet, "/ok/", nil)
	req.Header.Set("User-Agent", "BadBot/1.0")
	assert.Equal(t, http.StatusForbidden, h.do(req).Code)
}

func TestCommon_AppendSlash(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(httptest.NewRequest(http.MethodGet, "/admin?x=1", nil))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/admin/?x=1", w.Header().Get("Location"))

	w = h.do(httptest.NewRequest(http.MethodPost, "/admin", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, detail(t, w), "APPEND_SLASH")

	w = h.do(httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommon_PrependWWW(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.PrependWWW = true })
	w := h.do(httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "http://www.example.com/admin/", w.Header().Get("Location"))
}

func TestCSRF_TokenFlow(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(httptest.NewRequest(http.MethodPost, "/submit/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "CSRF Failed: CSRF cookie not set.", detail(t, w))

	w = h.do(httptest.NewRequest(http.MethodGet, "/token/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Body.String()
	ck := cookie(w, "csrftoken")
	require.NotNil(t, ck)
	assert.Len(t, ck.Value, csrf.SecretLength)
	assert.Len(t, token, csrf.TokenLength)
	assert.Contains(t, w.Header().Get("Vary"), "Cookie")

	w = h.do(httptest.NewRequest(http.MethodPost, "/submit/", nil), ck)
	assert.Equal(t, "CSRF Failed: CSRF token missing.", detail(t, w))

	req := httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-CSRFToken", token)
	w = h.do(req, ck)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", w.Body.String())

	form := url.Values{csrf.FormField: {csrf.Mask(ck.Value)}}
	req = httptest.NewRequest(http.MethodPost, "/submit/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = h.do(req, ck)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-CSRFToken", csrf.Mask(csrf.NewSecret()))
	w = h.do(req, ck)
	assert.Equal(t, "CSRF Failed: CSRF token from the 'X-CSRFToken' HTTP header incorrect.", detail(t, w))

	req = httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-CSRFToken", "short")
	w = h.do(req, ck)
	assert.Equal(t, "CSRF Failed: CSRF token from the 'X-CSRFToken' HTTP header has incorrect length.", detail(t, w))
}

func TestCSRF_OriginAndReferer(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Security.ProxySSLHeader = "X-Forwarded-Proto: https" })
	secret := csrf.NewSecret()
	ck := &http.Cookie{Name: "csrftoken", Value: secret}

	req := httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("X-CSRFToken", csrf.Mask(secret))
	w := h.do(req, ck)
	assert.Equal(t, "CSRF Failed: Origin checking failed - https://evil.example does not match any trusted origins.", detail(t, w))

	req = httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("Origin", "https://psyho.netlify.app")
	req.Header.Set("X-CSRFToken", csrf.Mask(secret))
	assert.Equal(t, http.StatusOK, h.do(req, ck).Code)

	req = httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-CSRFToken", csrf.Mask(secret))
	w = h.do(req, ck)
	assert.Equal(t, "CSRF Failed: "+csrf.ReasonNoReferer, detail(t, w))

	req = httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Referer", "https://example.com/page")
	req.Header.Set("X-CSRFToken", csrf.Mask(secret))
	assert.Equal(t, http.StatusOK, h.do(req, ck).Code)

	req = httptest.NewRequest(http.MethodPost, "/hook/", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, h.do(req).Code)
}

func TestCSRF_FormBodyReachesView(t *testing.T) {
	h := newHarness(t, nil)
	secret := csrf.NewSecret()
	ck := &http.Cookie{Name: "csrftoken", Value: secret}

	form := url.Values{csrf.FormField: {csrf.Mask(secret)}, "answer": {"42"}}
	req := httptest.NewRequest(http.MethodPost, "/echo/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := h.do(req, ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, form.Encode(), w.Body.String())
}

func TestCSRF_MalformedCookie(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/submit/", nil)
	req.Header.Set("X-CSRFToken", csrf.Mask(csrf.NewSecret()))
	w := h.do(req, &http.Cookie{Name: "csrftoken", Value: "abc"})
	assert.Equal(t, "CSRF Failed: CSRF cookie has incorrect length.", detail(t, w))
	replaced := cookie(w, "csrftoken")
	require.NotNil(t, replaced)
	assert.Len(t, replaced.Value, csrf.SecretLength)
}

func TestSessions_CookieRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(httptest.NewRequest(http.MethodGet, "/ok/", nil))
	assert.Nil(t, cookie(w, "sessionid"), "untouched sessions set no cookie")
	assert.NotContains(t, w.Header().Get("Vary"), "Cookie")

	w = h.do(httptest.NewRequest(http.MethodGet, "/session/set/?v=hello", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	ck := cookie(w, "sessionid")
	require.NotNil(t, ck)
	assert.Len(t, ck.Value, session.KeyLength)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, ck.SameSite)
	assert.Equal(t, 1209600, ck.MaxAge)

	w = h.do(httptest.NewRequest(http.MethodGet, "/session/get/", nil), ck)
	assert.Equal(t, "hello", w.Body.String())
	assert.Contains(t, w.Header().Get("Vary"), "Cookie")

	w = h.do(httptest.NewRequest(http.MethodGet, "/session/flush/", nil), ck)
	deleted := cookie(w, "sessionid")
	require.NotNil(t, deleted)
	assert.Empty(t, deleted.Value)
	assert.Equal(t, 0, h.store.Len())
}

func TestMessages_ConsumedOnce(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(httptest.NewRequest(http.MethodGet, "/messages/add/", nil))
	ck := cookie(w, "sessionid")
	require.NotNil(t, ck)

	w = h.do(httptest.NewRequest(http.MethodGet, "/messages/", nil), ck)
	var got []messages.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "saved", got[0].Message)
	assert.Equal(t, "success", got[0].Tags)

	w = h.do(httptest.NewRequest(http.MethodGet, "/messages/", nil), ck)
	got = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Empty(t, got)
}

func TestAuth_LoginResolvesUser(t *testing.T) {
	h := newHarness(t, nil)
	u, err := h.users.CreateUser(context.Background(), "ann", "", "pw")
	require.NoError(t, err)

	w := h.do(httptest.NewRequest(http.MethodGet, "/me/", nil))
	assert.Equal(t, "anonymous", w.Body.String())

	w = h.do(httptest.NewRequest(http.MethodPost, "/login/?u=ann&p=pw", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	ck := cookie(w, "sessionid")
	require.NotNil(t, ck)
	assert.NotNil(t, cookie(w, "csrftoken"), "login rotates the CSRF secret")

	w = h.do(httptest.NewRequest(http.MethodGet, "/me/", nil), ck)
	assert.Equal(t, "ann", w.Body.String())

	// Changing the password invalidates the session.
	require.NoError(t, h.users.SetPassword(context.Background(), u, "new"))
	w = h.do(httptest.NewRequest(http.MethodGet, "/me/", nil), ck)
	assert.Equal(t, "anonymous", w.Body.String())
}

func TestPatchVary(t *testing.T) {
	h := http.Header{}
	PatchVary(h, "Cookie")
	PatchVary(h, "origin", "cookie")
	assert.Equal(t, "Cookie, origin", h.Get("Vary"))
}
