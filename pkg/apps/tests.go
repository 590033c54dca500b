package apps

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/urls"
)

// TestsMount is where the tests app is served.
const TestsMount = "/tests"

func testsUpstream(s *config.Settings) string {
	if u := s.App("tests").Upstream; u != "" {
		return u
	}
	return config.DefaultTestsUpstream
}

func checkTestsUpstream(s *config.Settings) error {
	_, err := parseUpstream(testsUpstream(s))
	return err
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream")
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, errors.Errorf("upstream %q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

// TestsProxy forwards requests under /tests/ to the tests service with
// the mount prefix removed.
func TestsProxy(s *config.Settings, log *slog.Logger) (gin.HandlerFunc, error) {
	target, err := parseUpstream(testsUpstream(s))
	if err != nil {
		return nil, err
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", TestsMount)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error("tests upstream failed", "upstream", target.String(), "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(gin.H{"detail": "The tests service is unavailable."})
		},
	}
	return func(c *gin.Context) {
		req := c.Request.Clone(c.Request.Context())
		req.URL.Path = "/" + urls.Kwarg(c, "path")
		req.URL.RawPath = ""
		proxy.ServeHTTP(c.Writer, req)
	}, nil
}

// TestsURLs is the table mounted at tests/. The routes are CSRF exempt:
// the upstream is called cross-origin by the frontend and enforces its own
// authentication.
func TestsURLs(proxy gin.HandlerFunc) urls.Table {
	index := urls.Path("", proxy, urls.Name("index"), urls.CSRFExempt())
	index.Kind = "proxy"
	rest := urls.Path("<path:path>", proxy, urls.CSRFExempt())
	rest.Kind = "proxy"
	return urls.Table{index, rest}
}
