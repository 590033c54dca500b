// Package urls maps request paths to handlers through an ordered table of
// route patterns. The first entry that matches wins; include entries strip
// their matched prefix and resolve the remainder against a nested table.
package urls

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNoMatch        = errors.New("no URL pattern matched")
	ErrNoReverseMatch = errors.New("no reverse match")
)

// NoMatchError lists the routes tried, in order, before giving up.
type NoMatchError struct {
	Path  string
	Tried []string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("%s: %q (tried %d patterns)", ErrNoMatch, e.Path, len(e.Tried))
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// Entry is one row of a URL table: an endpoint (Handler set) or an
// include (Table set).
type Entry struct {
	Route        string
	Handler      gin.HandlerFunc
	Table        Table
	Namespace    string
	Name         string
	CSRFExempt   bool
	XFrameExempt bool
	// Kind is shown by Routes: view, static or proxy.
	Kind string

	pattern *Pattern
	err     error
}

// Table is an ordered list of entries. Order decides precedence.
type Table []*Entry

type Option func(*Entry)

// Name names an endpoint for Reverse.
func Name(name string) Option { return func(e *Entry) { e.Name = name } }

// CSRFExempt skips CSRF verification for the endpoint.
func CSRFExempt() Option { return func(e *Entry) { e.CSRFExempt = true } }

// XFrameExempt stops the clickjacking middleware from setting
// X-Frame-Options on the endpoint's responses.
func XFrameExempt() Option { return func(e *Entry) { e.XFrameExempt = true } }

// Path builds an endpoint entry.
func Path(route string, h gin.HandlerFunc, opts ...Option) *Entry {
	e := &Entry{Route: route, Handler: h}
	for _, o := range opts {
		o(e)
	}
	e.pattern, e.err = compilePattern(route, true)
	return e
}

// Include delegates everything under route to t. namespace may be empty.
func Include(route string, t Table, namespace string) *Entry {
	e := &Entry{Route: route, Table: t, Namespace: namespace}
	e.pattern, e.err = compilePattern(route, false)
	return e
}

// Match is the outcome of resolving a path.
type Match struct {
	Handler      gin.HandlerFunc
	Kwargs       map[string]any
	Route        string
	Name         string
	Namespaces   []string
	CSRFExempt   bool
	XFrameExempt bool
}

// ViewName returns the namespaced name, e.g. "admin:index".
func (m *Match) ViewName() string {
	if m.Name == "" {
		return ""
	}
	return strings.Join(append(append([]string(nil), m.Namespaces...), m.Name), ":")
}

// Resolver resolves paths against a root table.
type Resolver struct {
	table Table
	debug bool
}

// NewResolver validates every pattern in t and returns a resolver.
// debug adds the tried patterns to 404 responses.
func NewResolver(t Table, debug bool) (*Resolver, error) {
	if err := validate(t, ""); err != nil {
		return nil, err
	}
	return &Resolver{table: t, debug: debug}, nil
}

func validate(t Table, prefix string) error {
	for _, e := range t {
		if e == nil {
			return pkgerrors.Errorf("nil URL entry under %q", prefix)
		}
		if e.err != nil {
			return e.err
		}
		if e.Table == nil && e.Handler == nil {
			return pkgerrors.Errorf("URL entry %q has neither a handler nor an included table", prefix+e.Route)
		}
		if e.Table != nil {
			if err := validate(e.Table, prefix+e.Route); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve finds the first entry matching path. path may carry a leading
// slash.
func (r *Resolver) Resolve(path string) (*Match, error) {
	var tried []string
	m := resolveIn(r.table, strings.TrimPrefix(path, "/"), "", nil, &tried)
	if m == nil {
		return nil, &NoMatchError{Path: path, Tried: tried}
	}
	return m, nil
}

func resolveIn(t Table, path, prefix string, namespaces []string, tried *[]string) *Match {
	for _, e := range t {
		rest, kwargs, ok := e.pattern.match(path)
		if !ok {
			*tried = append(*tried, prefix+e.Route)
			continue
		}
		if e.Table != nil {
			ns := namespaces
			if e.Namespace != "" {
				ns = append(append([]string(nil), namespaces...), e.Namespace)
			}
			sub := resolveIn(e.Table, rest, prefix+e.Route, ns, tried)
			if sub == nil {
				continue
			}
			for k, v := range kwargs {
				if _, exists := sub.Kwargs[k]; !exists {
					sub.Kwargs[k] = v
				}
			}
			return sub
		}
		return &Match{
			Handler:      e.Handler,
			Kwargs:       kwargs,
			Route:        prefix + e.Route,
			Name:         e.Name,
			Namespaces:   namespaces,
			CSRFExempt:   e.CSRFExempt,
			XFrameExempt: e.XFrameExempt,
		}
	}
	return nil
}

// Reverse builds the path for a (possibly namespaced) view name such as
// "admin:login".
func (r *Resolver) Reverse(viewName string, kwargs map[string]any) (string, error) {
	parts := strings.Split(viewName, ":")
	p, ok := reverseIn(r.table, parts[:len(parts)-1], parts[len(parts)-1], kwargs)
	if !ok {
		return "", fmt.Errorf("%w for %q with arguments %v", ErrNoReverseMatch, viewName, kwargs)
	}
	return "/" + p, nil
}

func reverseIn(t Table, namespaces []string, name string, kwargs map[string]any) (string, bool) {
	for _, e := range t {
		if e.Table != nil {
			rest := namespaces
			if e.Namespace != "" {
				if len(namespaces) == 0 || namespaces[0] != e.Namespace {
					continue
				}
				rest = namespaces[1:]
			}
			sub, ok := reverseIn(e.Table, rest, name, kwargs)
			if !ok {
				continue
			}
			prefix, err := e.pattern.build(kwargs)
			if err != nil {
				continue
			}
			return prefix + sub, true
		}
		if len(namespaces) != 0 || e.Name != name {
			continue
		}
		p, err := e.pattern.build(kwargs)
		if err != nil {
			continue
		}
		return p, true
	}
	return "", false
}

// RouteInfo describes one endpoint for listings.
type RouteInfo struct {
	Route string
	Name  string
	Kind  string // view, static, proxy
}

// Routes flattens the table in match order.
func (r *Resolver) Routes() []RouteInfo {
	var out []RouteInfo
	flatten(r.table, "", nil, &out)
	return out
}

func flatten(t Table, prefix string, namespaces []string, out *[]RouteInfo) {
	for _, e := range t {
		if e.Table != nil {
			ns := namespaces
			if e.Namespace != "" {
				ns = append(append([]string(nil), namespaces...), e.Namespace)
			}
			flatten(e.Table, prefix+e.Route, ns, out)
			continue
		}
		name := ""
		if e.Name != "" {
			name = strings.Join(append(append([]string(nil), namespaces...), e.Name), ":")
		}
		kind := e.Kind
		if kind == "" {
			kind = "view"
		}
		*out = append(*out, RouteInfo{Route: "/" + prefix + e.Route, Name: name, Kind: kind})
	}
}

const (
	resolverKey = "urls.resolver"
	matchKey    = "urls.match"
)

// Bind stores the resolver in the request context so middleware can
// resolve the current request before the terminal handler runs.
func (r *Resolver) Bind() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(resolverKey, r)
		c.Next()
	}
}

// FromContext returns the bound resolver.
func FromContext(c *gin.Context) *Resolver {
	if v, ok := c.Get(resolverKey); ok {
		if r, ok := v.(*Resolver); ok {
			return r
		}
	}
	return nil
}

// Current resolves the request path once and caches the result on the
// context. It returns nil when nothing matches or no resolver is bound.
func Current(c *gin.Context) *Match {
	if v, ok := c.Get(matchKey); ok {
		m, _ := v.(*Match)
		return m
	}
	r := FromContext(c)
	if r == nil {
		return nil
	}
	m, err := r.Resolve(c.Request.URL.Path)
	if err != nil {
		m = nil
	}
	c.Set(matchKey, m)
	return m
}

// Kwarg returns a resolved path parameter in string form.
func Kwarg(c *gin.Context, name string) string {
	m := Current(c)
	if m == nil {
		return ""
	}
	v, ok := m.Kwargs[name]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// Dispatch is the terminal handler: it runs the matched endpoint or
// answers 404.
func (r *Resolver) Dispatch(c *gin.Context) {
	if FromContext(c) == nil {
		c.Set(resolverKey, r)
	}
	if m := Current(c); m != nil {
		m.Handler(c)
		return
	}
	body := gin.H{"detail": "Not found."}
	if r.debug {
		_, err := r.Resolve(c.Request.URL.Path)
		var nm *NoMatchError
		if errors.As(err, &nm) {
			body["path"] = nm.Path
			body["tried"] = nm.Tried
		}
	}
	c.JSON(http.StatusNotFound, body)
}
