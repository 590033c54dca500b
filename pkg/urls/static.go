package urls

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psyho/psyho/pkg/staticfiles"
)

var ErrEmptyStaticPrefix = errors.New("empty static prefix not permitted")

// Static returns the rule serving files under prefix from root. Serving
// files from the application process is a development convenience, so no
// rule is returned unless debug is set, or when prefix is an absolute URL
// handled by another host.
func Static(prefix, root string, debug bool) (Table, error) {
	return staticTable(prefix, debug, staticfiles.Dir(root))
}

// StaticFinder is Static for assets located by a finder rather than a
// single root.
func StaticFinder(prefix string, finder *staticfiles.Finder, debug bool) (Table, error) {
	return staticTable(prefix, debug, finder.Serve)
}

func staticTable(prefix string, debug bool, serve func(*gin.Context, string)) (Table, error) {
	if prefix == "" {
		return nil, ErrEmptyStaticPrefix
	}
	if !debug {
		return nil, nil
	}
	if u, err := url.Parse(prefix); err == nil && u.Host != "" {
		return nil, nil
	}
	route := strings.TrimLeft(prefix, "/") + "<path:path>"
	e := Path(route, func(c *gin.Context) {
		serve(c, Kwarg(c, "path"))
	})
	e.Kind = "static"
	return Table{e}, nil
}
