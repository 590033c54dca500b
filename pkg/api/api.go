// Package api holds the JSON conventions shared by the HTTP handlers:
// the response envelope, page-number pagination and ordering.
package api

import (
	"errors"
	"maps"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/models"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000

	PageParam     = "page"
	PageSizeParam = "page_size"
	SearchParam   = "q"
	OrderParam    = "o"
)

var (
	ErrInvalidPage  = errors.New("invalid page")
	ErrInvalidOrder = errors.New("invalid ordering")
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: data})
}

func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, models.Response{Code: http.StatusCreated, Message: "Created", Data: data})
}

// Fail aborts the chain with a JSON error envelope.
func Fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, models.Response{Code: status, Message: message})
}

// Page is a requested page window.
type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// ParsePage reads ?page and ?page_size. Missing values default to the
// first page of DefaultPageSize; the size is capped at MaxPageSize.
func ParsePage(c *gin.Context) (Page, error) {
	p := Page{Number: 1, Size: DefaultPageSize}
	if v := c.Query(PageParam); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, ErrInvalidPage
		}
		p.Number = n
	}
	if v := c.Query(PageSizeParam); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, ErrInvalidPage
		}
		p.Size = min(n, MaxPageSize)
	}
	return p, nil
}

// NewPage builds the list payload for page p of count results, with
// absolute next/previous links derived from the current request.
func NewPage(c *gin.Context, p Page, count int64, results any) (models.PageResponse, error) {
	pages := int((count + int64(p.Size) - 1) / int64(p.Size))
	if pages == 0 {
		pages = 1
	}
	if p.Number > pages {
		return models.PageResponse{}, ErrInvalidPage
	}
	resp := models.PageResponse{Count: count, Results: results}
	if p.Number < pages {
		resp.Next = pageURL(c, p.Number+1)
	}
	if p.Number > 1 {
		resp.Previous = pageURL(c, p.Number-1)
	}
	return resp, nil
}

func pageURL(c *gin.Context, n int) string {
	u := url.URL{Scheme: "http", Host: c.Request.Host, Path: c.Request.URL.Path}
	if c.Request.TLS != nil {
		u.Scheme = "https"
	}
	q := c.Request.URL.Query()
	if n == 1 {
		q.Del(PageParam)
	} else {
		q.Set(PageParam, strconv.Itoa(n))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Ordering parses ?o as a comma list of fields, each optionally prefixed
// with "-", into an SQL ORDER BY clause. Fields must be in allowed.
// An empty parameter returns fallback.
func Ordering(c *gin.Context, allowed []string, fallback string) (string, error) {
	raw := strings.TrimSpace(c.Query(OrderParam))
	if raw == "" {
		return fallback, nil
	}
	var parts []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		dir := "ASC"
		if strings.HasPrefix(f, "-") {
			f, dir = f[1:], "DESC"
		}
		if !contains(allowed, f) {
			return "", ErrInvalidOrder
		}
		parts = append(parts, f+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Methods dispatches on the request method. HEAD is served by the GET
// handler unless given. Other methods get 405 with an Allow header.
func Methods(handlers map[string]gin.HandlerFunc) gin.HandlerFunc {
	handlers = maps.Clone(handlers)
	if get, ok := handlers[http.MethodGet]; ok {
		if _, ok := handlers[http.MethodHead]; !ok {
			handlers[http.MethodHead] = get
		}
	}
	allowed := make([]string, 0, len(handlers)+1)
	for m := range handlers {
		allowed = append(allowed, m)
	}
	if _, ok := handlers[http.MethodOptions]; !ok {
		allowed = append(allowed, http.MethodOptions)
	}
	sort.Strings(allowed)
	allow := strings.Join(allowed, ", ")
	return func(c *gin.Context) {
		if h, ok := handlers[c.Request.Method]; ok {
			h(c)
			return
		}
		c.Header("Allow", allow)
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		Fail(c, http.StatusMethodNotAllowed, `Method "`+c.Request.Method+`" not allowed.`)
	}
}
