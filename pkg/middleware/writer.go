package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// hookWriter runs response-phase hooks right before the first byte of
// the response is committed, innermost middleware first.
type hookWriter struct {
	gin.ResponseWriter
	hooks []func()
	fired bool
}

func (w *hookWriter) fire() {
	if w.fired {
		return
	}
	w.fired = true
	for i := len(w.hooks) - 1; i >= 0; i-- {
		w.hooks[i]()
	}
}

func (w *hookWriter) WriteHeaderNow() {
	w.fire()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *hookWriter) Write(b []byte) (int, error) {
	w.fire()
	return w.ResponseWriter.Write(b)
}

func (w *hookWriter) WriteString(s string) (int, error) {
	w.fire()
	return w.ResponseWriter.WriteString(s)
}

func (w *hookWriter) Flush() {
	w.fire()
	w.ResponseWriter.Flush()
}

func (w *hookWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.fire()
	return w.ResponseWriter.Hijack()
}

const hooksKey = "middleware.hooks"

// installHooks wraps the writer; Build puts it ahead of every named
// middleware.
func installHooks(c *gin.Context) {
	w := &hookWriter{ResponseWriter: c.Writer}
	c.Writer = w
	c.Set(hooksKey, w)
	c.Next()
	// Handlers that only set a status (304, 204) never write.
	w.fire()
}

// OnBeforeWrite registers fn to run before the response is committed.
// Hooks run in reverse registration order. Without the hook writer fn
// runs at once.
func OnBeforeWrite(c *gin.Context, fn func()) {
	if v, ok := c.Get(hooksKey); ok {
		if w, ok := v.(*hookWriter); ok && !w.fired {
			w.hooks = append(w.hooks, fn)
			return
		}
	}
	fn()
}

// PatchVary adds header names to the Vary header without duplicates.
func PatchVary(h http.Header, names ...string) {
	var existing []string
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				existing = append(existing, p)
			}
		}
	}
	out := existing
	for _, n := range names {
		found := false
		for _, e := range existing {
			if e == "*" || strings.EqualFold(e, n) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	if len(out) > 0 {
		h.Set("Vary", strings.Join(out, ", "))
	}
}
