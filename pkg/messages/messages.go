// Package messages stores one-shot notices for the next request in the
// client's session.
package messages

import (
	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/session"
)

type Level int

const (
	Debug   Level = 10
	Info    Level = 20
	Success Level = 25
	Warning Level = 30
	Error   Level = 40
)

// MinLevel is the lowest level that gets stored.
const MinLevel = Info

// SessionKey is where pending messages live in the session.
const SessionKey = "_messages"

var tags = map[Level]string{
	Debug:   "debug",
	Info:    "info",
	Success: "success",
	Warning: "warning",
	Error:   "error",
}

func (l Level) Tag() string {
	if t, ok := tags[l]; ok {
		return t
	}
	return ""
}

type Message struct {
	Level   Level  `json:"level"`
	Tags    string `json:"tags"`
	Message string `json:"message"`
}

const storageKey = "messages.storage"

// storage buffers the messages of one request; the messages middleware
// flushes it into the session on the way out.
type storage struct {
	queued []Message
	used   bool
}

// Bind attaches an empty message storage to the request.
func Bind(c *gin.Context) {
	c.Set(storageKey, &storage{})
}

func storageFrom(c *gin.Context) *storage {
	v, ok := c.Get(storageKey)
	if !ok {
		return nil
	}
	st, _ := v.(*storage)
	return st
}

// Add queues a message. It reports false when the messages middleware is
// not installed or the level is below MinLevel.
func Add(c *gin.Context, level Level, text string) bool {
	st := storageFrom(c)
	if st == nil || level < MinLevel {
		return false
	}
	st.queued = append(st.queued, Message{Level: level, Tags: level.Tag(), Message: text})
	return true
}

// Get returns and consumes the messages stored by earlier requests plus
// any queued during this one.
func Get(c *gin.Context) []Message {
	st := storageFrom(c)
	if st == nil {
		return nil
	}
	st.used = true
	var out []Message
	if s, ok := session.FromContext(c); ok {
		out = append(out, decode(s)...)
	}
	out = append(out, st.queued...)
	st.queued = nil
	return out
}

// Flush writes queued messages to the session and clears consumed ones.
func Flush(c *gin.Context) {
	st := storageFrom(c)
	if st == nil || (!st.used && len(st.queued) == 0) {
		return
	}
	s, ok := session.FromContext(c)
	if !ok {
		return
	}
	var pending []Message
	if !st.used {
		pending = decode(s)
	}
	pending = append(pending, st.queued...)
	switch {
	case len(pending) > 0:
		s.Set(SessionKey, encode(pending))
	case st.used:
		s.Delete(SessionKey)
	}
}

func encode(msgs []Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{"level": int(m.Level), "message": m.Message})
	}
	return out
}

// decode reads messages back from their JSON-decoded session form.
func decode(s *session.Session) []Message {
	v, ok := s.Get(SessionKey)
	if !ok {
		return nil
	}
	raw, _ := v.([]any)
	var out []Message
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lvl := toLevel(m["level"])
		text, _ := m["message"].(string)
		out = append(out, Message{Level: lvl, Tags: lvl.Tag(), Message: text})
	}
	return out
}

func toLevel(v any) Level {
	switch n := v.(type) {
	case float64:
		return Level(n)
	case int:
		return Level(n)
	}
	return Info
}
