// Package session keeps per-client state on the server, keyed by a random
// session key carried in a cookie.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

var ErrNotFound = errors.New("session not found")

// Store persists session data. Load returns ErrNotFound for unknown or
// expired keys.
type Store interface {
	Load(ctx context.Context, key string) (map[string]any, error)
	Save(ctx context.Context, key string, data map[string]any, expiry time.Time) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ClearExpired(ctx context.Context) (int64, error)
}

const keyChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// KeyLength is the length of generated session keys.
const KeyLength = 32

// Session is a lazily loaded view of one client's data. It is not safe
// for concurrent use; each request owns its Session.
type Session struct {
	store Store
	ctx   context.Context
	age   time.Duration

	key      string
	oldKey   string
	data     map[string]any
	loaded   bool
	modified bool
	accessed bool
	loadErr  error
}

// New wraps key (possibly empty) from store. Nothing is read until the
// session is first accessed.
func New(ctx context.Context, store Store, key string, age time.Duration) *Session {
	return &Session{store: store, ctx: ctx, key: key, age: age}
}

func (s *Session) load() {
	s.accessed = true
	if s.loaded {
		return
	}
	s.loaded = true
	s.data = map[string]any{}
	if s.key == "" {
		return
	}
	data, err := s.store.Load(s.ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.loadErr = err
		}
		// Unknown keys are never reused; a new one is issued on save.
		s.key = ""
		return
	}
	s.data = data
}

// Key returns the current session key; empty until the session is saved.
func (s *Session) Key() string {
	return s.key
}

// LoadError returns the store error hit while loading, if any. The
// session behaves as empty in that case.
func (s *Session) LoadError() error {
	s.load()
	return s.loadErr
}

func (s *Session) Get(k string) (any, bool) {
	s.load()
	v, ok := s.data[k]
	return v, ok
}

// GetString returns the value for k when it is a string.
func (s *Session) GetString(k string) string {
	v, _ := s.Get(k)
	str, _ := v.(string)
	return str
}

func (s *Session) Set(k string, v any) {
	s.load()
	s.data[k] = v
	s.modified = true
}

func (s *Session) Delete(k string) {
	s.load()
	if _, ok := s.data[k]; ok {
		delete(s.data, k)
		s.modified = true
	}
}

// Pop removes k and returns its previous value.
func (s *Session) Pop(k string) (any, bool) {
	s.load()
	v, ok := s.data[k]
	if ok {
		delete(s.data, k)
		s.modified = true
	}
	return v, ok
}

// Keys returns the stored keys, sorted.
func (s *Session) Keys() []string {
	s.load()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the session has neither a key nor loaded data.
// It never triggers a load.
func (s *Session) IsEmpty() bool {
	if !s.loaded {
		return s.key == ""
	}
	return s.key == "" && len(s.data) == 0
}

func (s *Session) Modified() bool { return s.modified }
func (s *Session) Accessed() bool { return s.accessed }

// Flush drops all data and the stored row; the client gets a new key if
// anything is stored again.
func (s *Session) Flush() error {
	s.load()
	s.data = map[string]any{}
	s.modified = true
	if s.key == "" {
		return nil
	}
	key := s.key
	s.key = ""
	return s.store.Delete(s.ctx, key)
}

// CycleKey keeps the data but moves it to a new key on the next save.
// Used on login to prevent session fixation.
func (s *Session) CycleKey() {
	s.load()
	if s.key != "" && s.oldKey == "" {
		s.oldKey = s.key
	}
	s.key = ""
	s.modified = true
}

// Expiry returns when a session saved now expires.
func (s *Session) Expiry() time.Time {
	return time.Now().Add(s.age)
}

// Save writes the data, allocating a fresh key when needed, and removes
// the pre-cycle key.
func (s *Session) Save() error {
	s.load()
	if s.key == "" {
		key, err := s.newKey()
		if err != nil {
			return err
		}
		s.key = key
	}
	if err := s.store.Save(s.ctx, s.key, s.data, s.Expiry()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if s.oldKey != "" {
		old := s.oldKey
		s.oldKey = ""
		if err := s.store.Delete(s.ctx, old); err != nil {
			return fmt.Errorf("delete cycled session: %w", err)
		}
	}
	s.modified = false
	return nil
}

func (s *Session) newKey() (string, error) {
	for i := 0; i < 10; i++ {
		key, err := RandomString(KeyLength, keyChars)
		if err != nil {
			return "", err
		}
		exists, err := s.store.Exists(s.ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", errors.New("could not allocate a unique session key")
}

// RandomString returns n characters drawn uniformly from alphabet.
func RandomString(n int, alphabet string) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

const contextKey = "session"

// SetContext attaches s to the request.
func SetContext(c *gin.Context, s *Session) {
	c.Set(contextKey, s)
}

// FromContext returns the request's session, if the sessions middleware
// is installed.
func FromContext(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}
