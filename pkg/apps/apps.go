// Package apps resolves INSTALLED_APPS against the framework apps this
// server knows how to run.
package apps

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/db"
)

// App describes one installable application.
type App struct {
	Label string
	// Name is the dotted name the app is known by in Django settings.
	Name string
	// Models are the gorm models the app owns; migrate creates them.
	Models []any
	// Ready runs once after every installed app is resolved.
	Ready func(s *config.Settings) error
}

// ModelNames returns the lower-cased model names used by content types
// and admin URLs.
func (a *App) ModelNames() []string {
	out := make([]string, 0, len(a.Models))
	for _, m := range a.Models {
		out = append(out, ModelName(m))
	}
	return out
}

// ModelName returns the lower-cased Go type name of a model.
func ModelName(model any) string {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.ToLower(t.Name())
}

var catalog = []*App{
	{Label: "admin", Name: "django.contrib.admin", Models: []any{&db.LogEntry{}}},
	{Label: "auth", Name: "django.contrib.auth", Models: []any{&db.User{}}},
	{Label: "contenttypes", Name: "django.contrib.contenttypes", Models: []any{&db.ContentType{}}},
	{Label: "sessions", Name: "django.contrib.sessions", Models: []any{&db.Session{}}},
	{Label: "messages", Name: "django.contrib.messages"},
	{Label: "staticfiles", Name: "django.contrib.staticfiles"},
	{Label: "tests", Name: "tests", Ready: checkTestsUpstream},
	{Label: "cors", Name: "corsheaders"},
	{Label: "api", Name: "rest_framework"},
}

// Known reports whether label names a catalog app.
func Known(label string) bool {
	_, ok := lookup(label)
	return ok
}

func lookup(label string) (*App, bool) {
	for _, a := range catalog {
		if a.Label == label || a.Name == label {
			return a, true
		}
	}
	return nil, false
}

// Registry holds the installed apps in INSTALLED_APPS order.
type Registry struct {
	apps    []*App
	byLabel map[string]*App
}

// Populate resolves every installed app and runs their Ready hooks.
// Labels may be short ("admin") or dotted ("django.contrib.admin").
func Populate(s *config.Settings) (*Registry, error) {
	r := &Registry{byLabel: make(map[string]*App, len(s.InstalledApps))}
	for _, label := range s.InstalledApps {
		a, ok := lookup(label)
		if !ok {
			return nil, errors.Errorf("no installed app with label %q", label)
		}
		if _, dup := r.byLabel[a.Label]; dup {
			return nil, errors.Errorf("application labels aren't unique, duplicates: %s", a.Label)
		}
		r.byLabel[a.Label] = a
		r.apps = append(r.apps, a)
	}
	for _, a := range r.apps {
		if a.Ready == nil {
			continue
		}
		if err := a.Ready(s); err != nil {
			return nil, errors.Wrapf(err, "app %s", a.Label)
		}
	}
	return r, nil
}

func (r *Registry) Get(label string) (*App, bool) {
	a, ok := r.byLabel[label]
	return a, ok
}

func (r *Registry) IsInstalled(label string) bool {
	_, ok := r.byLabel[label]
	return ok
}

// Apps returns the installed apps in order.
func (r *Registry) Apps() []*App {
	return append([]*App(nil), r.apps...)
}

// Models returns every installed app's models in install order.
func (r *Registry) Models() []any {
	var out []any
	for _, a := range r.apps {
		out = append(out, a.Models...)
	}
	return out
}
