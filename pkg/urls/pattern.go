package urls

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Converter turns a path segment into a typed value and back.
type Converter interface {
	Regex() string
	ToGo(s string) (any, error)
	ToURL(v any) (string, error)
}

type strConverter struct{}

func (strConverter) Regex() string               { return `[^/]+` }
func (strConverter) ToGo(s string) (any, error)  { return s, nil }
func (strConverter) ToURL(v any) (string, error) { return fmt.Sprint(v), nil }

type intConverter struct{}

func (intConverter) Regex() string { return `[0-9]+` }

func (intConverter) ToGo(s string) (any, error) {
	return strconv.Atoi(s)
}

func (intConverter) ToURL(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint:
		return strconv.FormatUint(uint64(n), 10), nil
	case string:
		if _, err := strconv.Atoi(n); err != nil {
			return "", err
		}
		return n, nil
	}
	return "", fmt.Errorf("int converter: unsupported value %T", v)
}

type slugConverter struct{ strConverter }

func (slugConverter) Regex() string { return `[-a-zA-Z0-9_]+` }

type uuidConverter struct{}

func (uuidConverter) Regex() string {
	return `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`
}

func (uuidConverter) ToGo(s string) (any, error) { return uuid.Parse(s) }

func (uuidConverter) ToURL(v any) (string, error) {
	switch u := v.(type) {
	case uuid.UUID:
		return u.String(), nil
	case string:
		parsed, err := uuid.Parse(u)
		if err != nil {
			return "", err
		}
		return parsed.String(), nil
	}
	return "", fmt.Errorf("uuid converter: unsupported value %T", v)
}

type pathConverter struct{ strConverter }

func (pathConverter) Regex() string { return `.+` }

// converters are the types usable in route patterns as <name:param>.
var converters = map[string]Converter{
	"str":  strConverter{},
	"int":  intConverter{},
	"slug": slugConverter{},
	"uuid": uuidConverter{},
	"path": pathConverter{},
}

func lookupConverter(name string) (Converter, bool) {
	c, ok := converters[name]
	return c, ok
}

var (
	paramRe      = regexp.MustCompile(`<(?:([^>:]+):)?([^>]+)>`)
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type segment struct {
	literal string
	param   string
	conv    Converter
}

// Pattern is a compiled route such as "admin/<int:id>/".
type Pattern struct {
	route    string
	endpoint bool
	re       *regexp.Regexp
	segments []segment
}

// compilePattern compiles route. Endpoint patterns must match the whole
// remaining path; include patterns match a prefix.
func compilePattern(route string, endpoint bool) (*Pattern, error) {
	if strings.HasPrefix(route, "/") {
		return nil, errors.Errorf("route %q starts with a slash; remove it, it is unnecessary", route)
	}

	p := &Pattern{route: route, endpoint: endpoint}
	var b strings.Builder
	b.WriteString("^")
	seen := map[string]bool{}

	rest := route
	for {
		loc := paramRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		if lit := rest[:loc[0]]; lit != "" {
			p.segments = append(p.segments, segment{literal: lit})
			b.WriteString(regexp.QuoteMeta(lit))
		}
		convName := "str"
		if loc[2] >= 0 {
			convName = rest[loc[2]:loc[3]]
		}
		param := rest[loc[4]:loc[5]]
		if !identifierRe.MatchString(param) {
			return nil, errors.Errorf("route %q uses parameter name %q which isn't a valid identifier", route, param)
		}
		if seen[param] {
			return nil, errors.Errorf("route %q uses parameter name %q more than once", route, param)
		}
		seen[param] = true
		conv, ok := lookupConverter(convName)
		if !ok {
			return nil, errors.Errorf("route %q uses invalid converter %q", route, convName)
		}
		p.segments = append(p.segments, segment{param: param, conv: conv})
		fmt.Fprintf(&b, "(?P<%s>%s)", param, conv.Regex())
		rest = rest[loc[1]:]
	}
	if strings.ContainsAny(rest, "<>") {
		return nil, errors.Errorf("route %q contains an unmatched angle bracket", route)
	}
	if rest != "" {
		p.segments = append(p.segments, segment{literal: rest})
		b.WriteString(regexp.QuoteMeta(rest))
	}
	if endpoint {
		b.WriteString("$")
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "compile route %q", route)
	}
	p.re = re
	return p, nil
}

// match matches path against the pattern and returns the unmatched tail
// and the converted parameters. A converter that rejects its segment makes
// the whole pattern not match.
func (p *Pattern) match(path string) (string, map[string]any, bool) {
	m := p.re.FindStringSubmatchIndex(path)
	if m == nil {
		return "", nil, false
	}
	kwargs := map[string]any{}
	names := p.re.SubexpNames()
	for i := 1; i < len(names); i++ {
		if names[i] == "" || m[2*i] < 0 {
			continue
		}
		raw := path[m[2*i]:m[2*i+1]]
		conv := p.converter(names[i])
		v, err := conv.ToGo(raw)
		if err != nil {
			return "", nil, false
		}
		kwargs[names[i]] = v
	}
	return path[m[1]:], kwargs, true
}

func (p *Pattern) converter(param string) Converter {
	for _, s := range p.segments {
		if s.param == param {
			return s.conv
		}
	}
	return strConverter{}
}

// build fills the pattern with kwargs. Every value must satisfy its
// converter's regex.
func (p *Pattern) build(kwargs map[string]any) (string, error) {
	var b strings.Builder
	for _, s := range p.segments {
		if s.param == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := kwargs[s.param]
		if !ok {
			return "", fmt.Errorf("missing argument %q", s.param)
		}
		str, err := s.conv.ToURL(v)
		if err != nil {
			return "", err
		}
		if !regexp.MustCompile(`^(?:` + s.conv.Regex() + `)$`).MatchString(str) {
			return "", fmt.Errorf("argument %q=%q does not match %s", s.param, str, s.conv.Regex())
		}
		b.WriteString(str)
	}
	return b.String(), nil
}
