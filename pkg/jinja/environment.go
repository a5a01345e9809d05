package jinja

import (
	"context"
	"strings"
	"sync"

	"github.com/walteh/sqltmpl/pkg/position"
	"gitlab.com/tozd/go/errors"
)

// ErrTemplateNotFound is wrapped by loaders that do not know a template name.
var ErrTemplateNotFound = errors.Base("template not found")

// Loader resolves template names used by include, import and from-import.
type Loader interface {
	Load(name string) (string, error)
}

// MapLoader serves templates from memory.
type MapLoader map[string]string

func (m MapLoader) Load(name string) (string, error) {
	src, ok := m[name]
	if !ok {
		return "", errors.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return src, nil
}

// Template is a parsed template. It is immutable and can be rendered
// concurrently.
type Template struct {
	Name   string
	Source string
	Body   []Stmt
	Blocks map[string]*BlockDef

	index *position.Index
}

func (t *Template) pos(offset int) Pos {
	return posAt(t.index, offset)
}

type FilterFunc func(s *State, v any, args []any, kwargs map[string]any) (any, error)

type TestFunc func(v any, args []any) (bool, error)

// Environment holds everything shared between renders. It must not be
// modified while a render is in progress; use Clone to derive a variant.
type Environment struct {
	Globals map[string]any
	Filters map[string]FilterFunc
	Tests   map[string]TestFunc
	Loader  Loader

	// Undefined builds the value that stands in for a name no scope defines.
	// The result is cached per name for the duration of one render. When nil
	// an AbsentValue is used.
	Undefined func(name string, pos Pos) any

	// OnUndefined is called when an absent value has to be written to the
	// output. It returns the text to write instead, or an error to abort the
	// render. When nil the *UndefinedError aborts the render.
	OnUndefined func(err *UndefinedError) (string, error)

	// MaxDepth bounds nested macro calls, includes and imports.
	MaxDepth int

	cache *templateCache
}

type templateCache struct {
	mu        sync.Mutex
	templates map[string]*Template
}

func NewEnvironment() *Environment {
	e := &Environment{
		Globals:  map[string]any{},
		Filters:  map[string]FilterFunc{},
		Tests:    map[string]TestFunc{},
		MaxDepth: 100,
		cache:    &templateCache{templates: map[string]*Template{}},
	}
	for name, f := range builtinFilters {
		e.Filters[name] = f
	}
	for name, t := range builtinTests {
		e.Tests[name] = t
	}
	return e
}

// Clone returns a copy whose maps and hooks can be changed independently.
// Loaded templates stay shared.
func (e *Environment) Clone() *Environment {
	c := *e
	c.Globals = make(map[string]any, len(e.Globals))
	for k, v := range e.Globals {
		c.Globals[k] = v
	}
	c.Filters = make(map[string]FilterFunc, len(e.Filters))
	for k, v := range e.Filters {
		c.Filters[k] = v
	}
	c.Tests = make(map[string]TestFunc, len(e.Tests))
	for k, v := range e.Tests {
		c.Tests[k] = v
	}
	return &c
}

func (e *Environment) maxDepth() int {
	if e.MaxDepth <= 0 {
		return 100
	}
	return e.MaxDepth
}

// Parse parses src. Failures are returned as *SyntaxError.
func (e *Environment) Parse(name, src string) (*Template, error) {
	body, blocks, err := parseSource(src)
	if err != nil {
		return nil, err
	}
	return &Template{
		Name:   name,
		Source: src,
		Body:   body,
		Blocks: blocks,
		index:  position.NewIndex(src),
	}, nil
}

// Render executes t with vars as the outermost scope.
func (e *Environment) Render(ctx context.Context, t *Template, vars map[string]any) (string, error) {
	s := newState(ctx, e, t, vars)
	if err := s.exec(t.Body); err != nil {
		return "", err
	}
	return s.out.String(), nil
}

func (e *Environment) RenderString(ctx context.Context, name, src string, vars map[string]any) (string, error) {
	t, err := e.Parse(name, src)
	if err != nil {
		return "", err
	}
	return e.Render(ctx, t, vars)
}

// Exports renders src as a module, the way import does, and returns the
// macros and variables it defines at top level.
func (e *Environment) Exports(ctx context.Context, name, src string) (map[string]any, error) {
	t, err := e.Parse(name, src)
	if err != nil {
		return nil, err
	}
	s := newState(ctx, e, t, nil)
	mod, err := s.module(t)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, mod.Len())
	for _, k := range mod.keys {
		out[k.(string)] = mod.values[k]
	}
	return out, nil
}

func (e *Environment) getTemplate(name string) (*Template, error) {
	e.cache.mu.Lock()
	t, ok := e.cache.templates[name]
	e.cache.mu.Unlock()
	if ok {
		return t, nil
	}

	if e.Loader == nil {
		return nil, errors.Errorf("%w: %s (no loader configured)", ErrTemplateNotFound, name)
	}
	src, err := e.Loader.Load(name)
	if err != nil {
		return nil, err
	}
	t, err = e.Parse(name, src)
	if err != nil {
		return nil, err
	}

	e.cache.mu.Lock()
	e.cache.templates[name] = t
	e.cache.mu.Unlock()
	return t, nil
}

func newState(ctx context.Context, e *Environment, t *Template, vars map[string]any) *State {
	top := make(map[string]any, len(vars))
	for k, v := range vars {
		top[k] = Normalize(v)
	}
	return &State{
		ctx:    ctx,
		env:    e,
		tmpl:   t,
		scopes: []map[string]any{top, {}},
		root:   2,
		out:    &strings.Builder{},
		shared: &renderShared{undefined: map[string]any{}},
	}
}
