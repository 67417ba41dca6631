package loader

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Registry maps result types to loader constructors and parsers. Types with
// neither fall back to the default parser when they look like structured
// data (structs, maps, slices).
type Registry struct {
	mu       sync.RWMutex
	loaders  map[reflect.Type]Factory
	parsers  map[reflect.Type]Parser
	fallback Parser
}

// NewRegistry returns a registry with the built-in loaders and parsers.
func NewRegistry() *Registry {
	r := &Registry{
		loaders:  make(map[reflect.Type]Factory),
		parsers:  make(map[reflect.Type]Parser),
		fallback: JSONParser{},
	}

	r.Register(TypeOf[[]byte](), NewBytesLoader)
	r.Register(TypeOf[string](), NewStringLoader)
	r.Register(TypeOf[bool](), NewBoolLoader)
	r.Register(TypeOf[int](), NewStatusLoader)
	r.Register(TypeOf[*File](), NewFileLoader)

	r.RegisterParser(TypeOf[*goquery.Document](), DocumentParser{})
	r.RegisterParser(TypeOf[*html.Node](), NodeParser{})
	r.RegisterParser(TypeOf[SafeHTML](), SafeHTMLParser{})
	return r
}

// Register sets the loader for t, replacing any parser for it.
func (r *Registry) Register(t reflect.Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[t] = f
	delete(r.parsers, t)
}

// RegisterParser routes t through p and the loader for p.RawType().
func (r *Registry) RegisterParser(t reflect.Type, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[t] = p
	delete(r.loaders, t)
}

// SetFallback replaces the parser used for unregistered structured types.
// nil disables the fallback.
func (r *Registry) SetFallback(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// RegisterFor registers f as the loader for T.
func RegisterFor[T any](r *Registry, f Factory) {
	r.Register(TypeOf[T](), f)
}

// RegisterParserFor registers p as the parser for T.
func RegisterParserFor[T any](r *Registry, p Parser) {
	r.RegisterParser(TypeOf[T](), p)
}

// Resolve returns a fresh loader for t.
func (r *Registry) Resolve(t reflect.Type) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(t, make(map[reflect.Type]bool))
}

// Validate reports whether t can be resolved without creating a loader for
// use.
func (r *Registry) Validate(t reflect.Type) error {
	_, err := r.Resolve(t)
	return err
}

func (r *Registry) resolve(t reflect.Type, seen map[reflect.Type]bool) (Loader, error) {
	if seen[t] {
		return nil, fmt.Errorf("%s: %w", t, httperr.ErrRecursiveLoader)
	}
	seen[t] = true

	if f, ok := r.loaders[t]; ok {
		return f(), nil
	}

	p, ok := r.parsers[t]
	if !ok {
		if r.fallback == nil || !structured(t) {
			return nil, fmt.Errorf("%s: %w", t, httperr.ErrNoLoader)
		}
		p = r.fallback
	}

	raw := p.RawType()
	inner, err := r.resolve(raw, seen)
	if err != nil {
		return nil, err
	}
	return &parsedLoader{inner: inner, parser: p, target: t}, nil
}

func structured(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		return true
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct
	case reflect.Interface:
		return t.NumMethod() == 0
	}
	return false
}
