package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/topicbridge/errors"
)

// Decoder turns a raw local-transport message into an ordered field mapping.
type Decoder interface {
	Decode(raw []byte) (Fields, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw []byte) (Fields, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(raw []byte) (Fields, error) { return f(raw) }

// Resolver yields a Decoder for a type name.
type Resolver interface {
	Resolve(typeName string) (Decoder, error)
}

// Factory builds a Decoder for one registered type.
type Factory func() (Decoder, error)

// Registry maps type names to decoder factories. Types declared with Define
// get a schema-driven decoder; Register installs arbitrary factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]TypeDef
	factories map[string]Factory
	fallback  Factory
}

// NewRegistry creates a registry preloaded with the builtin message types.
func NewRegistry() *Registry {
	r := &Registry{
		defs:      make(map[string]TypeDef),
		factories: make(map[string]Factory),
	}
	if err := r.loadBuiltins(); err != nil {
		panic(fmt.Sprintf("schema: builtin definitions: %v", err))
	}
	return r
}

// Register installs a factory for typeName, replacing any previous one.
func (r *Registry) Register(typeName string, factory Factory) error {
	name, err := NormalizeTypeName(typeName)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.WrapInvalid(fmt.Errorf("nil factory for %s", name), "Registry", "Register", "validate factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return nil
}

// SetFallback installs a factory used for types with no registration.
// Passing nil makes unknown types fail resolution again.
func (r *Registry) SetFallback(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = factory
}

// Define registers a message type declaration. Nested types may be defined
// later; they are checked when the type is resolved.
func (r *Registry) Define(def TypeDef) error {
	name, err := NormalizeTypeName(def.Name)
	if err != nil {
		return err
	}

	pkg := packageOf(name)
	seen := make(map[string]bool, len(def.Fields))
	fields := make([]FieldDef, 0, len(def.Fields))
	for _, f := range def.Fields {
		if !identRegex.MatchString(f.Name) {
			return errors.WrapInvalid(fmt.Errorf("%s: invalid field name %q", name, f.Name),
				"Registry", "Define", "validate field")
		}
		if seen[f.Name] {
			return errors.WrapInvalid(fmt.Errorf("%s: duplicate field %q", name, f.Name),
				"Registry", "Define", "validate field")
		}
		seen[f.Name] = true

		ref, err := parseTypeRef(f.Type)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s.%s: %w", name, f.Name, err), "Registry", "Define", "parse field type")
		}
		base, err := qualify(pkg, ref.base)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s.%s: %w", name, f.Name, err), "Registry", "Define", "qualify field type")
		}
		qualified := base + f.Type[len(ref.base):]
		fields = append(fields, FieldDef{Name: f.Name, Type: qualified})
	}

	def = TypeDef{Name: name, Fields: fields}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
	r.factories[name] = func() (Decoder, error) { return r.newSchemaDecoder(name) }
	return nil
}

// Resolve implements Resolver.
func (r *Registry) Resolve(typeName string) (Decoder, error) {
	name, err := NormalizeTypeName(typeName)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownType, name),
				"Registry", "Resolve", "look up type")
		}
		factory = fallback
	}

	dec, err := factory()
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%s: %w", name, err), "Registry", "Resolve", "build decoder")
	}
	return dec, nil
}

// Types lists every resolvable type name, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookupDef(name string) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}
