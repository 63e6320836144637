package bridge

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/c360/topicbridge/errors"
)

// ErrRegistryClosed is returned by Bind after Close.
var ErrRegistryClosed = stderrors.New("topic registry closed")

// BindFunc creates the binding for a topic. It is called at most once at a
// time per topic.
type BindFunc func(ctx context.Context) (*Binding, error)

// Registry holds at most one Binding per topic name.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	pending  map[string]chan struct{}
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
		pending:  make(map[string]chan struct{}),
	}
}

// Bind creates the binding for topic unless one exists or is being created.
// It reports whether this call created it. Concurrent callers for the same
// topic wait for the in-flight creation instead of starting another one.
func (r *Registry) Bind(ctx context.Context, topic string, create BindFunc) (bool, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false, errors.WrapFatal(ErrRegistryClosed, "Registry", "Bind", "bind "+topic)
		}
		if _, ok := r.bindings[topic]; ok {
			r.mu.Unlock()
			return false, nil
		}
		wait, inFlight := r.pending[topic]
		if !inFlight {
			break
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	done := make(chan struct{})
	r.pending[topic] = done
	r.mu.Unlock()

	b, err := create(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, topic)
	close(done)

	if err != nil {
		return false, err
	}
	if r.closed {
		if b.handle != nil {
			_ = b.handle.Unsubscribe()
		}
		return false, errors.WrapFatal(ErrRegistryClosed, "Registry", "Bind", "bind "+topic)
	}
	r.bindings[topic] = b
	return true, nil
}

// Has reports whether topic is bound.
func (r *Registry) Has(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[topic]
	return ok
}

// Get returns a copy of the binding for topic.
func (r *Registry) Get(topic string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[topic]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Topics returns the bound topic names, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close unsubscribes every binding. Later Bind calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	bindings := r.bindings
	r.bindings = make(map[string]*Binding)
	r.mu.Unlock()

	var errs []error
	for topic, b := range bindings {
		if b.handle == nil {
			continue
		}
		if err := b.handle.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Registry", "Close", "unsubscribe "+topic))
		}
	}
	return stderrors.Join(errs...)
}
