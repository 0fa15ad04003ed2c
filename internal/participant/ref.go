package participant

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Ref is the durable description of a participant. It is what gets written
// to the transaction log and what identifies a participant across joins.
type Ref struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Key     string `json:"key,omitempty"`
}

// Equal reports whether r and other name the same participant.
func (r Ref) Equal(other Ref) bool {
	return strings.EqualFold(r.Kind, other.Kind) &&
		r.Address == other.Address &&
		r.Key == other.Key
}

// Validate checks the reference is usable.
func (r Ref) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("participant: ref kind required")
	}
	if strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("participant: ref address required")
	}
	return nil
}

func (r Ref) String() string {
	if r.Key == "" {
		return r.Kind + ":" + r.Address
	}
	return r.Kind + ":" + r.Address + "#" + r.Key
}

// Resolver materializes a Ref into a live Participant.
type Resolver interface {
	Resolve(ctx context.Context, ref Ref) (Participant, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, ref Ref) (Participant, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref Ref) (Participant, error) {
	return f(ctx, ref)
}

// Registry dispatches resolution by Ref.Kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Resolver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Resolver)}
}

// Register installs resolver for kind, replacing any previous one.
func (r *Registry) Register(kind string, resolver Resolver) {
	r.mu.Lock()
	r.kinds[strings.ToLower(kind)] = resolver
	r.mu.Unlock()
}

// Supports reports whether a resolver exists for kind.
func (r *Registry) Supports(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[strings.ToLower(kind)]
	return ok
}

// Resolve implements Resolver.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (Participant, error) {
	r.mu.RLock()
	resolver, ok := r.kinds[strings.ToLower(ref.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("participant: no resolver for kind %q", ref.Kind)
	}
	return resolver.Resolve(ctx, ref)
}
