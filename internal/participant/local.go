package participant

import (
	"context"
	"fmt"
	"sync"
)

// KindLocal names participants living in the coordinator's own process.
const KindLocal = "local"

// Local resolves refs of kind "local" to participants registered by address.
// A missing address is reported as a transport failure so the handle stays
// unresolved and is retried once the participant registers.
type Local struct {
	mu    sync.RWMutex
	parts map[string]Participant
}

// NewLocal returns an empty Local resolver.
func NewLocal() *Local {
	return &Local{parts: make(map[string]Participant)}
}

// Add registers p under address and returns its Ref.
func (l *Local) Add(address string, p Participant) Ref {
	l.mu.Lock()
	l.parts[address] = p
	l.mu.Unlock()
	return Ref{Kind: KindLocal, Address: address}
}

// Remove unregisters address.
func (l *Local) Remove(address string) {
	l.mu.Lock()
	delete(l.parts, address)
	l.mu.Unlock()
}

// Resolve implements Resolver.
func (l *Local) Resolve(_ context.Context, ref Ref) (Participant, error) {
	l.mu.RLock()
	p, ok := l.parts[ref.Address]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local participant %q not registered: %w", ref.Address, ErrTransport)
	}
	return p, nil
}
