package participant

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/txnd/internal/txn"
)

// Handle wraps one enlisted participant: its durable reference, the crash
// count it joined with and its current vote. Identity is the Ref alone.
//
// The live participant is materialized lazily. Until a resolution succeeds
// the handle stays unresolved and every access tries again; the first
// success is cached for the life of the handle.
type Handle struct {
	ref        Ref
	crashCount int64
	resolver   Resolver

	mu       sync.Mutex
	vote     txn.Vote
	resolved Participant
}

// NewHandle builds an unresolved handle with vote VoteActive.
func NewHandle(ref Ref, crashCount int64, resolver Resolver) *Handle {
	return &Handle{ref: ref, crashCount: crashCount, resolver: resolver}
}

// NewResolvedHandle builds a handle whose participant is already known.
func NewResolvedHandle(ref Ref, crashCount int64, p Participant) *Handle {
	return &Handle{ref: ref, crashCount: crashCount, resolved: p}
}

// Ref returns the durable reference.
func (h *Handle) Ref() Ref { return h.ref }

// CrashCount returns the crash count supplied on join.
func (h *Handle) CrashCount() int64 { return h.crashCount }

// Equal reports whether h and other wrap the same participant.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.ref.Equal(other.ref)
}

// Vote returns the recorded vote.
func (h *Handle) Vote() txn.Vote {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vote
}

// SetVote records v.
func (h *Handle) SetVote(v txn.Vote) {
	h.mu.Lock()
	h.vote = v
	h.mu.Unlock()
}

// Resolved reports whether the participant has been materialized.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved != nil
}

// Participant returns the live participant, resolving it on first use.
func (h *Handle) Participant(ctx context.Context) (Participant, error) {
	h.mu.Lock()
	if p := h.resolved; p != nil {
		h.mu.Unlock()
		return p, nil
	}
	resolver := h.resolver
	h.mu.Unlock()
	if resolver == nil {
		return nil, fmt.Errorf("participant: %s: no resolver", h.ref)
	}
	p, err := resolver.Resolve(ctx, h.ref)
	if err != nil {
		return nil, fmt.Errorf("participant: resolve %s: %w", h.ref, err)
	}
	if p == nil {
		return nil, fmt.Errorf("participant: resolve %s: resolver returned nil", h.ref)
	}
	h.mu.Lock()
	if h.resolved == nil {
		h.resolved = p
	} else {
		p = h.resolved
	}
	h.mu.Unlock()
	return p, nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s(crash=%d vote=%s)", h.ref, h.crashCount, h.Vote())
}

// Find returns the handle in list equal to ref, or nil.
func Find(list []*Handle, ref Ref) *Handle {
	for _, h := range list {
		if h.ref.Equal(ref) {
			return h
		}
	}
	return nil
}
