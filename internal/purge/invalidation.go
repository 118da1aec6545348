// Package purge translates invalidation requests into ban expressions and
// dispatches them to the edge provider's purge API.
package purge

import (
	"fmt"
	"strings"
	"sync"
)

// Kind names the type of an invalidation request.
type Kind string

const (
	KindURL          Kind = "url"
	KindWildcardURL  Kind = "wildcardurl"
	KindTag          Kind = "tag"
	KindEverything   Kind = "everything"
	KindWildcardPath Kind = "wildcardpath"
	KindRegex        Kind = "regex"
	KindPath         Kind = "path"
	KindDomain       Kind = "domain"
	KindRaw          Kind = "raw"
)

var supportedKinds = []Kind{
	KindURL,
	KindWildcardURL,
	KindTag,
	KindEverything,
	KindWildcardPath,
	KindRegex,
	KindPath,
	KindDomain,
	KindRaw,
}

// SupportedKinds lists every invalidation kind a purger understands.
func SupportedKinds() []Kind {
	out := make([]Kind, len(supportedKinds))
	copy(out, supportedKinds)
	return out
}

// ParseKind resolves a case-insensitive kind name.
func ParseKind(name string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, kind := range supportedKinds {
		if kind == candidate {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrKindUnsupported, name)
}

// Canonical folds wildcard kinds onto the kind that implements them.
func (k Kind) Canonical() Kind {
	switch k {
	case KindWildcardURL:
		return KindURL
	case KindWildcardPath:
		return KindPath
	default:
		return k
	}
}

// State is the lifecycle position of an invalidation.
type State int

const (
	StateNew State = iota
	StateProcessing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is expected in this pass.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Invalidation is a single request to evict cached objects. The caller owns
// it; processing only reads Kind and Expression and moves the state.
type Invalidation struct {
	ID         string
	Kind       Kind
	Expression string

	mu    sync.RWMutex
	state State
}

// NewInvalidation builds an invalidation in the New state.
func NewInvalidation(id string, kind Kind, expression string) *Invalidation {
	return &Invalidation{ID: id, Kind: kind, Expression: expression}
}

// State returns the current state.
func (i *Invalidation) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState moves the invalidation to s.
func (i *Invalidation) SetState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// TokenData is the context handed to token substitution for this item.
func (i *Invalidation) TokenData() map[string]any {
	return map[string]any{
		"invalidation": map[string]any{
			"id":         i.ID,
			"kind":       string(i.Kind),
			"expression": i.Expression,
			"state":      i.State().String(),
		},
	}
}
