package idmap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Kind is the kind of entity an identifier refers to.
type Kind string

const (
	KindPatient  Kind = "patient"
	KindProvider Kind = "provider"
	KindLocation Kind = "location"
	KindCoding   Kind = "coding"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("identifier not mapped")

// NotFoundError means the source id has no target key yet. For parent
// entities this usually means the parent has not been migrated.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s map entry for %q", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Lookup is a fallback source of target keys consulted on a map miss.
type Lookup interface {
	Lookup(ctx context.Context, kind Kind, id string) (key string, found bool, err error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPassthrough maps a well-known source id of kind directly to key,
// bypassing the map.
func WithPassthrough(kind Kind, sourceID, key string) ResolverOption {
	return func(r *Resolver) {
		if sourceID == "" || key == "" {
			return
		}
		if r.passthrough[kind] == nil {
			r.passthrough[kind] = make(map[string]string)
		}
		r.passthrough[kind][sourceID] = key
	}
}

// WithLookup sets a fallback lookup used when a map has no entry.
func WithLookup(l Lookup) ResolverOption {
	return func(r *Resolver) { r.lookup = l }
}

// WithLogger sets the resolver's logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// Resolver resolves identifiers of every kind against their maps.
type Resolver struct {
	maps        map[Kind]*Map
	passthrough map[Kind]map[string]string
	lookup      Lookup
	logger      zerolog.Logger

	mu    sync.RWMutex
	cache map[Kind]map[string]string
}

func NewResolver(maps map[Kind]*Map, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		maps:        maps,
		passthrough: make(map[Kind]map[string]string),
		logger:      zerolog.Nop(),
		cache:       make(map[Kind]map[string]string),
	}
	if r.maps == nil {
		r.maps = make(map[Kind]*Map)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Map returns the identifier map for kind, creating an in-memory one if none
// was configured.
func (r *Resolver) Map(kind Kind) *Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.maps[kind]
	if !ok {
		m = NewMap(nil)
		r.maps[kind] = m
	}
	return m
}

// Passthrough returns the fixed key configured for sourceID, if any.
func (r *Resolver) Passthrough(kind Kind, sourceID string) (string, bool) {
	key, ok := r.passthrough[kind][sourceID]
	return key, ok
}

// Resolve returns the target key for a source id. A miss is a *NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, sourceID string) (string, error) {
	id := strings.TrimSpace(sourceID)
	if id == "" {
		return "", &NotFoundError{Kind: kind, ID: id}
	}
	if key, ok := r.Passthrough(kind, id); ok {
		return key, nil
	}
	if key, ok := r.Map(kind).Get(id); ok {
		return key, nil
	}

	r.mu.RLock()
	key, ok := r.cache[kind][id]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	if r.lookup != nil {
		key, found, err := r.lookup.Lookup(ctx, kind, id)
		if err != nil {
			return "", fmt.Errorf("lookup %s %q: %w", kind, id, err)
		}
		if found {
			r.logger.Debug().Str("kind", string(kind)).Str("id", id).Msg("resolved through fallback lookup")
			r.mu.Lock()
			if r.cache[kind] == nil {
				r.cache[kind] = make(map[string]string)
			}
			r.cache[kind][id] = key
			r.mu.Unlock()
			return key, nil
		}
	}

	return "", &NotFoundError{Kind: kind, ID: id}
}

// Record stores a newly created entity's key and persists the map at once.
func (r *Resolver) Record(kind Kind, sourceID, key string) error {
	if err := r.Map(kind).Put(sourceID, key); err != nil {
		return fmt.Errorf("record %s %q: %w", kind, sourceID, err)
	}
	return nil
}
