package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// createdRegistries tracks every live registry by slug so two registries can
// never share one slug (and thus claim each other's dispatch records).
var (
	registriesMu      sync.Mutex
	createdRegistries = map[string]*Registry{}
)

// DefaultSlug is the slug of the conventional single-registry setup.
const DefaultSlug = "default"

// Registry binds sendable object types to email adapters and creates
// dispatch records. Registries sharing one store are namespaced by slug.
type Registry struct {
	slug  string
	store *Store

	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewRegistry creates a registry with the given slug. Constructing a second
// registry with a slug already in use fails.
func NewRegistry(slug string, store *Store) (*Registry, error) {
	if slug == "" {
		return nil, fmt.Errorf("dispatch: registry slug must not be empty")
	}
	registriesMu.Lock()
	defer registriesMu.Unlock()
	if _, exists := createdRegistries[slug]; exists {
		return nil, fmt.Errorf("dispatch: a registry has already been created with the slug %q", slug)
	}
	r := &Registry{
		slug:     slug,
		store:    store,
		bindings: map[string]*Binding{},
	}
	createdRegistries[slug] = r
	return r, nil
}

// Release frees the registry's slug so a new registry may reuse it. Intended
// for shutdown and tests; a released registry must not be used afterwards.
func (r *Registry) Release() {
	registriesMu.Lock()
	defer registriesMu.Unlock()
	if createdRegistries[r.slug] == r {
		delete(createdRegistries, r.slug)
	}
}

// Slug returns the registry's namespace identifier.
func (r *Registry) Slug() string { return r.slug }

// Store returns the dispatch record store backing this registry.
func (r *Registry) Store() *Store { return r.store }

// Register binds a type tag to the given binding. Registering a tag twice
// returns a RegistrationError.
func (r *Registry) Register(b *Binding) error {
	if b.TypeTag == "" {
		return &RegistrationError{TypeTag: b.TypeTag, Reason: "has an empty type tag"}
	}
	if b.Resolve == nil || b.Adapter == nil {
		return &RegistrationError{TypeTag: b.TypeTag, Reason: "needs both a resolver and an adapter"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.TypeTag]; exists {
		return &RegistrationError{TypeTag: b.TypeTag, Reason: "is already registered with this registry"}
	}
	r.bindings[b.TypeTag] = b
	return nil
}

// Unregister removes the binding for the given type tag. Unregistering an
// unknown tag returns a RegistrationError.
func (r *Registry) Unregister(typeTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[typeTag]; !exists {
		return &RegistrationError{TypeTag: typeTag, Reason: "is not registered with this registry"}
	}
	delete(r.bindings, typeTag)
	return nil
}

// IsRegistered reports whether the given type tag has a binding.
func (r *Registry) IsRegistered(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.bindings[typeTag]
	return exists
}

// RegisteredTypes returns the registered type tags, sorted.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.bindings))
	for tag := range r.bindings {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Binding returns the binding for the given type tag, or a RegistrationError
// if the tag is unregistered.
func (r *Registry) Binding(typeTag string) (*Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, exists := r.bindings[typeTag]
	if !exists {
		return nil, &RegistrationError{TypeTag: typeTag, Reason: "is not registered with this registry"}
	}
	return b, nil
}

// Adapter returns the adapter for the given type tag, or a RegistrationError
// if the tag is unregistered.
func (r *Registry) Adapter(typeTag string) (Adapter, error) {
	b, err := r.Binding(typeTag)
	if err != nil {
		return nil, err
	}
	return b.Adapter, nil
}

// objectRef builds the tagged reference for one object of a registered type.
func (b *Binding) objectRef(obj Sendable) (ObjectRef, error) {
	ref := ObjectRef{TypeTag: b.TypeTag, Key: obj.ObjectKey()}
	if b.IntKeys {
		n, err := strconv.ParseInt(ref.Key, 10, 64)
		if err != nil {
			return ObjectRef{}, fmt.Errorf("dispatch: type %q declares integer keys but object key %q is not an integer", b.TypeTag, ref.Key)
		}
		ref.IntKey = &n
	}
	return ref, nil
}

// DispatchEmail records the obligation to send the given object to the given
// subscriber. Nothing is sent synchronously; the record is created PENDING
// and picked up by the next batch run.
func (r *Registry) DispatchEmail(ctx context.Context, typeTag string, obj Sendable, subscriberID int64) (*DispatchedEmail, error) {
	b, err := r.Binding(typeTag)
	if err != nil {
		return nil, err
	}
	ref, err := b.objectRef(obj)
	if err != nil {
		return nil, err
	}
	return r.store.CreateDispatch(ctx, r.slug, ref, subscriberID)
}

// DispatchToList dispatches the given object to every subscribed subscriber
// on the given mailing list (or to all subscribed subscribers when listID is
// 0), skipping subscribers who already have a dispatch record for this
// object. Returns the number of records created.
func (r *Registry) DispatchToList(ctx context.Context, typeTag string, obj Sendable, listID int64) (int64, error) {
	b, err := r.Binding(typeTag)
	if err != nil {
		return 0, err
	}
	ref, err := b.objectRef(obj)
	if err != nil {
		return 0, err
	}
	return r.store.DispatchToAudience(ctx, r.slug, ref, listID)
}
