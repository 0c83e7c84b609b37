package cluster

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/models"
	"github.com/kubestellar/cluster-proxy/pkg/store"
)

var (
	// ErrDuplicateID is returned when an equivalent cluster is already registered
	ErrDuplicateID = errors.New("cluster already registered")
	// ErrNotFound is returned when no cluster has the requested id
	ErrNotFound = errors.New("cluster not found")
)

// EventType describes a registry mutation
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event is delivered to listeners after a mutation is committed
type Event struct {
	Type   EventType            `json:"type"`
	Record models.ClusterRecord `json:"record"`
}

// Listener receives registry events
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Registry is the source of truth for configured clusters.
//
// Mutations are atomic per record. Listeners run after commit and always see
// events in commit order; a listener may mutate the registry, in which case
// the resulting events are queued and delivered once it returns.
type Registry struct {
	mu        sync.Mutex
	store     store.Store
	records   map[string]*models.ClusterRecord
	order     []string
	listeners []listenerEntry
	nextID    int

	pending     []Event
	dispatching bool

	teardown func(id string) error
}

// NewRegistry loads all persisted clusters from the store
func NewRegistry(s store.Store) (*Registry, error) {
	clusters, err := s.ListClusters()
	if err != nil {
		return nil, fmt.Errorf("failed to load clusters: %w", err)
	}

	r := &Registry{
		store:   s,
		records: make(map[string]*models.ClusterRecord, len(clusters)),
	}
	for i := range clusters {
		c := clusters[i]
		c.Disconnected = true
		c.Normalize()
		r.records[c.ID] = &c
		r.order = append(r.order, c.ID)
	}
	log.Printf("[Registry] loaded %d clusters", len(clusters))
	return r, nil
}

// SetTeardown sets the hook used to tear down a cluster's connection before removal
func (r *Registry) SetTeardown(fn func(id string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = fn
}

// Subscribe registers a listener and returns a function that removes it
func (r *Registry) Subscribe(fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Add registers a new cluster
func (r *Registry) Add(cfg models.ClusterConfig) (models.ClusterRecord, error) {
	r.mu.Lock()

	if cfg.ID != "" {
		if _, exists := r.records[cfg.ID]; exists {
			r.mu.Unlock()
			return models.ClusterRecord{}, fmt.Errorf("%w: id %s", ErrDuplicateID, cfg.ID)
		}
	}
	for _, id := range r.order {
		c := r.records[id]
		if c.KubeConfigPath == cfg.KubeConfigPath && c.ContextName == cfg.ContextName {
			r.mu.Unlock()
			return models.ClusterRecord{}, fmt.Errorf("%w: context %s in %s is registered as %s", ErrDuplicateID, cfg.ContextName, cfg.KubeConfigPath, id)
		}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	record := &models.ClusterRecord{
		ID:             id,
		KubeConfigPath: cfg.KubeConfigPath,
		ContextName:    cfg.ContextName,
		Preferences:    cfg.Preferences,
		Disconnected:   true,
		CreatedAt:      time.Now(),
	}
	if err := r.store.CreateCluster(record); err != nil {
		r.mu.Unlock()
		return models.ClusterRecord{}, fmt.Errorf("failed to persist cluster: %w", err)
	}

	r.records[id] = record
	r.order = append(r.order, id)
	out := record.Clone()
	r.pending = append(r.pending, Event{Type: EventAdded, Record: out})
	r.mu.Unlock()

	log.WithField("cluster", id).Printf("[Registry] added cluster %s (context %s)", out.Name(), out.ContextName)
	r.dispatch()
	return out, nil
}

// Get returns a copy of the cluster with the given id
func (r *Registry) Get(id string) (models.ClusterRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.records[id]
	if !ok {
		return models.ClusterRecord{}, false
	}
	return c.Clone(), true
}

// Has reports whether a cluster with the given id exists
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// List returns all clusters in insertion order
func (r *Registry) List() []models.ClusterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ClusterRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// Update applies fn to a copy of the record and commits the result atomically.
// The id cannot be changed. Listeners are only notified when something changed.
func (r *Registry) Update(id string, fn func(*models.ClusterRecord)) (models.ClusterRecord, error) {
	r.mu.Lock()
	current, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return models.ClusterRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := current.Clone()
	fn(&next)
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Normalize()

	if reflect.DeepEqual(next, *current) {
		r.mu.Unlock()
		return next, nil
	}

	if persistedFieldsChanged(current, &next) {
		if err := r.store.UpdateCluster(&next); err != nil {
			r.mu.Unlock()
			return current.Clone(), fmt.Errorf("failed to persist cluster: %w", err)
		}
	}

	*current = next
	out := next.Clone()
	r.pending = append(r.pending, Event{Type: EventUpdated, Record: out})
	r.mu.Unlock()

	r.dispatch()
	return out, nil
}

// Remove tears down the cluster's connection and deletes the record.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.records[id]
	teardown := r.teardown
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if teardown != nil {
		if err := teardown(id); err != nil {
			log.WithField("cluster", id).Warnf("[Registry] teardown failed, removing anyway: %v", err)
		}
	}

	r.mu.Lock()
	record, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.store.DeleteCluster(id); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.pending = append(r.pending, Event{Type: EventRemoved, Record: record.Clone()})
	r.mu.Unlock()

	log.WithField("cluster", id).Printf("[Registry] removed cluster %s", record.Name())
	r.dispatch()
	return nil
}

// dispatch drains queued events. Only one goroutine dispatches at a time so
// listeners observe events in commit order.
func (r *Registry) dispatch() {
	r.mu.Lock()
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		listeners := make([]listenerEntry, len(r.listeners))
		copy(listeners, r.listeners)
		r.mu.Unlock()

		for _, l := range listeners {
			l.fn(ev)
		}

		r.mu.Lock()
	}
	r.dispatching = false
	r.mu.Unlock()
}

func persistedFieldsChanged(a, b *models.ClusterRecord) bool {
	return a.KubeConfigPath != b.KubeConfigPath ||
		a.ContextName != b.ContextName ||
		a.Distribution != b.Distribution ||
		a.Version != b.Version ||
		!reflect.DeepEqual(a.Preferences, b.Preferences)
}
