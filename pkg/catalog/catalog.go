package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/kubestellar/cluster-proxy/pkg/models"
)

const (
	APIVersion        = "catalog.kubestellar.io/v1alpha1"
	KindCluster       = "KubernetesCluster"
	SourceLocal       = "local"
	PhaseConnected    = "connected"
	PhaseDisconnected = "disconnected"
	LabelDistro       = "distro"
)

// ErrNotFound is returned when no entity has the requested uid
var ErrNotFound = errors.New("entity not found")

// EntityMetadata identifies a catalog entity
type EntityMetadata struct {
	UID    string            `json:"uid"`
	Name   string            `json:"name"`
	Source string            `json:"source,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// EntitySpec points a cluster entity at its kubeconfig
type EntitySpec struct {
	KubeconfigPath    string `json:"kubeconfigPath"`
	KubeconfigContext string `json:"kubeconfigContext"`
}

// EntityStatus is the status shown for an entity
type EntityStatus struct {
	Phase   string `json:"phase"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Active  bool   `json:"active"`
}

// Entity is a catalog item
type Entity struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   EntityMetadata `json:"metadata"`
	Spec       EntitySpec     `json:"spec"`
	Status     EntityStatus   `json:"status"`
}

// IsLocalCluster reports whether the entity is a cluster owned by this process
func (e *Entity) IsLocalCluster() bool {
	return e.Kind == KindCluster && e.Metadata.Source == SourceLocal
}

func (e Entity) clone() Entity {
	out := e
	if e.Metadata.Labels != nil {
		out.Metadata.Labels = make(map[string]string, len(e.Metadata.Labels))
		for k, v := range e.Metadata.Labels {
			out.Metadata.Labels[k] = v
		}
	}
	return out
}

// EntityFromCluster builds the catalog representation of a cluster
func EntityFromCluster(c models.ClusterRecord) Entity {
	return Entity{
		APIVersion: APIVersion,
		Kind:       KindCluster,
		Metadata: EntityMetadata{
			UID:    c.ID,
			Name:   c.Name(),
			Source: SourceLocal,
			Labels: map[string]string{LabelDistro: c.Distribution},
		},
		Spec: EntitySpec{
			KubeconfigPath:    c.KubeConfigPath,
			KubeconfigContext: c.ContextName,
		},
		Status: statusFor(c),
	}
}

func statusFor(c models.ClusterRecord) EntityStatus {
	if c.Disconnected {
		return EntityStatus{Phase: PhaseDisconnected, Active: false}
	}
	return EntityStatus{Phase: PhaseConnected, Active: true}
}

// EventType describes a catalog mutation
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event is delivered to listeners after a catalog mutation
type Event struct {
	Type   EventType `json:"type"`
	Entity Entity    `json:"entity"`
}

// Catalog is the entity catalog the synchronizer reconciles against
type Catalog interface {
	List() []Entity
	Get(uid string) (Entity, bool)
	Upsert(e Entity)
	Update(uid string, fn func(*Entity)) (Entity, error)
	Delete(uid string)
	Subscribe(fn func(Event)) func()
}

type listenerEntry struct {
	id int
	fn func(Event)
}

// MemoryCatalog is an in-process Catalog. Listeners may mutate the catalog;
// those events are queued and delivered in order after the listener returns.
type MemoryCatalog struct {
	mu        sync.Mutex
	entities  map[string]*Entity
	order     []string
	listeners []listenerEntry
	nextID    int

	pending     []Event
	dispatching bool
}

// NewMemoryCatalog creates an empty catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entities: make(map[string]*Entity)}
}

// List returns all entities in insertion order
func (c *MemoryCatalog) List() []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entity, 0, len(c.order))
	for _, uid := range c.order {
		out = append(out, c.entities[uid].clone())
	}
	return out
}

func (c *MemoryCatalog) Get(uid string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[uid]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Upsert adds the entity or replaces the one with the same uid
func (c *MemoryCatalog) Upsert(e Entity) {
	if e.Metadata.UID == "" {
		return
	}
	e = e.clone()

	c.mu.Lock()
	current, exists := c.entities[e.Metadata.UID]
	switch {
	case !exists:
		c.entities[e.Metadata.UID] = &e
		c.order = append(c.order, e.Metadata.UID)
		c.pending = append(c.pending, Event{Type: EventAdded, Entity: e.clone()})
	case reflect.DeepEqual(*current, e):
		c.mu.Unlock()
		return
	default:
		*current = e
		c.pending = append(c.pending, Event{Type: EventUpdated, Entity: e.clone()})
	}
	c.mu.Unlock()

	c.dispatch()
}

// Update applies fn to a copy of the entity. The uid cannot be changed.
func (c *MemoryCatalog) Update(uid string, fn func(*Entity)) (Entity, error) {
	c.mu.Lock()
	current, ok := c.entities[uid]
	if !ok {
		c.mu.Unlock()
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	next := current.clone()
	fn(&next)
	next.Metadata.UID = uid
	if reflect.DeepEqual(next, *current) {
		c.mu.Unlock()
		return next, nil
	}
	*current = next
	out := next.clone()
	c.pending = append(c.pending, Event{Type: EventUpdated, Entity: out.clone()})
	c.mu.Unlock()

	c.dispatch()
	return out, nil
}

// Delete removes the entity; unknown uids are ignored
func (c *MemoryCatalog) Delete(uid string) {
	c.mu.Lock()
	e, ok := c.entities[uid]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entities, uid)
	for i, existing := range c.order {
		if existing == uid {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	c.pending = append(c.pending, Event{Type: EventRemoved, Entity: e.clone()})
	c.mu.Unlock()

	c.dispatch()
}

// Subscribe registers a listener and returns a function that removes it
func (c *MemoryCatalog) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *MemoryCatalog) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		listeners := make([]listenerEntry, len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()

		for _, l := range listeners {
			l.fn(ev)
		}

		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}
