package watch

import (
	"context"
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apiwatch "k8s.io/apimachinery/pkg/watch"
)

// EventType is the kind of change delivered to a subscriber
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	// Resync replaces everything a subscriber knows about the key with Objects
	Resync EventType = "RESYNC"
)

var (
	// ErrStreamExpired is returned when the upstream cursor is too old to resume from
	ErrStreamExpired = errors.New("watch cursor expired")
	// ErrClosed is returned when subscribing to a closed multiplexer
	ErrClosed = errors.New("multiplexer closed")
	// ErrInvalidKey is returned for a key without a cluster or resource
	ErrInvalidKey = errors.New("invalid watch key")
)

// Key identifies one shared upstream stream
type Key struct {
	Cluster   string
	GVR       schema.GroupVersionResource
	Namespace string
}

func (k Key) String() string {
	ns := k.Namespace
	if ns == "" {
		ns = "*"
	}
	return fmt.Sprintf("%s/%s/%s", k.Cluster, k.GVR.String(), ns)
}

func (k Key) validate() error {
	if k.Cluster == "" || k.GVR.Resource == "" || k.GVR.Version == "" {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	return nil
}

// Event is one change for a key. Objects are shared with the cache and must
// not be modified.
type Event struct {
	Type    EventType
	Object  *unstructured.Unstructured
	Objects []*unstructured.Unstructured
}

// Handler receives events for a subscription. Handlers run on the stream's
// goroutine and must not block or call back into the Multiplexer.
type Handler func(Event)

// ListerWatcher is the upstream of one key. A dynamic.ResourceInterface
// satisfies it.
type ListerWatcher interface {
	List(ctx context.Context, opts metav1.ListOptions) (*unstructured.UnstructuredList, error)
	Watch(ctx context.Context, opts metav1.ListOptions) (apiwatch.Interface, error)
}

// SourceFunc resolves the upstream for a key
type SourceFunc func(ctx context.Context, key Key) (ListerWatcher, error)
