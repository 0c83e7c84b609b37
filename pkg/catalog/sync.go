package catalog

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/models"
)

// Synchronizer keeps the cluster registry and the catalog consistent.
//
// Registry changes only update entities that already exist in the catalog.
// Local cluster entities in the catalog create, update and remove registry
// records. Entities from other sources are ignored.
type Synchronizer struct {
	registry *cluster.Registry
	catalog  Catalog

	mu     sync.Mutex
	unsubs []func()
}

// NewSynchronizer creates a synchronizer; call Start to begin reconciling
func NewSynchronizer(registry *cluster.Registry, catalog Catalog) *Synchronizer {
	return &Synchronizer{registry: registry, catalog: catalog}
}

// Start subscribes to both sides and reconciles the current state
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.unsubs != nil {
		s.mu.Unlock()
		return
	}
	s.unsubs = []func(){
		s.registry.Subscribe(s.onClusterEvent),
		s.catalog.Subscribe(s.onCatalogEvent),
	}
	s.mu.Unlock()

	for _, e := range s.catalog.List() {
		s.syncFromEntity(e)
	}
	for _, c := range s.registry.List() {
		s.updateEntity(c)
	}
	log.Printf("[CatalogSync] started")
}

// Stop unsubscribes from both sides
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (s *Synchronizer) onClusterEvent(ev cluster.Event) {
	if ev.Type == cluster.EventRemoved {
		return
	}
	s.updateEntity(ev.Record)
}

func (s *Synchronizer) onCatalogEvent(ev Event) {
	if !ev.Entity.IsLocalCluster() {
		return
	}
	switch ev.Type {
	case EventAdded, EventUpdated:
		s.syncFromEntity(ev.Entity)
	case EventRemoved:
		if err := s.registry.Remove(ev.Entity.Metadata.UID); err != nil {
			log.WithField("cluster", ev.Entity.Metadata.UID).Errorf("[CatalogSync] failed to remove cluster: %v", err)
		}
	}
}

// updateEntity reflects cluster status onto its entity, if there is one
func (s *Synchronizer) updateEntity(c models.ClusterRecord) {
	status := statusFor(c)
	_, err := s.catalog.Update(c.ID, func(e *Entity) {
		e.Status.Phase = status.Phase
		e.Status.Active = status.Active
		if c.Preferences.ClusterName != "" {
			e.Metadata.Name = c.Preferences.ClusterName
		}
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.WithField("cluster", c.ID).Warnf("[CatalogSync] failed to update entity: %v", err)
	}
}

// syncFromEntity creates or updates the registry record of a local entity
func (s *Synchronizer) syncFromEntity(e Entity) {
	if !e.IsLocalCluster() {
		return
	}
	uid := e.Metadata.UID
	logger := log.WithField("cluster", uid)

	if !s.registry.Has(uid) {
		_, err := s.registry.Add(models.ClusterConfig{
			ID:             uid,
			KubeConfigPath: e.Spec.KubeconfigPath,
			ContextName:    e.Spec.KubeconfigContext,
			Preferences:    models.ClusterPreferences{ClusterName: e.Metadata.Name},
		})
		switch {
		case errors.Is(err, cluster.ErrDuplicateID):
			logger.Warnf("[CatalogSync] skipping entity %s: %v", e.Metadata.Name, err)
		case err != nil:
			logger.Errorf("[CatalogSync] failed to add cluster from catalog: %v", err)
		}
		return
	}

	record, err := s.registry.Update(uid, func(c *models.ClusterRecord) {
		c.KubeConfigPath = e.Spec.KubeconfigPath
		c.ContextName = e.Spec.KubeconfigContext
	})
	if err != nil {
		if !errors.Is(err, cluster.ErrNotFound) {
			logger.Errorf("[CatalogSync] failed to update cluster from catalog: %v", err)
		}
		return
	}

	status := statusFor(record)
	if _, err := s.catalog.Update(uid, func(e *Entity) {
		e.Status.Phase = status.Phase
		e.Status.Active = status.Active
	}); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Warnf("[CatalogSync] failed to write status back: %v", err)
	}
}
