package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/models"
	"github.com/kubestellar/cluster-proxy/pkg/store"
)

func newTestSync(t *testing.T) (*cluster.Registry, *MemoryCatalog, *Synchronizer) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clusters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg, err := cluster.NewRegistry(s)
	require.NoError(t, err)

	cat := NewMemoryCatalog()
	sync := NewSynchronizer(reg, cat)
	sync.Start()
	t.Cleanup(sync.Stop)
	return reg, cat, sync
}

func localEntity(uid, name, path, context string) Entity {
	return Entity{
		APIVersion: APIVersion,
		Kind:       KindCluster,
		Metadata:   EntityMetadata{UID: uid, Name: name, Source: SourceLocal},
		Spec:       EntitySpec{KubeconfigPath: path, KubeconfigContext: context},
	}
}

func TestEntityFromCluster(t *testing.T) {
	e := EntityFromCluster(models.ClusterRecord{
		ID:             "c1",
		KubeConfigPath: "/k",
		ContextName:    "dev",
		Distribution:   "k3s",
		Disconnected:   true,
	})

	assert.Equal(t, KindCluster, e.Kind)
	assert.Equal(t, "c1", e.Metadata.UID)
	assert.Equal(t, "dev", e.Metadata.Name)
	assert.Equal(t, SourceLocal, e.Metadata.Source)
	assert.Equal(t, "k3s", e.Metadata.Labels[LabelDistro])
	assert.Equal(t, "/k", e.Spec.KubeconfigPath)
	assert.Equal(t, "dev", e.Spec.KubeconfigContext)
	assert.Equal(t, PhaseDisconnected, e.Status.Phase)
	assert.False(t, e.Status.Active)

	e = EntityFromCluster(models.ClusterRecord{ID: "c2", Preferences: models.ClusterPreferences{ClusterName: "prod"}})
	assert.Equal(t, "prod", e.Metadata.Name)
	assert.Equal(t, PhaseConnected, e.Status.Phase)
	assert.True(t, e.Status.Active)
}

func TestSync_CatalogAddCreatesCluster(t *testing.T) {
	reg, cat, _ := newTestSync(t)

	cat.Upsert(localEntity("from-catalog", "Staging", "/home/me/.kube/config", "staging"))

	rec, ok := reg.Get("from-catalog")
	require.True(t, ok)
	assert.Equal(t, "/home/me/.kube/config", rec.KubeConfigPath)
	assert.Equal(t, "staging", rec.ContextName)
	assert.Equal(t, "Staging", rec.Preferences.ClusterName)
}

func TestSync_CatalogUpdateChangesKubeconfig(t *testing.T) {
	reg, cat, _ := newTestSync(t)
	cat.Upsert(localEntity("c1", "Dev", "/old", "dev"))

	cat.Upsert(localEntity("c1", "Dev", "/new", "dev-admin"))

	rec, ok := reg.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "/new", rec.KubeConfigPath)
	assert.Equal(t, "dev-admin", rec.ContextName)

	// Registry status is written back onto the entity
	e, ok := cat.Get("c1")
	require.True(t, ok)
	assert.Equal(t, PhaseDisconnected, e.Status.Phase)
	assert.False(t, e.Status.Active)
}

func TestSync_RegistryChangeUpdatesEntity(t *testing.T) {
	reg, cat, _ := newTestSync(t)
	cat.Upsert(localEntity("c1", "dev", "/k", "dev"))

	_, err := reg.Update("c1", func(c *models.ClusterRecord) {
		c.Disconnected = false
		c.Preferences.ClusterName = "Development"
	})
	require.NoError(t, err)

	e, ok := cat.Get("c1")
	require.True(t, ok)
	assert.Equal(t, PhaseConnected, e.Status.Phase)
	assert.True(t, e.Status.Active)
	assert.Equal(t, "Development", e.Metadata.Name)
}

func TestSync_RegistryNeverCreatesEntities(t *testing.T) {
	reg, cat, _ := newTestSync(t)

	_, err := reg.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "dev"})
	require.NoError(t, err)

	assert.Empty(t, cat.List())
}

func TestSync_CatalogRemoveRemovesCluster(t *testing.T) {
	reg, cat, _ := newTestSync(t)

	var tornDown []string
	reg.SetTeardown(func(id string) error {
		tornDown = append(tornDown, id)
		return nil
	})
	cat.Upsert(localEntity("c1", "dev", "/k", "dev"))
	require.True(t, reg.Has("c1"))

	cat.Delete("c1")

	assert.False(t, reg.Has("c1"))
	assert.Equal(t, []string{"c1"}, tornDown)
}

func TestSync_IgnoresOtherSources(t *testing.T) {
	reg, cat, _ := newTestSync(t)

	e := localEntity("remote-1", "remote", "/k", "remote")
	e.Metadata.Source = "cloud-sync"
	cat.Upsert(e)
	assert.False(t, reg.Has("remote-1"))

	_, err := reg.Add(models.ClusterConfig{ID: "remote-2", KubeConfigPath: "/k", ContextName: "other"})
	require.NoError(t, err)
	e2 := localEntity("remote-2", "remote", "/k", "other")
	e2.Metadata.Source = "cloud-sync"
	cat.Upsert(e2)
	cat.Delete("remote-2")
	assert.True(t, reg.Has("remote-2"))
}

func TestSync_StartReconcilesExistingState(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clusters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reg, err := cluster.NewRegistry(s)
	require.NoError(t, err)

	existing, err := reg.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "a"})
	require.NoError(t, err)

	cat := NewMemoryCatalog()
	stale := EntityFromCluster(existing)
	stale.Status = EntityStatus{Phase: PhaseConnected, Active: true}
	cat.Upsert(stale)
	cat.Upsert(localEntity("new-one", "b", "/k", "b"))

	sync := NewSynchronizer(reg, cat)
	sync.Start()
	t.Cleanup(sync.Stop)

	assert.True(t, reg.Has("new-one"))
	e, ok := cat.Get(existing.ID)
	require.True(t, ok)
	assert.Equal(t, PhaseDisconnected, e.Status.Phase)
}

func TestSync_Stop(t *testing.T) {
	reg, cat, sync := newTestSync(t)
	sync.Stop()

	cat.Upsert(localEntity("c1", "dev", "/k", "dev"))
	assert.False(t, reg.Has("c1"))
}

func TestMemoryCatalog_Events(t *testing.T) {
	cat := NewMemoryCatalog()
	var got []EventType
	unsubscribe := cat.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	e := localEntity("c1", "dev", "/k", "dev")
	cat.Upsert(e)
	cat.Upsert(e)
	_, err := cat.Update("c1", func(e *Entity) { e.Status.Reason = "probe failed" })
	require.NoError(t, err)
	_, err = cat.Update("missing", func(*Entity) {})
	assert.ErrorIs(t, err, ErrNotFound)
	cat.Delete("c1")
	cat.Delete("c1")

	assert.Equal(t, []EventType{EventAdded, EventUpdated, EventRemoved}, got)

	unsubscribe()
	cat.Upsert(e)
	assert.Len(t, got, 3)
}
