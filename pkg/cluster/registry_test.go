package cluster

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kubestellar/cluster-proxy/pkg/models"
	"github.com/kubestellar/cluster-proxy/pkg/store"
	"github.com/kubestellar/cluster-proxy/pkg/test"
)

func newTestRegistry(t *testing.T) *Registry {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clusters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r, err := NewRegistry(s)
	require.NoError(t, err)
	return r
}

func TestRegistry_AddGetList(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.Disconnected)

	b, err := r.Add(models.ClusterConfig{ID: "fixed", KubeConfigPath: "/k", ContextName: "b"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", b.ID)

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.ContextName)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, "fixed", list[1].ID)
}

func TestRegistry_NoDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Add(models.ClusterConfig{ID: "one", KubeConfigPath: "/k", ContextName: "ctx"})
	require.NoError(t, err)

	_, err = r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "ctx"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = r.Add(models.ClusterConfig{ID: "one", KubeConfigPath: "/other", ContextName: "ctx"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	assert.Len(t, r.List(), 1)
}

func TestRegistry_RemoveThenGet(t *testing.T) {
	r := newTestRegistry(t)

	var tornDown []string
	r.SetTeardown(func(id string) error {
		tornDown = append(tornDown, id)
		return errors.New("listener already closed")
	})

	c, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "ctx"})
	require.NoError(t, err)

	require.NoError(t, r.Remove(c.ID))
	_, ok := r.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{c.ID}, tornDown)

	// Idempotent
	require.NoError(t, r.Remove(c.ID))
	assert.Len(t, tornDown, 1)

	_, err = r.Update(c.ID, func(*models.ClusterRecord) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_UpdateKeepsInvariants(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "ctx"})
	require.NoError(t, err)

	updated, err := r.Update(c.ID, func(rec *models.ClusterRecord) {
		rec.ID = "hijacked"
		rec.Disconnected = true
		rec.Online = true
		rec.Accessible = true
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)
	assert.False(t, updated.Online)
	assert.False(t, updated.Accessible)

	updated, err = r.Update(c.ID, func(rec *models.ClusterRecord) {
		rec.Disconnected = false
		rec.Online = true
		rec.Accessible = true
	})
	require.NoError(t, err)
	assert.True(t, updated.Online)
	assert.True(t, updated.Accessible)
}

func TestRegistry_EventsInCommitOrder(t *testing.T) {
	r := newTestRegistry(t)

	var events []Event
	unsubscribe := r.Subscribe(func(ev Event) {
		events = append(events, ev)
	})

	c, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "ctx"})
	require.NoError(t, err)
	_, err = r.Update(c.ID, func(rec *models.ClusterRecord) { rec.Preferences.ClusterName = "Renamed" })
	require.NoError(t, err)

	// No change, no event
	_, err = r.Update(c.ID, func(rec *models.ClusterRecord) { rec.Preferences.ClusterName = "Renamed" })
	require.NoError(t, err)

	require.NoError(t, r.Remove(c.ID))

	require.Len(t, events, 3)
	assert.Equal(t, EventAdded, events[0].Type)
	assert.Equal(t, EventUpdated, events[1].Type)
	assert.Equal(t, "Renamed", events[1].Record.Name())
	assert.Equal(t, EventRemoved, events[2].Type)

	unsubscribe()
	_, err = r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "other"})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRegistry_ReentrantListener(t *testing.T) {
	r := newTestRegistry(t)

	var order []string
	r.Subscribe(func(ev Event) {
		order = append(order, string(ev.Type)+":"+ev.Record.ContextName)
		if ev.Type == EventAdded && ev.Record.ContextName == "first" {
			_, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "second"})
			assert.NoError(t, err)
		}
	})
	r.Subscribe(func(ev Event) {
		order = append(order, "second-listener:"+ev.Record.ContextName)
	})

	_, err := r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "first"})
	require.NoError(t, err)

	// The nested add is delivered after every listener has seen the first one
	assert.Equal(t, []string{
		"added:first",
		"second-listener:first",
		"added:second",
		"second-listener:second",
	}, order)
}

func TestRegistry_LoadsPersistedDisconnected(t *testing.T) {
	ms := new(test.MockStore)
	ms.On("ListClusters").Return([]models.ClusterRecord{
		{ID: "x", KubeConfigPath: "/k", ContextName: "ctx", Online: true, Accessible: true},
	}, nil)

	r, err := NewRegistry(ms)
	require.NoError(t, err)

	c, ok := r.Get("x")
	require.True(t, ok)
	assert.True(t, c.Disconnected)
	assert.False(t, c.Online)
	assert.False(t, c.Accessible)
}

func TestRegistry_PersistenceFailure(t *testing.T) {
	ms := new(test.MockStore)
	ms.On("ListClusters").Return([]models.ClusterRecord{}, nil)
	ms.On("CreateCluster", mock.Anything).Return(errors.New("disk full"))

	r, err := NewRegistry(ms)
	require.NoError(t, err)

	_, err = r.Add(models.ClusterConfig{KubeConfigPath: "/k", ContextName: "ctx"})
	assert.Error(t, err)
	assert.Empty(t, r.List())
}

func TestRegistry_LoadFailure(t *testing.T) {
	ms := new(test.MockStore)
	ms.On("ListClusters").Return(nil, errors.New("corrupt"))

	_, err := NewRegistry(ms)
	assert.Error(t, err)
}
