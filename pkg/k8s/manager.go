package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/metrics"
	"github.com/kubestellar/cluster-proxy/pkg/models"
)

const (
	clusterProbeTimeout = 5 * time.Second
	maxConcurrentProbes = 8
)

// ProbeFunc fetches the API server version for a rest config
type ProbeFunc func(ctx context.Context, config *rest.Config) (*version.Info, error)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithProbeTimeout sets the reachability probe timeout
func WithProbeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.probeTimeout = d }
}

// WithProbe replaces the discovery based reachability probe
func WithProbe(fn ProbeFunc) ManagerOption {
	return func(m *Manager) { m.probe = fn }
}

// WithKubeconfigWatcher reloads connections when their kubeconfig file changes
func WithKubeconfigWatcher() ManagerOption {
	return func(m *Manager) { m.watchKubeconfigs = true }
}

// kubeconfigSource is the kubeconfig a live connection was built from
type kubeconfigSource struct {
	path    string
	context string
}

// Manager owns every cluster connection and drives the connection state of
// the records in the registry.
type Manager struct {
	registry     *cluster.Registry
	probeTimeout time.Duration
	probe        ProbeFunc
	unsubscribe  func()

	mu           sync.Mutex
	conns        map[string]*Connection
	sources      map[string]kubeconfigSource
	onDisconnect []func(clusterID string)

	watchKubeconfigs bool
	watcher          *KubeconfigWatcher
}

// NewManager creates a connection manager backed by registry
func NewManager(registry *cluster.Registry, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		registry:     registry,
		probeTimeout: clusterProbeTimeout,
		probe:        discoveryProbe,
		conns:        make(map[string]*Connection),
		sources:      make(map[string]kubeconfigSource),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.watchKubeconfigs {
		w, err := NewKubeconfigWatcher(func(path string) {
			m.ReloadPath(context.Background(), path)
		})
		if err != nil {
			return nil, err
		}
		m.watcher = w
	}
	m.unsubscribe = registry.Subscribe(m.onRegistryEvent)
	return m, nil
}

// onRegistryEvent rebuilds a live connection whose record now names a
// different kubeconfig file or context
func (m *Manager) onRegistryEvent(ev cluster.Event) {
	if ev.Type != cluster.EventUpdated {
		return
	}
	id := ev.Record.ID
	next := kubeconfigSource{path: ev.Record.KubeConfigPath, context: ev.Record.ContextName}

	m.mu.Lock()
	prev, ok := m.sources[id]
	if !ok || prev == next {
		m.mu.Unlock()
		return
	}
	m.sources[id] = next
	watcher := m.watcher
	m.mu.Unlock()

	if watcher != nil && prev.path != next.path {
		watcher.Remove(prev.path)
		_ = watcher.Add(next.path)
	}

	log.WithField("cluster", id).Printf("[Manager] kubeconfig of %s changed to %s (%s)", ev.Record.Name(), next.path, next.context)
	if err := m.reloadConfig(id, ev.Record); err != nil {
		return
	}
	// Listeners run on the registry's dispatcher; probe off it
	go m.Refresh(context.Background(), id)
}

// OnDisconnect registers a hook called after a cluster is disconnected
func (m *Manager) OnDisconnect(fn func(clusterID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Connection returns the live connection for a cluster
func (m *Manager) Connection(clusterID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[clusterID]
	return c, ok
}

// Connect starts the local proxy for a cluster and probes it. When the
// probe fails the live connection is returned together with an error
// wrapping ErrUnreachable.
func (m *Manager) Connect(ctx context.Context, clusterID string) (*Connection, error) {
	record, ok := m.registry.Get(clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrNotFound, clusterID)
	}

	m.mu.Lock()
	if conn, ok := m.conns[clusterID]; ok {
		m.mu.Unlock()
		return conn, nil
	}

	config, err := LoadRestConfig(record.KubeConfigPath, record.ContextName)
	if err != nil {
		m.mu.Unlock()
		log.WithField("cluster", clusterID).Warnf("[Manager] cannot connect %s: %v", record.Name(), err)
		return nil, err
	}
	conn, err := newConnection(clusterID, config)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.conns[clusterID] = conn
	m.sources[clusterID] = kubeconfigSource{path: record.KubeConfigPath, context: record.ContextName}
	watcher := m.watcher
	m.mu.Unlock()

	metrics.ClustersConnected.Inc()
	if watcher != nil {
		_ = watcher.Add(record.KubeConfigPath)
	}

	if _, err := m.registry.Update(clusterID, func(r *models.ClusterRecord) {
		r.Disconnected = false
	}); err != nil {
		// Removed while connecting
		_ = m.Disconnect(clusterID)
		return nil, err
	}

	if err := m.refresh(ctx, clusterID); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return nil, err
		}
		return conn, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}

// Refresh re-probes reachability and records the result. It never fails;
// the outcome lands in the registry.
func (m *Manager) Refresh(ctx context.Context, clusterID string) {
	_ = m.refresh(ctx, clusterID)
}

func (m *Manager) refresh(ctx context.Context, clusterID string) error {
	conn, ok := m.Connection(clusterID)
	if !ok {
		log.WithField("cluster", clusterID).Debugf("[Manager] skipping refresh of disconnected cluster")
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	stop := context.AfterFunc(conn.ctx, cancel)
	defer stop()

	start := time.Now()
	info, err := m.probe(probeCtx, conn.RestConfig())
	if conn.Closed() {
		// Disconnected while probing; the record already says so
		return ErrConnectionClosed
	}
	if err != nil {
		metrics.ClusterProbeDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		// The server answered but rejected the credentials
		reachable := apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err)
		_, updateErr := m.registry.Update(clusterID, func(r *models.ClusterRecord) {
			r.Online = reachable
			r.Accessible = false
		})
		if updateErr != nil {
			log.WithField("cluster", clusterID).Debugf("[Manager] could not record probe result: %v", updateErr)
		}
		log.WithField("cluster", clusterID).Printf("[Manager] %s: unreachable (%s): %v", clusterID, ClassifyError(err), err)
		return err
	}

	metrics.ClusterProbeDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	now := time.Now()
	conn.markSeen(now)
	_, updateErr := m.registry.Update(clusterID, func(r *models.ClusterRecord) {
		r.Online = true
		r.Accessible = true
		r.LastSeen = &now
		r.Version = info.GitVersion
		r.Distribution = DetectDistribution(info.GitVersion, conn.APIURL(), r.ContextName)
	})
	if updateErr != nil {
		log.WithField("cluster", clusterID).Debugf("[Manager] could not record probe result: %v", updateErr)
	}
	return nil
}

// Disconnect stops the cluster's proxy, releases its port and cancels its
// probes and watches. Disconnecting an idle cluster only updates its state.
func (m *Manager) Disconnect(clusterID string) error {
	m.mu.Lock()
	conn, ok := m.conns[clusterID]
	source := m.sources[clusterID]
	delete(m.conns, clusterID)
	delete(m.sources, clusterID)
	hooks := make([]func(string), len(m.onDisconnect))
	copy(hooks, m.onDisconnect)
	watcher := m.watcher
	m.mu.Unlock()

	var closeErr error
	if ok {
		closeErr = conn.Close()
		metrics.ClustersConnected.Dec()
		if watcher != nil && source.path != "" {
			watcher.Remove(source.path)
		}
	}

	if _, err := m.registry.Update(clusterID, func(r *models.ClusterRecord) {
		r.Disconnected = true
	}); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		log.WithField("cluster", clusterID).Warnf("[Manager] could not record disconnect: %v", err)
	}

	for _, hook := range hooks {
		hook(clusterID)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close proxy for cluster %s: %w", clusterID, closeErr)
	}
	return nil
}

// NetworkOffline marks every connected cluster offline and re-probes them
func (m *Manager) NetworkOffline(ctx context.Context) {
	log.Printf("[Manager] network offline")
	for _, r := range m.registry.List() {
		if r.Disconnected {
			continue
		}
		_, _ = m.registry.Update(r.ID, func(rec *models.ClusterRecord) {
			rec.Online = false
			rec.Accessible = false
		})
	}
	m.refreshAll(ctx)
}

// NetworkOnline re-probes every connected cluster
func (m *Manager) NetworkOnline(ctx context.Context) {
	log.Printf("[Manager] network online")
	m.refreshAll(ctx)
}

// RefreshAll re-probes every connected cluster concurrently
func (m *Manager) RefreshAll(ctx context.Context) {
	m.refreshAll(ctx)
}

func (m *Manager) refreshAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, r := range m.registry.List() {
		if r.Disconnected {
			continue
		}
		id := r.ID
		g.Go(func() error {
			m.Refresh(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Reload rebuilds the cluster's credentials from its kubeconfig and re-probes
func (m *Manager) Reload(ctx context.Context, clusterID string) error {
	if _, ok := m.Connection(clusterID); !ok {
		return nil
	}
	record, ok := m.registry.Get(clusterID)
	if !ok {
		return fmt.Errorf("%w: %s", cluster.ErrNotFound, clusterID)
	}
	if err := m.reloadConfig(clusterID, record); err != nil {
		return err
	}
	m.Refresh(ctx, clusterID)
	return nil
}

// reloadConfig swaps the live connection's credentials for those named by record
func (m *Manager) reloadConfig(clusterID string, record models.ClusterRecord) error {
	conn, ok := m.Connection(clusterID)
	if !ok {
		return nil
	}

	config, err := LoadRestConfig(record.KubeConfigPath, record.ContextName)
	if err == nil {
		err = conn.setConfig(config)
	}
	if err != nil {
		_, _ = m.registry.Update(clusterID, func(r *models.ClusterRecord) {
			r.Online = false
			r.Accessible = false
		})
		log.WithField("cluster", clusterID).Warnf("[Manager] reload failed: %v", err)
		return err
	}

	log.WithField("cluster", clusterID).Printf("[Manager] reloaded credentials for %s", record.Name())
	return nil
}

// ReloadPath reloads every connected cluster whose kubeconfig is path
func (m *Manager) ReloadPath(ctx context.Context, path string) {
	m.mu.Lock()
	var ids []string
	for id, src := range m.sources {
		if src.path == path {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Reload(ctx, id)
	}
}

// DynamicClient returns the dynamic client of a cluster, connecting it first
// when needed. An unreachable cluster still yields a client.
func (m *Manager) DynamicClient(ctx context.Context, clusterID string) (dynamic.Interface, error) {
	conn, err := m.Connect(ctx, clusterID)
	if conn == nil {
		return nil, err
	}
	return conn.DynamicClient()
}

// ResourceClient returns a client for one resource in one namespace of a cluster
func (m *Manager) ResourceClient(ctx context.Context, clusterID string, gvr schema.GroupVersionResource, namespace string) (dynamic.ResourceInterface, error) {
	client, err := m.DynamicClient(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		return client.Resource(gvr), nil
	}
	return client.Resource(gvr).Namespace(namespace), nil
}

// Stop disconnects every cluster
func (m *Manager) Stop() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	watcher := m.watcher
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	var result *multierror.Error
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if watcher != nil {
		watcher.Stop()
	}
	return result.ErrorOrNil()
}

// discoveryProbe asks the API server for its version
func discoveryProbe(ctx context.Context, config *rest.Config) (*version.Info, error) {
	client, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, err
	}
	body, err := client.RESTClient().Get().AbsPath("/version").Do(ctx).Raw()
	if err != nil {
		return nil, err
	}
	var info version.Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("unexpected version response: %w", err)
	}
	return &info, nil
}
