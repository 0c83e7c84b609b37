package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/version"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"

	"github.com/kubestellar/cluster-proxy/pkg/api/middleware"
	"github.com/kubestellar/cluster-proxy/pkg/catalog"
	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/k8s"
	"github.com/kubestellar/cluster-proxy/pkg/models"
	"github.com/kubestellar/cluster-proxy/pkg/store"
	"github.com/kubestellar/cluster-proxy/pkg/watch"
)

type testEnv struct {
	Server   *Server
	Registry *cluster.Registry
	Manager  *k8s.Manager
	Catalog  *catalog.MemoryCatalog
	Watcher  *apiwatch.FakeWatcher
	Pods     dynamic.ResourceInterface
}

// fakeLister lists from a fake dynamic client and watches a FakeWatcher
type fakeLister struct {
	list    dynamic.ResourceInterface
	watcher *apiwatch.FakeWatcher
}

func (f *fakeLister) List(ctx context.Context, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	return f.list.List(ctx, opts)
}

func (f *fakeLister) Watch(context.Context, metav1.ListOptions) (apiwatch.Interface, error) {
	return f.watcher, nil
}

func newPod(name, uid, rv string) *unstructured.Unstructured {
	pod := &unstructured.Unstructured{}
	pod.SetAPIVersion("v1")
	pod.SetKind("Pod")
	pod.SetNamespace("default")
	pod.SetName(name)
	pod.SetUID(types.UID(uid))
	pod.SetResourceVersion(rv)
	return pod
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "clusters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := cluster.NewRegistry(s)
	require.NoError(t, err)
	mgr, err := k8s.NewManager(reg, k8s.WithProbe(func(context.Context, *rest.Config) (*version.Info, error) {
		return &version.Info{GitVersion: "v1.29.3+k3s1"}, nil
	}))
	require.NoError(t, err)
	reg.SetTeardown(mgr.Disconnect)
	t.Cleanup(func() { _ = mgr.Stop() })

	cat := catalog.NewMemoryCatalog()
	sync := catalog.NewSynchronizer(reg, cat)
	sync.Start()
	t.Cleanup(sync.Stop)

	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme(), newPod("web-0", "uid-web-0", "1"))
	kind, ok := watch.LookupKind("pods")
	require.True(t, ok)
	pods := dyn.Resource(kind.GVR).Namespace("default")
	watcher := apiwatch.NewFakeWithChanSize(10, false)

	mux := watch.NewMultiplexer(func(ctx context.Context, key watch.Key) (watch.ListerWatcher, error) {
		return &fakeLister{list: pods, watcher: watcher}, nil
	}, watch.WithGracePeriod(0))
	t.Cleanup(mux.Close)
	mgr.OnDisconnect(mux.CancelCluster)

	return &testEnv{
		Server:   NewServer(cfg, Deps{Registry: reg, Manager: mgr, Catalog: cat, Multiplexer: mux}),
		Registry: reg,
		Manager:  mgr,
		Catalog:  cat,
		Watcher:  watcher,
		Pods:     pods,
	}
}

func writeKubeconfig(t *testing.T, contexts ...string) string {
	t.Helper()
	cfg := api.NewConfig()
	cfg.Clusters["upstream"] = &api.Cluster{Server: "https://127.0.0.1:6443"}
	cfg.AuthInfos["user"] = &api.AuthInfo{Token: "cluster-token"}
	for _, name := range contexts {
		cfg.Contexts[name] = &api.Context{Cluster: "upstream", AuthInfo: "user"}
	}
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, clientcmd.WriteToFile(*cfg, path))
	return path
}

func doJSON(t *testing.T, env *testEnv, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.Server.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type clusterBody struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Online       bool   `json:"online"`
	Accessible   bool   `json:"accessible"`
	Disconnected bool   `json:"disconnected"`
	Distribution string `json:"distribution"`
	Port         int    `json:"port"`
	ProxyURL     string `json:"proxyUrl"`
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t, Config{ProxyURL: "http://localhost:8586"})

	var health map[string]interface{}
	assert.Equal(t, 200, doJSON(t, env, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "http://localhost:8586", health["proxyUrl"])

	resp, err := env.Server.App().Test(httptest.NewRequest("GET", "/metrics", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestClusterLifecycle(t *testing.T) {
	env := setupTestEnv(t, Config{ProxyURL: "http://localhost:8586"})
	path := writeKubeconfig(t, "dev", "prod")

	var created clusterBody
	status := doJSON(t, env, "POST", "/api/clusters", map[string]string{
		"kubeConfigPath": path,
		"contextName":    "dev",
	}, &created)
	require.Equal(t, 201, status)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "dev", created.Name)
	assert.True(t, created.Disconnected)
	assert.Equal(t, "http://localhost:8586/"+created.ID, created.ProxyURL)

	// Published to the catalog
	entity, ok := env.Catalog.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, catalog.PhaseDisconnected, entity.Status.Phase)

	// Duplicate path and context
	assert.Equal(t, 409, doJSON(t, env, "POST", "/api/clusters", map[string]string{
		"kubeConfigPath": path,
		"contextName":    "dev",
	}, nil))
	// Unknown context
	assert.Equal(t, 400, doJSON(t, env, "POST", "/api/clusters", map[string]string{
		"kubeConfigPath": path,
		"contextName":    "missing",
	}, nil))

	var connected clusterBody
	require.Equal(t, 200, doJSON(t, env, "POST", "/api/clusters/"+created.ID+"/connect", nil, &connected))
	assert.False(t, connected.Disconnected)
	assert.True(t, connected.Online)
	assert.True(t, connected.Accessible)
	assert.Equal(t, k8s.DistroK3s, connected.Distribution)
	assert.Greater(t, connected.Port, 0)

	entity, _ = env.Catalog.Get(created.ID)
	assert.Equal(t, catalog.PhaseConnected, entity.Status.Phase)
	assert.True(t, entity.Status.Active)

	var list struct {
		Clusters []clusterBody `json:"clusters"`
	}
	require.Equal(t, 200, doJSON(t, env, "GET", "/api/clusters", nil, &list))
	require.Len(t, list.Clusters, 1)
	assert.Equal(t, created.ID, list.Clusters[0].ID)

	var disconnected clusterBody
	require.Equal(t, 200, doJSON(t, env, "POST", "/api/clusters/"+created.ID+"/disconnect", nil, &disconnected))
	assert.True(t, disconnected.Disconnected)
	assert.False(t, disconnected.Online)
	assert.Zero(t, disconnected.Port)

	assert.Equal(t, 204, doJSON(t, env, "DELETE", "/api/clusters/"+created.ID, nil, nil))
	assert.Equal(t, 404, doJSON(t, env, "GET", "/api/clusters/"+created.ID, nil, nil))
	_, ok = env.Catalog.Get(created.ID)
	assert.False(t, ok)
}

func TestClusterNotFound(t *testing.T) {
	env := setupTestEnv(t, Config{})

	var body map[string]string
	assert.Equal(t, 404, doJSON(t, env, "POST", "/api/clusters/nope/connect", nil, &body))
	assert.Equal(t, "cluster not found", body["error"])
	assert.Equal(t, 404, doJSON(t, env, "POST", "/api/clusters/nope/refresh", nil, nil))
	assert.Equal(t, 404, doJSON(t, env, "DELETE", "/api/clusters/nope", nil, nil))
}

func TestCatalogEntityCreatesCluster(t *testing.T) {
	env := setupTestEnv(t, Config{})
	path := writeKubeconfig(t, "staging")

	entity := catalog.Entity{
		Kind:     catalog.KindCluster,
		Metadata: catalog.EntityMetadata{Name: "Staging", Source: catalog.SourceLocal},
		Spec:     catalog.EntitySpec{KubeconfigPath: path, KubeconfigContext: "staging"},
	}
	require.Equal(t, 200, doJSON(t, env, "PUT", "/api/catalog/entities/staging-1", entity, nil))

	rec, ok := env.Registry.Get("staging-1")
	require.True(t, ok)
	assert.Equal(t, "Staging", rec.Name())

	var listed struct {
		Entities []catalog.Entity `json:"entities"`
	}
	require.Equal(t, 200, doJSON(t, env, "GET", "/api/catalog/entities?source=local", nil, &listed))
	require.Len(t, listed.Entities, 1)
	assert.Equal(t, catalog.PhaseDisconnected, listed.Entities[0].Status.Phase)

	assert.Equal(t, 204, doJSON(t, env, "DELETE", "/api/catalog/entities/staging-1", nil, nil))
	assert.False(t, env.Registry.Has("staging-1"))
	assert.Equal(t, 404, doJSON(t, env, "DELETE", "/api/catalog/entities/staging-1", nil, nil))
}

func TestListContexts(t *testing.T) {
	env := setupTestEnv(t, Config{})
	path := writeKubeconfig(t, "b", "a")

	var body struct {
		Contexts []k8s.ContextInfo `json:"contexts"`
	}
	require.Equal(t, 200, doJSON(t, env, "GET", "/api/kubeconfig/contexts?path="+path, nil, &body))
	require.Len(t, body.Contexts, 2)
	assert.Equal(t, "a", body.Contexts[0].Name)

	assert.Equal(t, 400, doJSON(t, env, "GET", "/api/kubeconfig/contexts", nil, nil))
}

func TestNetworkSignals(t *testing.T) {
	env := setupTestEnv(t, Config{})
	rec, err := env.Registry.Add(models.ClusterConfig{KubeConfigPath: writeKubeconfig(t, "dev"), ContextName: "dev"})
	require.NoError(t, err)
	_, err = env.Manager.Connect(context.Background(), rec.ID)
	require.NoError(t, err)

	var list struct {
		Clusters []clusterBody `json:"clusters"`
	}
	require.Equal(t, 200, doJSON(t, env, "POST", "/api/network/offline", nil, &list))
	require.Len(t, list.Clusters, 1)
	// The probe succeeds again after the forced offline state
	assert.True(t, list.Clusters[0].Online)

	require.Equal(t, 200, doJSON(t, env, "POST", "/api/network/online", nil, &list))
	assert.True(t, list.Clusters[0].Accessible)
}

func TestJWTProtectsAPI(t *testing.T) {
	env := setupTestEnv(t, Config{JWTSecret: "test-secret"})

	assert.Equal(t, 401, doJSON(t, env, "GET", "/api/clusters", nil, nil))

	token, err := middleware.GenerateToken("test-secret", "ui", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/clusters", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.Server.App().Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// Health stays public
	assert.Equal(t, 200, doJSON(t, env, "GET", "/health", nil, nil))
}

func startListener(t *testing.T, env *testEnv) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.Server.App().Listener(ln) }()
	t.Cleanup(func() { _ = env.Server.Shutdown() })
	return ln.Addr().String()
}

type wsMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

type watchEventBody struct {
	Subscription string                   `json:"subscription"`
	Type         string                   `json:"type"`
	Object       map[string]interface{}   `json:"object"`
	Objects      []map[string]interface{} `json:"objects"`
}

func readWatchEvent(t *testing.T, conn *websocket.Conn) watchEventBody {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, "watch_event", msg.Type)
	var ev watchEventBody
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	return ev
}

func objectName(obj map[string]interface{}) string {
	meta, _ := obj["metadata"].(map[string]interface{})
	name, _ := meta["name"].(string)
	return name
}

func TestWatchSocket(t *testing.T) {
	env := setupTestEnv(t, Config{JWTSecret: "test-secret"})
	addr := startListener(t, env)

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 50*time.Millisecond)
	defer conn.Close()

	token, err := middleware.GenerateToken("test-secret", "ui", time.Hour)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": token}))
	assert.Equal(t, "authenticated", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"id":   "pods",
		"data": map[string]string{"cluster": "c1", "kind": "Pod", "namespace": "default"},
	}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "pods", ack.ID)

	added := readWatchEvent(t, conn)
	assert.Equal(t, "pods", added.Subscription)
	assert.Equal(t, string(watch.Added), added.Type)
	assert.Equal(t, "web-0", objectName(added.Object))

	env.Watcher.Modify(newPod("web-0", "uid-web-0", "2"))
	modified := readWatchEvent(t, conn)
	assert.Equal(t, string(watch.Modified), modified.Type)
	assert.Equal(t, "web-0", objectName(modified.Object))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe", "id": "pods"}))
	assert.Equal(t, "unsubscribed", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestWatchSocketRejectsBadToken(t *testing.T) {
	env := setupTestEnv(t, Config{JWTSecret: "test-secret"})
	addr := startListener(t, env)

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 50*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "garbage"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWatchSocketRequiresUpgrade(t *testing.T) {
	env := setupTestEnv(t, Config{})
	resp, err := env.Server.App().Test(httptest.NewRequest("GET", "/ws", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
