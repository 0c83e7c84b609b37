package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/kubestellar/cluster-proxy/pkg/metrics"
)

const (
	// ClusterIDHeader selects the target cluster on the shared router
	ClusterIDHeader = "X-Cluster-Id"

	headerUpgrade       = "Upgrade"
	headerAuthorization = "Authorization"
	readHeaderTimeout   = 10 * time.Second
)

// Connection is the local proxy for one cluster. It owns a loopback listener
// and forwards everything it receives to the cluster's API server with the
// kubeconfig credentials injected.
type Connection struct {
	clusterID string
	listener  net.Listener
	server    *http.Server
	port      int

	mu            sync.RWMutex
	config        *rest.Config
	target        *url.URL
	proxy         *httputil.ReverseProxy
	upgradeProxy  *httputil.ReverseProxy
	dynamicClient dynamic.Interface
	lastSeen      time.Time

	// ctx is cancelled when the connection closes
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// newConnection builds the transports for config and starts the loopback listener
func newConnection(clusterID string, config *rest.Config) (*Connection, error) {
	c := &Connection{clusterID: clusterID}
	if err := c.setConfig(config); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortAllocationFailed, err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.listener = listener
	c.port = listener.Addr().(*net.TCPAddr).Port
	c.server = &http.Server{
		Handler:           c,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("cluster", clusterID).Errorf("[Connection] listener stopped: %v", err)
		}
	}()

	log.WithField("cluster", clusterID).Printf("[Connection] proxy for %s listening on 127.0.0.1:%d", c.target.Host, c.port)
	return c, nil
}

// setConfig swaps in new credentials and rebuilds both transports
func (c *Connection) setConfig(config *rest.Config) error {
	target, err := upstreamURL(config)
	if err != nil {
		return err
	}

	// By default we don't disable HTTP/2
	trans, err := newProtocolTransport(config, false)
	if err != nil {
		return fmt.Errorf("%w: could not build transport: %v", ErrInvalidKubeconfig, err)
	}
	// SPDY and WebSocket upgrades cannot run over HTTP/2
	upgradeTrans, err := newProtocolTransport(config, true)
	if err != nil {
		return fmt.Errorf("%w: could not build upgrade transport: %v", ErrInvalidKubeconfig, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = rest.CopyConfig(config)
	c.target = target
	c.proxy = c.newReverseProxy(target, trans)
	c.upgradeProxy = c.newReverseProxy(target, upgradeTrans)
	c.dynamicClient = nil
	return nil
}

func (c *Connection) newReverseProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// The credential round tripper does not override an existing header
			pr.Out.Header.Del(headerAuthorization)
			pr.Out.Header.Del(ClusterIDHeader)
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  c.handleError,
	}
}

func newProtocolTransport(config *rest.Config, disableHTTP2 bool) (http.RoundTripper, error) {
	copied := rest.CopyConfig(config)
	if disableHTTP2 {
		copied.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return rest.TransportFor(copied)
}

// ServeHTTP forwards r upstream. The path must already be relative to the
// API server root.
func (c *Connection) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.Closed() {
		c.handleError(w, r, ErrConnectionClosed)
		return
	}

	c.mu.RLock()
	proxy := c.proxy
	if isUpgrade(r) {
		proxy = c.upgradeProxy
	}
	c.mu.RUnlock()

	metrics.ProxyRequestsTotal.WithLabelValues(c.clusterID, r.Method).Inc()
	proxy.ServeHTTP(w, r)
}

func (c *Connection) handleError(w http.ResponseWriter, r *http.Request, err error) {
	errType := ClassifyError(err)
	metrics.ProxyErrorsTotal.WithLabelValues(c.clusterID, errType).Inc()
	log.WithField("cluster", c.clusterID).Warnf("[Connection] %s %s failed (%s): %v", r.Method, r.URL.Path, errType, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":     err.Error(),
		"cluster":   c.clusterID,
		"errorType": errType,
	})
}

// ClusterID returns the id of the cluster this connection serves
func (c *Connection) ClusterID() string {
	return c.clusterID
}

// Port returns the local port of the per-cluster listener
func (c *Connection) Port() int {
	return c.port
}

// LocalURL returns the direct per-cluster endpoint
func (c *Connection) LocalURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(c.port)
}

// APIURL returns the upstream API server base URL
func (c *Connection) APIURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target.String()
}

// RestConfig returns a copy of the cluster's rest config
func (c *Connection) RestConfig() *rest.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return rest.CopyConfig(c.config)
}

// DynamicClient returns a dynamic client for the cluster, created on first use
func (c *Connection) DynamicClient() (dynamic.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dynamicClient != nil {
		return c.dynamicClient, nil
	}
	config := rest.CopyConfig(c.config)
	// Watches are long-lived
	config.Timeout = 0
	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client for cluster %s: %w", c.clusterID, err)
	}
	c.dynamicClient = client
	return client, nil
}

// LastSeen returns the last time the API server answered a probe
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Connection) markSeen(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

// Closed reports whether the connection has been torn down
func (c *Connection) Closed() bool {
	return c.ctx.Err() != nil
}

// Close cancels in-flight probes, stops the listener and releases the port
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.server.Close()
		log.WithField("cluster", c.clusterID).Printf("[Connection] proxy on port %d closed", c.port)
	})
	return c.closeErr
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get(headerUpgrade) == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
