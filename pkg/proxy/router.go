package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/k8s"
	"github.com/kubestellar/cluster-proxy/pkg/metrics"
)

const readHeaderTimeout = 10 * time.Second

var (
	errMissingHost     = errors.New("missing host")
	errMalformedHeader = errors.New("malformed " + k8s.ClusterIDHeader + " header")
	errNoCluster       = errors.New("cluster not found")

	clusterIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ClusterLookup reports whether a cluster id is registered
type ClusterLookup interface {
	Has(id string) bool
}

// Connector returns the live connection of a cluster, connecting it when needed
type Connector interface {
	Connect(ctx context.Context, clusterID string) (*k8s.Connection, error)
}

// Router is the single shared local endpoint. It resolves the target cluster
// of each request and hands it to that cluster's connection.
type Router struct {
	clusters  ClusterLookup
	connector Connector

	server   *http.Server
	listener net.Listener
}

// NewRouter creates a router
func NewRouter(clusters ClusterLookup, connector Connector) *Router {
	return &Router{clusters: clusters, connector: connector}
}

// Start binds addr and serves in the background. TLS is used when both
// certFile and keyFile are set.
func (rt *Router) Start(addr, certFile, keyFile string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind router on %s: %w", addr, err)
	}
	rt.listener = listener
	rt.server = &http.Server{
		Handler:           rt,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	useTLS := certFile != "" && keyFile != ""
	go func() {
		var err error
		if useTLS {
			err = rt.server.ServeTLS(listener, certFile, keyFile)
		} else {
			err = rt.server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[Router] server stopped: %v", err)
		}
	}()

	log.Printf("[Router] listening on %s (tls=%v)", listener.Addr(), useTLS)
	return nil
}

// Port returns the bound port, or 0 before Start
func (rt *Router) Port() int {
	if rt.listener == nil {
		return 0
	}
	return rt.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops accepting requests and waits for in-flight ones
func (rt *Router) Shutdown(ctx context.Context) error {
	if rt.server == nil {
		return nil
	}
	return rt.server.Shutdown(ctx)
}

// ServeHTTP resolves the cluster and forwards the request
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Errorf("[Router] panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}()

	clusterID, out, err := rt.resolve(r)
	switch {
	case errors.Is(err, errMissingHost), errors.Is(err, errMalformedHeader):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		metrics.ProxyUnroutedTotal.Inc()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": errNoCluster.Error()})
		return
	}

	conn, err := rt.connector.Connect(r.Context(), clusterID)
	if conn == nil {
		if errors.Is(err, cluster.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": errNoCluster.Error()})
			return
		}
		log.WithField("cluster", clusterID).Warnf("[Router] cannot connect: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":     err.Error(),
			"cluster":   clusterID,
			"errorType": k8s.ClassifyError(err),
		})
		return
	}

	conn.ServeHTTP(w, out)
}

// resolve determines the target cluster. The first match wins: the first
// path segment on a loopback host, then the cluster id header, then the
// leading host label. The returned request has the routing prefix removed.
func (rt *Router) resolve(r *http.Request) (string, *http.Request, error) {
	if r.Host == "" {
		return "", nil, errMissingHost
	}
	hostname := r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		hostname = h
	}

	if isLoopback(hostname) {
		if id, rest, ok := splitFirstSegment(r.URL.Path); ok && rt.clusters.Has(id) {
			return id, stripPrefix(r, id, rest), nil
		}
	}

	if values, present := r.Header[http.CanonicalHeaderKey(k8s.ClusterIDHeader)]; present {
		if len(values) != 1 || !clusterIDPattern.MatchString(strings.TrimSpace(values[0])) {
			return "", nil, errMalformedHeader
		}
		if id := strings.TrimSpace(values[0]); rt.clusters.Has(id) {
			return id, r, nil
		}
	}

	if i := strings.IndexByte(hostname, '.'); i > 0 {
		if id := hostname[:i]; rt.clusters.Has(id) {
			return id, r, nil
		}
	}

	return "", nil, errNoCluster
}

func isLoopback(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	return ip != nil && ip.IsLoopback()
}

// splitFirstSegment splits "/id/rest" into "id" and "/rest"
func splitFirstSegment(p string) (string, string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", "", false
	}
	id, rest, _ := strings.Cut(p, "/")
	return id, "/" + rest, true
}

func stripPrefix(r *http.Request, id, rest string) *http.Request {
	out := r.Clone(r.Context())
	out.URL.Path = rest
	if r.URL.RawPath != "" {
		out.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, "/"+url.PathEscape(id))
		if out.URL.RawPath == "" {
			out.URL.RawPath = "/"
		}
	}
	out.RequestURI = ""
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
