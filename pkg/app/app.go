package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/api"
	"github.com/kubestellar/cluster-proxy/pkg/catalog"
	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/config"
	"github.com/kubestellar/cluster-proxy/pkg/k8s"
	"github.com/kubestellar/cluster-proxy/pkg/models"
	"github.com/kubestellar/cluster-proxy/pkg/proxy"
	"github.com/kubestellar/cluster-proxy/pkg/store"
	"github.com/kubestellar/cluster-proxy/pkg/watch"
)

// App owns every component and their lifecycle
type App struct {
	cfg config.Config

	store       store.Store
	registry    *cluster.Registry
	manager     *k8s.Manager
	multiplexer *watch.Multiplexer
	catalog     *catalog.MemoryCatalog
	sync        *catalog.Synchronizer
	router      *proxy.Router
	server      *api.Server
}

// New builds the components. Failing to open or load the store is fatal.
func New(cfg config.Config) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	registry, err := cluster.NewRegistry(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	opts := []k8s.ManagerOption{k8s.WithProbeTimeout(cfg.ProbeTimeout)}
	if cfg.WatchKubeconfigs {
		opts = append(opts, k8s.WithKubeconfigWatcher())
	}
	manager, err := k8s.NewManager(registry, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	registry.SetTeardown(manager.Disconnect)

	multiplexer := watch.NewMultiplexer(func(ctx context.Context, key watch.Key) (watch.ListerWatcher, error) {
		return manager.ResourceClient(ctx, key.Cluster, key.GVR, key.Namespace)
	}, watch.WithGracePeriod(cfg.WatchGracePeriod))
	manager.OnDisconnect(multiplexer.CancelCluster)

	cat := catalog.NewMemoryCatalog()

	return &App{
		cfg:         cfg,
		store:       db,
		registry:    registry,
		manager:     manager,
		multiplexer: multiplexer,
		catalog:     cat,
		sync:        catalog.NewSynchronizer(registry, cat),
		router:      proxy.NewRouter(registry, manager),
	}, nil
}

// Start binds the proxy, starts reconciliation and prepares the management
// API. Failing to bind the proxy is fatal.
func (a *App) Start() error {
	if err := a.router.Start(a.cfg.ProxyAddr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile); err != nil {
		return err
	}

	a.sync.Start()
	if a.cfg.Kubeconfig != "" {
		a.importKubeconfigs(a.cfg.Kubeconfig)
	}
	a.publishClusters()

	a.server = api.NewServer(api.Config{
		Port:        a.cfg.APIPort,
		DevMode:     a.cfg.DevMode,
		JWTSecret:   a.cfg.JWTSecret,
		FrontendURL: a.cfg.FrontendURL,
		ProxyURL:    a.ProxyURL(),
	}, api.Deps{
		Registry:    a.registry,
		Manager:     a.manager,
		Catalog:     a.catalog,
		Multiplexer: a.multiplexer,
	})
	return nil
}

// Serve runs the management API until it is shut down
func (a *App) Serve() error {
	if a.server == nil {
		return errors.New("app not started")
	}
	return a.server.Start()
}

// ProxyURL is the shared proxy endpoint
func (a *App) ProxyURL() string {
	scheme := "http"
	if a.cfg.TLSCertFile != "" && a.cfg.TLSKeyFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, a.router.Port())
}

// importKubeconfigs publishes every context of the given kubeconfig files
// to the catalog as local clusters. Already registered contexts keep their
// ids.
func (a *App) importKubeconfigs(paths string) {
	known := make(map[string]bool)
	for _, r := range a.registry.List() {
		known[r.KubeConfigPath+"\x00"+r.ContextName] = true
	}

	for _, path := range filepath.SplitList(paths) {
		contexts, err := k8s.ListContexts(path)
		if err != nil {
			log.Warnf("[App] skipping kubeconfig %s: %v", path, err)
			continue
		}
		for _, ctx := range contexts {
			if known[path+"\x00"+ctx.Name] {
				continue
			}
			record, err := a.registry.Add(models.ClusterConfig{KubeConfigPath: path, ContextName: ctx.Name})
			if errors.Is(err, cluster.ErrDuplicateID) {
				continue
			}
			if err != nil {
				log.Errorf("[App] failed to import context %s: %v", ctx.Name, err)
				continue
			}
			a.catalog.Upsert(catalog.EntityFromCluster(record))
		}
	}
}

// publishClusters adds a catalog entity for every registered cluster that
// has none
func (a *App) publishClusters() {
	records := a.registry.List()
	for _, r := range records {
		if _, ok := a.catalog.Get(r.ID); !ok {
			a.catalog.Upsert(catalog.EntityFromCluster(r))
		}
	}
	log.Printf("[App] %d clusters registered", len(records))
}

// Shutdown stops every component, aggregating errors
func (a *App) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("api server: %w", err))
		}
	}
	if err := a.router.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("router: %w", err))
	}
	a.sync.Stop()
	a.multiplexer.Close()
	if err := a.manager.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store: %w", err))
	}
	return result.ErrorOrNil()
}
