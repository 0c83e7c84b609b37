package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/kubestellar/cluster-proxy/pkg/catalog"
	"github.com/kubestellar/cluster-proxy/pkg/cluster"
	"github.com/kubestellar/cluster-proxy/pkg/k8s"
	"github.com/kubestellar/cluster-proxy/pkg/models"
)

// ClusterView is a cluster record plus its live proxy endpoints
type ClusterView struct {
	models.ClusterRecord
	DisplayName string `json:"name"`
	Port        int    `json:"port,omitempty"`
	DirectURL   string `json:"directUrl,omitempty"`
	ProxyURL    string `json:"proxyUrl,omitempty"`
}

// ClusterHandlers serves cluster management endpoints
type ClusterHandlers struct {
	registry *cluster.Registry
	manager  *k8s.Manager
	catalog  catalog.Catalog
	// proxyBase is the shared proxy endpoint, e.g. http://localhost:8586
	proxyBase string
}

// NewClusterHandlers creates cluster handlers
func NewClusterHandlers(registry *cluster.Registry, manager *k8s.Manager, cat catalog.Catalog, proxyBase string) *ClusterHandlers {
	return &ClusterHandlers{
		registry:  registry,
		manager:   manager,
		catalog:   cat,
		proxyBase: strings.TrimSuffix(proxyBase, "/"),
	}
}

func (h *ClusterHandlers) view(r models.ClusterRecord) ClusterView {
	v := ClusterView{ClusterRecord: r, DisplayName: r.Name()}
	if h.proxyBase != "" {
		v.ProxyURL = h.proxyBase + "/" + r.ID
	}
	if conn, ok := h.manager.Connection(r.ID); ok {
		v.Port = conn.Port()
		v.DirectURL = conn.LocalURL()
	}
	return v
}

func (h *ClusterHandlers) current(c *fiber.Ctx, id string) error {
	r, ok := h.registry.Get(id)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	}
	return c.JSON(h.view(r))
}

// ListClusters returns all clusters in insertion order
func (h *ClusterHandlers) ListClusters(c *fiber.Ctx) error {
	records := h.registry.List()
	views := make([]ClusterView, 0, len(records))
	for _, r := range records {
		views = append(views, h.view(r))
	}
	return c.JSON(fiber.Map{"clusters": views})
}

// GetCluster returns one cluster
func (h *ClusterHandlers) GetCluster(c *fiber.Ctx) error {
	return h.current(c, c.Params("id"))
}

// AddCluster registers a kubeconfig context and publishes it to the catalog
func (h *ClusterHandlers) AddCluster(c *fiber.Ctx) error {
	var input models.ClusterConfig
	if err := c.BodyParser(&input); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if input.KubeConfigPath == "" || input.ContextName == "" {
		return fiber.NewError(fiber.StatusBadRequest, "kubeConfigPath and contextName are required")
	}
	if _, err := k8s.LoadRestConfig(input.KubeConfigPath, input.ContextName); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	record, err := h.registry.Add(input)
	switch {
	case errors.Is(err, cluster.ErrDuplicateID):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		log.Errorf("[API] failed to add cluster: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to add cluster")
	}

	h.catalog.Upsert(catalog.EntityFromCluster(record))
	return c.Status(fiber.StatusCreated).JSON(h.view(record))
}

// RemoveCluster deletes a cluster and its catalog entity
func (h *ClusterHandlers) RemoveCluster(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Has(id) {
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	}
	h.catalog.Delete(id)
	if err := h.registry.Remove(id); err != nil {
		log.WithField("cluster", id).Errorf("[API] failed to remove cluster: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to remove cluster")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Connect starts the cluster's proxy. An unreachable cluster stays
// connected and is reported with accessible=false.
func (h *ClusterHandlers) Connect(c *fiber.Ctx) error {
	id := c.Params("id")
	_, err := h.manager.Connect(c.UserContext(), id)
	switch {
	case err == nil, errors.Is(err, k8s.ErrUnreachable):
	case errors.Is(err, cluster.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	case errors.Is(err, k8s.ErrInvalidKubeconfig):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		log.WithField("cluster", id).Errorf("[API] connect failed: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return h.current(c, id)
}

// Disconnect stops the cluster's proxy
func (h *ClusterHandlers) Disconnect(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Has(id) {
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	}
	if err := h.manager.Disconnect(id); err != nil {
		log.WithField("cluster", id).Warnf("[API] disconnect: %v", err)
	}
	return h.current(c, id)
}

// Refresh re-probes the cluster
func (h *ClusterHandlers) Refresh(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Has(id) {
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	}
	h.manager.Refresh(c.UserContext(), id)
	return h.current(c, id)
}

// UpdatePreferences replaces the cluster's preferences
func (h *ClusterHandlers) UpdatePreferences(c *fiber.Ctx) error {
	id := c.Params("id")
	var prefs models.ClusterPreferences
	if err := c.BodyParser(&prefs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	record, err := h.registry.Update(id, func(r *models.ClusterRecord) {
		r.Preferences = prefs
	})
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "cluster not found")
	case err != nil:
		log.WithField("cluster", id).Errorf("[API] failed to update preferences: %v", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to update cluster")
	}
	return c.JSON(h.view(record))
}

// ListContexts lists the contexts of a kubeconfig file
func (h *ClusterHandlers) ListContexts(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return fiber.NewError(fiber.StatusBadRequest, "path is required")
	}
	contexts, err := k8s.ListContexts(path)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"contexts": contexts})
}

// NetworkOffline marks every connected cluster offline and re-probes
func (h *ClusterHandlers) NetworkOffline(c *fiber.Ctx) error {
	h.manager.NetworkOffline(c.UserContext())
	return h.ListClusters(c)
}

// NetworkOnline re-probes every connected cluster
func (h *ClusterHandlers) NetworkOnline(c *fiber.Ctx) error {
	h.manager.NetworkOnline(c.UserContext())
	return h.ListClusters(c)
}
