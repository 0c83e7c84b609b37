package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kubestellar/cluster-proxy/pkg/catalog"
)

// CatalogHandlers lets the shell read and edit catalog entities
type CatalogHandlers struct {
	catalog catalog.Catalog
}

// NewCatalogHandlers creates catalog handlers
func NewCatalogHandlers(cat catalog.Catalog) *CatalogHandlers {
	return &CatalogHandlers{catalog: cat}
}

// ListEntities returns every entity, optionally filtered by kind or source
func (h *CatalogHandlers) ListEntities(c *fiber.Ctx) error {
	kind := c.Query("kind")
	source := c.Query("source")
	entities := make([]catalog.Entity, 0)
	for _, e := range h.catalog.List() {
		if kind != "" && e.Kind != kind {
			continue
		}
		if source != "" && e.Metadata.Source != source {
			continue
		}
		entities = append(entities, e)
	}
	return c.JSON(fiber.Map{"entities": entities})
}

// PutEntity creates or replaces the entity with the uid in the path
func (h *CatalogHandlers) PutEntity(c *fiber.Ctx) error {
	var e catalog.Entity
	if err := c.BodyParser(&e); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	e.Metadata.UID = c.Params("uid")
	if e.APIVersion == "" {
		e.APIVersion = catalog.APIVersion
	}
	if e.Kind == "" {
		return fiber.NewError(fiber.StatusBadRequest, "kind is required")
	}
	h.catalog.Upsert(e)

	stored, _ := h.catalog.Get(e.Metadata.UID)
	return c.JSON(stored)
}

// DeleteEntity removes an entity; removing a local cluster entity removes
// the cluster
func (h *CatalogHandlers) DeleteEntity(c *fiber.Ctx) error {
	uid := c.Params("uid")
	if _, ok := h.catalog.Get(uid); !ok {
		return fiber.NewError(fiber.StatusNotFound, "entity not found")
	}
	h.catalog.Delete(uid)
	return c.SendStatus(fiber.StatusNoContent)
}
