package store

import (
	"errors"

	"github.com/kubestellar/cluster-proxy/pkg/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the interface for cluster record persistence
type Store interface {
	// Clusters, returned in insertion order
	ListClusters() ([]models.ClusterRecord, error)
	CreateCluster(cluster *models.ClusterRecord) error
	UpdateCluster(cluster *models.ClusterRecord) error
	DeleteCluster(id string) error

	// Lifecycle
	Close() error
}
