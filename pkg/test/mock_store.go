package test

import (
	"github.com/stretchr/testify/mock"

	"github.com/kubestellar/cluster-proxy/pkg/models"
)

// MockStore is a mock implementation of store.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListClusters() ([]models.ClusterRecord, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ClusterRecord), args.Error(1)
}

func (m *MockStore) CreateCluster(cluster *models.ClusterRecord) error {
	args := m.Called(cluster)
	return args.Error(0)
}

func (m *MockStore) UpdateCluster(cluster *models.ClusterRecord) error {
	args := m.Called(cluster)
	return args.Error(0)
}

func (m *MockStore) DeleteCluster(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockStore) Close() error { return nil }
