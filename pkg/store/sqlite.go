package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kubestellar/cluster-proxy/pkg/models"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clusters (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		kubeconfig_path TEXT NOT NULL,
		context_name TEXT NOT NULL,
		preferences TEXT,
		distribution TEXT,
		version TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_clusters_kubeconfig ON clusters(kubeconfig_path, context_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Cluster methods

func (s *SQLiteStore) ListClusters() ([]models.ClusterRecord, error) {
	rows, err := s.db.Query(`SELECT id, kubeconfig_path, context_name, preferences, distribution, version, created_at FROM clusters ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []models.ClusterRecord
	for rows.Next() {
		var c models.ClusterRecord
		var prefs, distribution, version sql.NullString
		if err := rows.Scan(&c.ID, &c.KubeConfigPath, &c.ContextName, &prefs, &distribution, &version, &c.CreatedAt); err != nil {
			return nil, err
		}
		if prefs.Valid && prefs.String != "" {
			if err := json.Unmarshal([]byte(prefs.String), &c.Preferences); err != nil {
				return nil, fmt.Errorf("corrupt preferences for cluster %s: %w", c.ID, err)
			}
		}
		c.Distribution = distribution.String
		c.Version = version.String
		// Nothing is connected right after load
		c.Disconnected = true
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (s *SQLiteStore) CreateCluster(cluster *models.ClusterRecord) error {
	prefs, err := json.Marshal(cluster.Preferences)
	if err != nil {
		return err
	}
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(`INSERT INTO clusters (id, kubeconfig_path, context_name, preferences, distribution, version, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cluster.ID, cluster.KubeConfigPath, cluster.ContextName, string(prefs), cluster.Distribution, cluster.Version, cluster.CreatedAt)
	return err
}

func (s *SQLiteStore) UpdateCluster(cluster *models.ClusterRecord) error {
	prefs, err := json.Marshal(cluster.Preferences)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(`UPDATE clusters SET kubeconfig_path = ?, context_name = ?, preferences = ?, distribution = ?, version = ?, updated_at = ? WHERE id = ?`,
		cluster.KubeConfigPath, cluster.ContextName, string(prefs), cluster.Distribution, cluster.Version, time.Now(), cluster.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteCluster(id string) error {
	_, err := s.db.Exec(`DELETE FROM clusters WHERE id = ?`, id)
	return err
}
