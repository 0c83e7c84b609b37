package models

import "time"

// ClusterPreferences holds user-facing settings for a cluster
type ClusterPreferences struct {
	ClusterName      string            `json:"clusterName,omitempty"`
	Icon             string            `json:"icon,omitempty"`
	DefaultNamespace string            `json:"defaultNamespace,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// ClusterRecord is the identity, configuration and connection state of one cluster
type ClusterRecord struct {
	ID             string             `json:"id"`
	KubeConfigPath string             `json:"kubeConfigPath"`
	ContextName    string             `json:"contextName"`
	Preferences    ClusterPreferences `json:"preferences"`
	Distribution   string             `json:"distribution,omitempty"`
	Version        string             `json:"version,omitempty"`
	// Connection state (runtime only, not persisted)
	Online       bool       `json:"online"`
	Accessible   bool       `json:"accessible"`
	Disconnected bool       `json:"disconnected"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Name returns the display name of the cluster
func (c *ClusterRecord) Name() string {
	if c.Preferences.ClusterName != "" {
		return c.Preferences.ClusterName
	}
	return c.ContextName
}

// Normalize enforces that a disconnected cluster is never reported online or accessible
func (c *ClusterRecord) Normalize() {
	if c.Disconnected {
		c.Online = false
		c.Accessible = false
	}
}

// Clone returns a deep copy of the record
func (c ClusterRecord) Clone() ClusterRecord {
	out := c
	if c.Preferences.Labels != nil {
		out.Preferences.Labels = make(map[string]string, len(c.Preferences.Labels))
		for k, v := range c.Preferences.Labels {
			out.Preferences.Labels[k] = v
		}
	}
	if c.LastSeen != nil {
		t := *c.LastSeen
		out.LastSeen = &t
	}
	return out
}

// ClusterConfig is the input for registering a new cluster
type ClusterConfig struct {
	// ID is optional; a new one is generated when empty
	ID             string             `json:"id,omitempty"`
	KubeConfigPath string             `json:"kubeConfigPath"`
	ContextName    string             `json:"contextName"`
	Preferences    ClusterPreferences `json:"preferences"`
}
