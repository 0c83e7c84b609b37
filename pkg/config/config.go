package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".cluster-proxy"
	configFileName = "config.yaml"
)

// Config holds the runtime configuration of the service
type Config struct {
	// APIPort is the port of the management API
	APIPort int `yaml:"apiPort"`
	// ProxyAddr is the address of the shared proxy endpoint
	ProxyAddr    string `yaml:"proxyAddr"`
	TLSCertFile  string `yaml:"tlsCertFile,omitempty"`
	TLSKeyFile   string `yaml:"tlsKeyFile,omitempty"`
	DatabasePath string `yaml:"databasePath"`
	// JWTSecret protects /api when set
	JWTSecret   string `yaml:"jwtSecret,omitempty"`
	FrontendURL string `yaml:"frontendURL"`
	LogLevel    string `yaml:"logLevel"`
	DevMode     bool   `yaml:"devMode"`
	// Kubeconfig is imported on startup when set
	Kubeconfig string `yaml:"kubeconfig,omitempty"`

	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	WatchGracePeriod time.Duration `yaml:"watchGracePeriod"`
	WatchKubeconfigs bool          `yaml:"watchKubeconfigs"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		APIPort:          8585,
		ProxyAddr:        "127.0.0.1:8586",
		DatabasePath:     "./data/clusters.db",
		FrontendURL:      "http://localhost:5174",
		LogLevel:         "info",
		ProbeTimeout:     5 * time.Second,
		WatchGracePeriod: 10 * time.Second,
		WatchKubeconfigs: true,
	}
}

// DefaultPath returns ~/.cluster-proxy/config.yaml
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, configDirName, configFileName)
}

// Load builds the configuration from defaults, the YAML file at path, a .env
// file in the working directory, and the environment, in that order. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("[Config] ignoring .env: %v", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", p, err)
		}
		c.APIPort = port
	}
	c.ProxyAddr = getEnvOrDefault("PROXY_ADDR", c.ProxyAddr)
	c.TLSCertFile = getEnvOrDefault("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = getEnvOrDefault("TLS_KEY_FILE", c.TLSKeyFile)
	c.DatabasePath = getEnvOrDefault("DATABASE_PATH", c.DatabasePath)
	c.JWTSecret = getEnvOrDefault("JWT_SECRET", c.JWTSecret)
	c.FrontendURL = getEnvOrDefault("FRONTEND_URL", c.FrontendURL)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.Kubeconfig = getEnvOrDefault("KUBECONFIG", c.Kubeconfig)
	if v := os.Getenv("DEV_MODE"); v != "" {
		c.DevMode = v == "true"
	}
	if v := os.Getenv("WATCH_KUBECONFIGS"); v != "" {
		c.WatchKubeconfigs = v == "true"
	}

	var err error
	if c.ProbeTimeout, err = durationFromEnv("PROBE_TIMEOUT", c.ProbeTimeout); err != nil {
		return err
	}
	if c.WatchGracePeriod, err = durationFromEnv("WATCH_GRACE_PERIOD", c.WatchGracePeriod); err != nil {
		return err
	}
	return nil
}

// Validate reports configuration that cannot work
func (c *Config) Validate() error {
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api port %d", c.APIPort)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tlsCertFile and tlsKeyFile must be set together")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ApplyLogLevel sets the global log level
func (c *Config) ApplyLogLevel() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func durationFromEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
