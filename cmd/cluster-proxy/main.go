package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kubestellar/cluster-proxy/pkg/api/middleware"
	"github.com/kubestellar/cluster-proxy/pkg/app"
	"github.com/kubestellar/cluster-proxy/pkg/config"
)

// Version is set at build time
var Version = "dev"

type options struct {
	configPath string
	port       int
	proxyAddr  string
	kubeconfig string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "cluster-proxy",
		Short:        "Local Kubernetes proxy and watch service for the cluster dashboard",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "Path to the config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}
	for _, c := range []*cobra.Command{root, serveCmd} {
		c.Flags().IntVar(&opts.port, "port", 0, "Management API port")
		c.Flags().StringVar(&opts.proxyAddr, "proxy-addr", "", "Address of the shared proxy endpoint")
		c.Flags().StringVar(&opts.kubeconfig, "kubeconfig", "", "Kubeconfig files to import on startup")
		c.Flags().StringVar(&opts.dbPath, "db", "", "Path to the cluster database")
		c.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	}

	root.AddCommand(serveCmd, newTokenCommand(opts), newVersionCommand())
	return root
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.APIPort = opts.port
	}
	if flags.Changed("proxy-addr") {
		cfg.ProxyAddr = opts.proxyAddr
	}
	if flags.Changed("kubeconfig") {
		cfg.Kubeconfig = opts.kubeconfig
	}
	if flags.Changed("db") {
		cfg.DatabasePath = opts.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func serve(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	cfg.ApplyLogLevel()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	log.Printf("cluster-proxy %s: proxy on %s, api on 127.0.0.1:%d", Version, a.ProxyURL(), cfg.APIPort)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Serve()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigChan:
		log.Printf("Shutting down...")
	case serveErr = <-errCh:
		log.Errorf("API server stopped: %v", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		log.Errorf("Shutdown: %v", err)
	}
	return serveErr
}

func newTokenCommand(opts *options) *cobra.Command {
	var login string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			token, err := middleware.GenerateToken(cfg.JWTSecret, login, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&login, "login", "dashboard", "Login embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", middleware.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("cluster-proxy version %s\n", Version)
			return nil
		},
	}
}
