package k8s

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	// ErrInvalidKubeconfig is returned when a kubeconfig cannot be parsed or lacks the context
	ErrInvalidKubeconfig = errors.New("invalid kubeconfig")
	// ErrUnreachable is returned when a cluster's API server cannot be reached
	ErrUnreachable = errors.New("cluster unreachable")
	// ErrPortAllocationFailed is returned when no local port could be bound
	ErrPortAllocationFailed = errors.New("port allocation failed")
	// ErrConnectionClosed is returned for work on a connection that was disconnected
	ErrConnectionClosed = errors.New("cluster connection closed")
)

// Distribution names reported on cluster records
const (
	DistroK3s           = "k3s"
	DistroRKE2          = "rke2"
	DistroEKS           = "eks"
	DistroGKE           = "gke"
	DistroAKS           = "aks"
	DistroOpenShift     = "openshift"
	DistroMinikube      = "minikube"
	DistroKind          = "kind"
	DistroDockerDesktop = "docker-desktop"
	DistroMicroK8s      = "microk8s"
	DistroVanilla       = "vanilla"
)

// ContextInfo describes one context of a kubeconfig file
type ContextInfo struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster"`
	Server    string `json:"server"`
	Namespace string `json:"namespace,omitempty"`
	IsCurrent bool   `json:"isCurrent"`
}

// LoadRestConfig builds the rest config for one context of a kubeconfig file
func LoadRestConfig(path, contextName string) (*rest.Config, error) {
	raw, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}
	if _, ok := raw.Contexts[contextName]; !ok {
		return nil, fmt.Errorf("%w: context %q not found in %s", ErrInvalidKubeconfig, contextName, path)
	}

	config, err := clientcmd.NewNonInteractiveClientConfig(
		*raw,
		contextName,
		&clientcmd.ConfigOverrides{},
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: path},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: context %s: %v", ErrInvalidKubeconfig, contextName, err)
	}
	return config, nil
}

// ListContexts returns the contexts of a kubeconfig file sorted by name
func ListContexts(path string) ([]ContextInfo, error) {
	raw, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}

	contexts := make([]ContextInfo, 0, len(raw.Contexts))
	for name, ctx := range raw.Contexts {
		info := ContextInfo{
			Name:      name,
			Cluster:   ctx.Cluster,
			Namespace: ctx.Namespace,
			IsCurrent: name == raw.CurrentContext,
		}
		if c, ok := raw.Clusters[ctx.Cluster]; ok {
			info.Server = c.Server
		}
		contexts = append(contexts, info)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].Name < contexts[j].Name })
	return contexts, nil
}

// upstreamURL returns the API server base URL of a rest config
func upstreamURL(config *rest.Config) (*url.URL, error) {
	host := config.Host
	if host == "" {
		return nil, fmt.Errorf("%w: empty server address", ErrInvalidKubeconfig)
	}
	if !strings.Contains(host, "://") {
		scheme := "http://"
		if rest.IsConfigTransportTLS(*config) {
			scheme = "https://"
		}
		host = scheme + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: server address %q", ErrInvalidKubeconfig, config.Host)
	}
	return u, nil
}

// Error types reported for failed upstream calls
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeAuth        = "auth"
	ErrorTypeNetwork     = "network"
	ErrorTypeCertificate = "certificate"
	ErrorTypeUnknown     = "unknown"
)

// messageHints catch errors that reach us flattened into strings, as
// client-go does for some transport failures
var messageHints = []struct {
	errorType string
	hints     []string
}{
	{ErrorTypeTimeout, []string{"timeout", "deadline exceeded"}},
	{ErrorTypeAuth, []string{"unauthorized", "forbidden", "token expired"}},
	{ErrorTypeNetwork, []string{"connection refused", "connection reset", "no route to host", "no such host", "dial tcp"}},
	{ErrorTypeCertificate, []string{"x509", "tls:", "certificate"}},
}

// ClassifyError sorts an upstream failure into one of the ErrorType values
func ClassifyError(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrorTypeTimeout
	}
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return ErrorTypeAuth
	}
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &verifyErr) || errors.As(err, &authorityErr) || errors.As(err, &hostnameErr) {
		return ErrorTypeCertificate
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, h := range messageHints {
		for _, hint := range h.hints {
			if strings.Contains(msg, hint) {
				return h.errorType
			}
		}
	}
	return ErrorTypeUnknown
}

// DetectDistribution guesses the Kubernetes distribution from the server's
// git version, its address and the kubeconfig context name.
func DetectDistribution(gitVersion, server, contextName string) string {
	v := strings.ToLower(gitVersion)
	s := strings.ToLower(server)
	c := strings.ToLower(contextName)

	switch {
	case strings.Contains(v, "+k3s"):
		return DistroK3s
	case strings.Contains(v, "+rke2"):
		return DistroRKE2
	case strings.Contains(v, "-eks-") || strings.Contains(s, ".eks.amazonaws.com"):
		return DistroEKS
	case strings.Contains(v, "-gke.") || strings.HasPrefix(c, "gke_"):
		return DistroGKE
	case strings.Contains(s, ".azmk8s.io"):
		return DistroAKS
	case strings.Contains(s, "openshift") || strings.Contains(v, "+ocp") || strings.Contains(v, "-rc.openshift"):
		return DistroOpenShift
	case c == "minikube":
		return DistroMinikube
	case strings.HasPrefix(c, "kind-"):
		return DistroKind
	case c == "docker-desktop" || c == "docker-for-desktop":
		return DistroDockerDesktop
	case c == "microk8s":
		return DistroMicroK8s
	}
	return DistroVanilla
}
