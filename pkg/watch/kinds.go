package watch

import (
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	storagev1 "k8s.io/api/storage/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kind describes a resource the UI can watch by name
type Kind struct {
	Kind       string
	GVR        schema.GroupVersionResource
	Namespaced bool
}

var knownKinds = []Kind{
	{"Pod", corev1.SchemeGroupVersion.WithResource("pods"), true},
	{"Service", corev1.SchemeGroupVersion.WithResource("services"), true},
	{"ConfigMap", corev1.SchemeGroupVersion.WithResource("configmaps"), true},
	{"Secret", corev1.SchemeGroupVersion.WithResource("secrets"), true},
	{"Event", corev1.SchemeGroupVersion.WithResource("events"), true},
	{"ServiceAccount", corev1.SchemeGroupVersion.WithResource("serviceaccounts"), true},
	{"PersistentVolumeClaim", corev1.SchemeGroupVersion.WithResource("persistentvolumeclaims"), true},
	{"ResourceQuota", corev1.SchemeGroupVersion.WithResource("resourcequotas"), true},
	{"LimitRange", corev1.SchemeGroupVersion.WithResource("limitranges"), true},
	{"Endpoints", corev1.SchemeGroupVersion.WithResource("endpoints"), true},
	{"Namespace", corev1.SchemeGroupVersion.WithResource("namespaces"), false},
	{"Node", corev1.SchemeGroupVersion.WithResource("nodes"), false},
	{"PersistentVolume", corev1.SchemeGroupVersion.WithResource("persistentvolumes"), false},
	{"Deployment", appsv1.SchemeGroupVersion.WithResource("deployments"), true},
	{"StatefulSet", appsv1.SchemeGroupVersion.WithResource("statefulsets"), true},
	{"DaemonSet", appsv1.SchemeGroupVersion.WithResource("daemonsets"), true},
	{"ReplicaSet", appsv1.SchemeGroupVersion.WithResource("replicasets"), true},
	{"Job", batchv1.SchemeGroupVersion.WithResource("jobs"), true},
	{"CronJob", batchv1.SchemeGroupVersion.WithResource("cronjobs"), true},
	{"Ingress", networkingv1.SchemeGroupVersion.WithResource("ingresses"), true},
	{"NetworkPolicy", networkingv1.SchemeGroupVersion.WithResource("networkpolicies"), true},
	{"Role", rbacv1.SchemeGroupVersion.WithResource("roles"), true},
	{"RoleBinding", rbacv1.SchemeGroupVersion.WithResource("rolebindings"), true},
	{"ClusterRole", rbacv1.SchemeGroupVersion.WithResource("clusterroles"), false},
	{"ClusterRoleBinding", rbacv1.SchemeGroupVersion.WithResource("clusterrolebindings"), false},
	{"StorageClass", storagev1.SchemeGroupVersion.WithResource("storageclasses"), false},
	{"CustomResourceDefinition", apiextensionsv1.SchemeGroupVersion.WithResource("customresourcedefinitions"), false},
}

// LookupKind resolves a kind ("Pod") or plural resource ("pods") to a
// well-known resource. Matching is case-insensitive.
func LookupKind(name string) (Kind, bool) {
	for _, k := range knownKinds {
		if strings.EqualFold(k.Kind, name) || strings.EqualFold(k.GVR.Resource, name) {
			return k, true
		}
	}
	return Kind{}, false
}

// KnownKinds returns every well-known resource
func KnownKinds() []Kind {
	out := make([]Kind, len(knownKinds))
	copy(out, knownKinds)
	return out
}
