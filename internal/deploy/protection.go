package deploy

import (
	"fmt"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// deniedKinds are never applied, whatever a manifest template renders.
// Entries are "group/version/Kind", or "version/Kind" for the core group.
var deniedKinds = []string{
	"apiextensions.k8s.io/v1/CustomResourceDefinition",
	"rbac.authorization.k8s.io/v1/ClusterRole",
	"rbac.authorization.k8s.io/v1/ClusterRoleBinding",
	"admissionregistration.k8s.io/v1/ValidatingWebhookConfiguration",
	"admissionregistration.k8s.io/v1/MutatingWebhookConfiguration",
	"v1/Node",
	"v1/PersistentVolume",
}

func gvkKey(gvk schema.GroupVersionKind) string {
	return strings.TrimPrefix(fmt.Sprintf("%s/%s/%s", gvk.Group, gvk.Version, gvk.Kind), "/")
}

func checkAllowed(gvk schema.GroupVersionKind) error {
	if slices.Contains(deniedKinds, gvkKey(gvk)) {
		return fmt.Errorf("kind %s is not allowed", gvkKey(gvk))
	}
	return nil
}
