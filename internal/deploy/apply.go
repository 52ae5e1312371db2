package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aliuygur/analytics-broker/internal/appctx"
)

// Applier creates or updates objects in the cluster.
type Applier interface {
	Apply(ctx context.Context, objs []*unstructured.Unstructured) error
}

// RESTConfig loads kubeconfig when a path is given, otherwise tries
// in-cluster first and then $KUBECONFIG / ~/.kube/config.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}

// ServerSideApplier applies objects with server-side apply through the
// dynamic client, resolving resources with a discovery-backed REST mapper.
type ServerSideApplier struct {
	dynamic      dynamic.Interface
	mapper       meta.RESTMapper
	fieldManager string
}

func NewServerSideApplier(cfg *rest.Config, fieldManager string) (*ServerSideApplier, error) {
	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	dc, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disc))
	return newServerSideApplier(dc, mapper, fieldManager), nil
}

func newServerSideApplier(dc dynamic.Interface, mapper meta.RESTMapper, fieldManager string) *ServerSideApplier {
	return &ServerSideApplier{dynamic: dc, mapper: mapper, fieldManager: fieldManager}
}

// Apply applies objs in order and stops at the first failure.
func (a *ServerSideApplier) Apply(ctx context.Context, objs []*unstructured.Unstructured) error {
	for i, obj := range objs {
		if err := a.applyOne(ctx, obj); err != nil {
			return fmt.Errorf("failed to apply document %d (%s/%s): %w", i+1, obj.GetKind(), obj.GetName(), err)
		}
	}
	return nil
}

func (a *ServerSideApplier) applyOne(ctx context.Context, obj *unstructured.Unstructured) error {
	gvk := obj.GroupVersionKind()
	if err := checkAllowed(gvk); err != nil {
		return err
	}
	mapping, err := a.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return fmt.Errorf("rest mapping: %w", err)
	}

	var ri dynamic.ResourceInterface
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		if obj.GetNamespace() == "" {
			return errors.New("namespaced object without namespace")
		}
		ri = a.dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace())
	} else {
		ri = a.dynamic.Resource(mapping.Resource)
	}

	data, err := json.Marshal(obj.Object)
	if err != nil {
		return err
	}

	applied, err := ri.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: a.fieldManager,
		Force:        ptr(true),
	})
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	appctx.GetLogger(ctx).Debug("applied object",
		"resource", mapping.Resource.Resource,
		"namespace", applied.GetNamespace(),
		"name", applied.GetName())
	return nil
}

// decodeManifests splits a multi-document YAML into objects, skipping
// empty documents.
func decodeManifests(data []byte) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured
	for i, doc := range splitYAMLDocuments(data) {
		doc = bytes.TrimSpace(doc)
		if len(doc) == 0 {
			continue
		}
		obj, err := yamlToUnstructured(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func splitYAMLDocuments(data []byte) [][]byte {
	data = bytes.TrimPrefix(data, []byte("---\n"))
	return bytes.Split(data, []byte("\n---\n"))
}

func yamlToUnstructured(data []byte) (*unstructured.Unstructured, error) {
	jsonData, err := yaml.ToJSON(data)
	if err != nil {
		return nil, err
	}

	u := &unstructured.Unstructured{}
	if err := u.UnmarshalJSON(jsonData); err != nil {
		return nil, err
	}

	gvk := u.GroupVersionKind()
	if gvk.Kind == "" {
		return nil, errors.New("YAML missing Kind")
	}
	if gvk.Version == "" {
		return nil, errors.New("YAML missing apiVersion")
	}
	return u, nil
}

func ptr[T any](v T) *T { return &v }
