package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/deploy/templates"
	"github.com/aliuygur/analytics-broker/internal/sharedstore"
)

const (
	artifactMountPath   = "/var/www/html/config/" + templates.ArtifactFileName
	artifactChecksumKey = "analytics-broker/config-checksum"
)

// KubeConfig holds cluster-side settings of the driver.
type KubeConfig struct {
	AppDomain     string
	IngressClass  string
	TLSSecretName string
	SSHDomain     string
	// RouteService is the in-cluster ingress address public routes point to.
	RouteService string
}

type KubeDriver struct {
	clientset kubernetes.Interface
	applier   Applier
	fetcher   ArtifactFetcher
	routes    RouteRegistrar
	cfg       KubeConfig
}

type KubeOption func(*KubeDriver)

// WithRoutes registers a public route for every deployed instance.
func WithRoutes(r RouteRegistrar) KubeOption {
	return func(d *KubeDriver) { d.routes = r }
}

func NewKubeDriver(clientset kubernetes.Interface, applier Applier, fetcher ArtifactFetcher, cfg KubeConfig, opts ...KubeOption) *KubeDriver {
	d := &KubeDriver{
		clientset: clientset,
		applier:   applier,
		fetcher:   fetcher,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *KubeDriver) Deploy(ctx context.Context, spec DeploySpec) error {
	objs, err := d.appObjects(spec)
	if err != nil {
		return err
	}
	if err := d.applier.Apply(ctx, objs); err != nil {
		return fmt.Errorf("failed to deploy %s: %w", spec.Name, err)
	}

	if d.routes != nil {
		if err := d.routes.AddRoute(ctx, spec.Host, d.cfg.RouteService); err != nil {
			return fmt.Errorf("failed to register route for %s: %w", spec.Name, err)
		}
	}

	appctx.GetLogger(ctx).Info("instance deployed", "name", spec.Name, "host", spec.Host, "image", spec.Image)
	return nil
}

func (d *KubeDriver) Redeploy(ctx context.Context, spec DeploySpec) error {
	if len(spec.ConfigArtifact) == 0 {
		return errors.New("redeploy requires a config artifact")
	}

	artifact, err := render(&templates.Artifact{Namespace: spec.Name, Data: spec.ConfigArtifact})
	if err != nil {
		return err
	}
	app, err := d.appObjects(spec)
	if err != nil {
		return err
	}

	for _, obj := range app {
		if obj.GetKind() == "Deployment" {
			if err := mountArtifact(obj, checksum(spec.ConfigArtifact)); err != nil {
				return err
			}
		}
	}

	// the secret must exist before pods referencing it roll out
	if err := d.applier.Apply(ctx, append(artifact, app...)); err != nil {
		return fmt.Errorf("failed to redeploy %s: %w", spec.Name, err)
	}

	appctx.GetLogger(ctx).Info("instance redeployed", "name", spec.Name, "image", spec.Image)
	return nil
}

// Delete removes the namespace of the instance with everything in it.
// A namespace that is already gone is not an error.
func (d *KubeDriver) Delete(ctx context.Context, name string) error {
	if d.routes != nil {
		if err := d.routes.RemoveRoute(ctx, d.host(name)); err != nil {
			return fmt.Errorf("failed to remove route for %s: %w", name, err)
		}
	}

	err := d.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}

	appctx.GetLogger(ctx).Info("instance deleted", "name", name)
	return nil
}

func (d *KubeDriver) CreateBinding(ctx context.Context, name string, creds sharedstore.Credentials) error {
	objs, err := render(&templates.Binding{
		Namespace:   name,
		Host:        creds.Host,
		Port:        creds.Port,
		Database:    creds.Name,
		User:        creds.User,
		Password:    creds.Password,
		TablePrefix: creds.TablePrefix,
	})
	if err != nil {
		return err
	}
	if err := d.applier.Apply(ctx, objs); err != nil {
		return fmt.Errorf("failed to create binding for %s: %w", name, err)
	}
	return nil
}

func (d *KubeDriver) DeleteBinding(ctx context.Context, name string) error {
	err := d.clientset.CoreV1().Secrets(name).Delete(ctx, templates.BindingSecretName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete binding of %s: %w", name, err)
	}
	return nil
}

func (d *KubeDriver) FetchConfigArtifact(ctx context.Context, name string) ([]byte, error) {
	data, err := d.fetcher.Fetch(ctx, name+"."+d.cfg.SSHDomain)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("config artifact of %s is empty", name)
	}
	return data, nil
}

// host matches the route host the orchestrator derives for an instance.
func (d *KubeDriver) host(name string) string {
	return name + "." + strings.TrimPrefix(d.cfg.AppDomain, ".")
}

// appObjects renders the workload and applies the settings that cannot be
// expressed by placeholders.
func (d *KubeDriver) appObjects(spec DeploySpec) ([]*unstructured.Unstructured, error) {
	objs, err := render(&templates.App{
		Namespace: spec.Name,
		Host:      spec.Host,
		Image:     spec.Image,
		Memory:    spec.Memory,
		Replicas:  spec.Instances,
	})
	if err != nil {
		return nil, err
	}

	for _, obj := range objs {
		switch obj.GetKind() {
		case "Deployment":
			if err := addEnv(obj, spec.Env); err != nil {
				return nil, err
			}
		case "Ingress":
			if err := d.configureIngress(obj, spec.Host); err != nil {
				return nil, err
			}
		}
	}
	return objs, nil
}

func (d *KubeDriver) configureIngress(obj *unstructured.Unstructured, host string) error {
	if d.cfg.IngressClass != "" {
		if err := unstructured.SetNestedField(obj.Object, d.cfg.IngressClass, "spec", "ingressClassName"); err != nil {
			return err
		}
	}
	if d.cfg.TLSSecretName != "" {
		tls := []any{map[string]any{
			"hosts":      []any{host},
			"secretName": d.cfg.TLSSecretName,
		}}
		if err := unstructured.SetNestedSlice(obj.Object, tls, "spec", "tls"); err != nil {
			return err
		}
	}
	return nil
}

func render(m templates.Manifest) ([]*unstructured.Unstructured, error) {
	data, err := m.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", m.Template(), err)
	}
	objs, err := decodeManifests(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", m.Template(), err)
	}
	return objs, nil
}

// updateContainer applies fn to the first container of a Deployment.
func updateContainer(obj *unstructured.Unstructured, fn func(c map[string]any)) error {
	containers, found, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if err != nil {
		return err
	}
	if !found || len(containers) == 0 {
		return errors.New("deployment has no containers")
	}
	c, ok := containers[0].(map[string]any)
	if !ok {
		return errors.New("malformed container")
	}
	fn(c)
	containers[0] = c
	return unstructured.SetNestedSlice(obj.Object, containers, "spec", "template", "spec", "containers")
}

func addEnv(obj *unstructured.Unstructured, env map[string]string) error {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return updateContainer(obj, func(c map[string]any) {
		list, _ := c["env"].([]any)
		for _, k := range keys {
			list = append(list, map[string]any{"name": k, "value": env[k]})
		}
		c["env"] = list
	})
}

// mountArtifact mounts the config artifact secret over the generated file
// and stamps its checksum on the pod template so a changed artifact rolls
// the pods.
func mountArtifact(obj *unstructured.Unstructured, sum string) error {
	err := updateContainer(obj, func(c map[string]any) {
		mounts, _ := c["volumeMounts"].([]any)
		c["volumeMounts"] = append(mounts, map[string]any{
			"name":      "config-artifact",
			"mountPath": artifactMountPath,
			"subPath":   templates.ArtifactFileName,
			"readOnly":  true,
		})
	})
	if err != nil {
		return err
	}

	volumes, _, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "volumes")
	if err != nil {
		return err
	}
	volumes = append(volumes, map[string]any{
		"name":   "config-artifact",
		"secret": map[string]any{"secretName": templates.ArtifactSecretName},
	})
	if err := unstructured.SetNestedSlice(obj.Object, volumes, "spec", "template", "spec", "volumes"); err != nil {
		return err
	}
	return unstructured.SetNestedField(obj.Object, sum, "spec", "template", "metadata", "annotations", artifactChecksumKey)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
