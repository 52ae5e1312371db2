// Package deploy runs analytics instances on a container platform.
//
// The orchestrator only sees the Driver interface; KubeDriver implements it
// on Kubernetes with one namespace per instance.
package deploy

import (
	"context"

	"github.com/aliuygur/analytics-broker/internal/sharedstore"
)

// DeploySpec describes one instance workload.
type DeploySpec struct {
	Name      string // deployed name, also the namespace
	Host      string // public route
	Image     string
	Memory    string
	Instances int
	Env       map[string]string
	// ConfigArtifact is mounted into the workload when set.
	ConfigArtifact []byte
}

type Driver interface {
	Deploy(ctx context.Context, spec DeploySpec) error
	// Redeploy rolls the workload out again with spec.ConfigArtifact mounted.
	Redeploy(ctx context.Context, spec DeploySpec) error
	Delete(ctx context.Context, name string) error
	CreateBinding(ctx context.Context, name string, creds sharedstore.Credentials) error
	DeleteBinding(ctx context.Context, name string) error
	FetchConfigArtifact(ctx context.Context, name string) ([]byte, error)
}

// ArtifactFetcher reads the generated configuration file from a running
// instance reachable at host.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, host string) ([]byte, error)
}

// RouteRegistrar publishes instance hosts outside the cluster.
type RouteRegistrar interface {
	AddRoute(ctx context.Context, hostname, service string) error
	RemoveRoute(ctx context.Context, hostname string) error
}
