// Package catalog exposes the installable releases and plan kinds.
//
// The catalog is read-only for the orchestrator. It is loaded once at startup
// from a YAML file, or from the embedded default when no file is configured.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// PlanKind names a deployment topology.
type PlanKind string

const (
	PlanSharedDatabase    PlanKind = "shared-database"
	PlanDedicatedDatabase PlanKind = "dedicated-database"
	PlanDedicatedCluster  PlanKind = "dedicated-cluster"
)

type Service struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	Description    string `yaml:"description" json:"description"`
	Bindable       bool   `yaml:"bindable" json:"bindable"`
	PlanUpdateable bool   `yaml:"plan_updateable" json:"plan_updateable"`
}

type Plan struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Kind        PlanKind `yaml:"kind" json:"-"`
	Description string   `yaml:"description" json:"description"`
}

type Release struct {
	Version string `yaml:"version"`
	Image   string `yaml:"image"`
}

type releases struct {
	Default  string    `yaml:"default"`
	Versions []Release `yaml:"versions"`
}

// Catalog is immutable after Load.
type Catalog struct {
	Service  Service  `yaml:"service"`
	Plans    []Plan   `yaml:"plans"`
	Releases releases `yaml:"releases"`
}

// Load reads the catalog at path, or the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path) // nolint: gosec
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if c.Service.ID == "" || c.Service.Name == "" {
		return fmt.Errorf("catalog: service id and name are required")
	}
	if len(c.Plans) == 0 {
		return fmt.Errorf("catalog: at least one plan is required")
	}
	for _, p := range c.Plans {
		if p.ID == "" || p.Kind == "" {
			return fmt.Errorf("catalog: plan %q needs an id and a kind", p.Name)
		}
	}
	if len(c.Releases.Versions) == 0 {
		return fmt.Errorf("catalog: at least one release is required")
	}
	for _, r := range c.Releases.Versions {
		if r.Version == "" || r.Image == "" {
			return fmt.Errorf("catalog: release %q needs a version and an image", r.Version)
		}
	}
	if c.Releases.Default != "" {
		if _, ok := c.Release(c.Releases.Default); !ok {
			return fmt.Errorf("catalog: default release %q is not listed", c.Releases.Default)
		}
	}
	return nil
}

// PlanByID returns the plan with the given broker plan id.
func (c *Catalog) PlanByID(id string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanByKind returns the first plan of the given kind.
func (c *Catalog) PlanByKind(kind PlanKind) (Plan, bool) {
	for _, p := range c.Plans {
		if p.Kind == kind {
			return p, true
		}
	}
	return Plan{}, false
}

// Release returns the release with exactly the given version.
func (c *Catalog) Release(version string) (Release, bool) {
	for _, r := range c.Releases.Versions {
		if r.Version == version {
			return r, true
		}
	}
	return Release{}, false
}

// Versions lists the installable versions in ascending order.
func (c *Catalog) Versions() []string {
	out := make([]string, 0, len(c.Releases.Versions))
	for _, r := range c.Releases.Versions {
		out = append(out, r.Version)
	}
	slices.SortFunc(out, compareVersions)
	return out
}

// Latest returns the highest listed version.
func (c *Catalog) Latest() Release {
	versions := c.Versions()
	r, _ := c.Release(versions[len(versions)-1])
	return r
}

// Default returns the release installed when the caller names none. It is
// the configured default, or the latest release.
func (c *Catalog) Default() Release {
	if r, ok := c.Release(c.Releases.Default); ok {
		return r
	}
	return c.Latest()
}

// Resolve maps "", "default" and "latest" to a concrete release.
func (c *Catalog) Resolve(version string) (Release, bool) {
	switch version {
	case "", "default":
		return c.Default(), true
	case "latest":
		return c.Latest(), true
	default:
		return c.Release(version)
	}
}

// compareVersions orders dotted numeric versions; non-numeric parts compare
// lexically.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ap, bp string
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}
		an, aerr := strconv.Atoi(ap)
		bn, berr := strconv.Atoi(bp)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				return an - bn
			}
		default:
			if c := strings.Compare(ap, bp); c != 0 {
				return c
			}
		}
	}
	return 0
}
