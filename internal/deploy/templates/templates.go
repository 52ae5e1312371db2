package templates

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"strconv"
)

//go:embed manifests/*.yaml
var manifests embed.FS

// Object names inside an instance namespace.
const (
	AppName            = "analytics"
	BindingSecretName  = "binding"
	ArtifactSecretName = "config-artifact"
	ArtifactFileName   = "config.ini.php"
	ManagedByLabel     = "analytics-broker"
)

// Manifest is one renderable template.
type Manifest interface {
	Template() string
	Content() ([]byte, error)
}

// App renders the workload of an instance.
type App struct {
	Namespace string
	Host      string
	Image     string
	Memory    string
	Replicas  int
}

func (t *App) Template() string {
	return "manifests/app.yaml"
}

func (t *App) Content() ([]byte, error) {
	if t.Replicas < 1 {
		return nil, fmt.Errorf("replicas must be positive, got %d", t.Replicas)
	}
	return renderTemplate(t.Template(), map[string]string{
		"PLACEHOLDER_NAMESPACE": t.Namespace,
		"PLACEHOLDER_HOST":      t.Host,
		"PLACEHOLDER_IMAGE":     t.Image,
		"PLACEHOLDER_MEMORY":    t.Memory,
		"PLACEHOLDER_REPLICAS":  strconv.Itoa(t.Replicas),
	})
}

// Binding renders the shared-store credentials secret.
type Binding struct {
	Namespace   string
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	TablePrefix string
}

func (t *Binding) Template() string {
	return "manifests/binding.yaml"
}

func (t *Binding) Content() ([]byte, error) {
	return renderTemplate(t.Template(), map[string]string{
		"PLACEHOLDER_NAMESPACE":    t.Namespace,
		"PLACEHOLDER_DB_HOST":      b64(t.Host),
		"PLACEHOLDER_DB_PORT":      b64(strconv.Itoa(t.Port)),
		"PLACEHOLDER_DB_NAME":      b64(t.Database),
		"PLACEHOLDER_DB_USER":      b64(t.User),
		"PLACEHOLDER_DB_PASSWORD":  b64(t.Password),
		"PLACEHOLDER_TABLE_PREFIX": b64(t.TablePrefix),
	})
}

// Artifact renders the secret holding the generated configuration file.
type Artifact struct {
	Namespace string
	Data      []byte
}

func (t *Artifact) Template() string {
	return "manifests/artifact.yaml"
}

func (t *Artifact) Content() ([]byte, error) {
	if len(t.Data) == 0 {
		return nil, fmt.Errorf("config artifact is empty")
	}
	return renderTemplate(t.Template(), map[string]string{
		"PLACEHOLDER_NAMESPACE": t.Namespace,
		"PLACEHOLDER_ARTIFACT":  base64.StdEncoding.EncodeToString(t.Data),
	})
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func renderTemplate(template string, substitutions map[string]string) ([]byte, error) {
	b, err := manifests.ReadFile(template)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded template: %w", err)
	}
	for placeholder, value := range substitutions {
		b = bytes.ReplaceAll(b, []byte(placeholder), []byte(value))
	}
	if i := bytes.Index(b, []byte("PLACEHOLDER_")); i >= 0 {
		end := bytes.IndexAny(b[i:], " \n\"")
		if end < 0 {
			end = len(b) - i
		}
		return nil, fmt.Errorf("template %s: unresolved %s", template, b[i:i+end])
	}
	return b, nil
}
