// Package templates holds the embedded Kubernetes manifests of an analytics
// instance and renders them by placeholder replacement.
//
// Every manifest file is a multi-document YAML using PLACEHOLDER_ prefixed
// variables:
//
//   - app.yaml: Namespace, Deployment, Service and Ingress of the instance
//   - binding.yaml: the Secret carrying shared-store credentials
//   - artifact.yaml: the Secret carrying the generated config.ini.php
//
// Values that may contain arbitrary bytes are rendered base64-encoded into
// Secret data, so no YAML quoting is needed.
package templates
