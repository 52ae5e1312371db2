// Package domainutils derives platform-visible names from internal instance
// identifiers and validates the user-supplied site details of a binding.
package domainutils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	namePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,39}$`)
	siteNamePattern   = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._'-]*$`)
)

// AppName is the deployed application name (and Kubernetes namespace) for an
// internal identifier, e.g. "analytics-17".
func AppName(prefix string, internalID int) string {
	return fmt.Sprintf("%s-%d", prefix, internalID)
}

// AppHost is the public host name of an instance, e.g. "analytics-17.apps.example.com".
func AppHost(prefix string, internalID int, domain string) string {
	return AppName(prefix, internalID) + "." + strings.TrimPrefix(domain, ".")
}

// AppURL is the https URL of an instance.
func AppURL(prefix string, internalID int, domain string) string {
	return "https://" + AppHost(prefix, internalID, domain)
}

// TablePrefix is the prefix of every table an instance owns in the shared
// data store, e.g. "analytics17_".
func TablePrefix(prefix string, internalID int) string {
	return fmt.Sprintf("%s%d_", prefix, internalID)
}

// ValidateNamePrefix checks that prefix can form DNS labels and table names.
func ValidateNamePrefix(prefix string) error {
	if !namePrefixPattern.MatchString(prefix) {
		return fmt.Errorf("name prefix %q must be 1-40 lowercase letters or digits, starting with a letter", prefix)
	}
	return nil
}

// ValidateSiteName validates the display name of a tracked site
func ValidateSiteName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("site name is required")
	}
	if len(name) > 90 {
		return fmt.Errorf("site name must be at most 90 characters long")
	}
	if !siteNamePattern.MatchString(name) {
		return fmt.Errorf("site name contains unsupported characters")
	}
	return nil
}

// ValidateSiteURL validates the URL of a tracked site. Only absolute http and
// https URLs with a host are accepted.
func ValidateSiteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("site url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("site url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("site url must include a host")
	}
	return nil
}
