package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultAPIVersion is the Dataverse Web API version used when
// DATAVERSE_API_VERSION is not set.
const DefaultAPIVersion = "9.2"

// DefaultLoginBaseURL is the Microsoft identity platform endpoint used when
// DATAVERSE_LOGIN_BASE_URL is not set.
const DefaultLoginBaseURL = "https://login.microsoftonline.com"

type Config struct {
	OrganizationURL string
	TenantID        string
	ClientID        string
	ClientSecret    string
	APIVersion      string
	LoginBaseURL    string
}

func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		OrganizationURL: os.Getenv("DATAVERSE_ORG_URL"),
		TenantID:        os.Getenv("DATAVERSE_TENANT_ID"),
		ClientID:        os.Getenv("DATAVERSE_CLIENT_ID"),
		ClientSecret:    os.Getenv("DATAVERSE_CLIENT_SECRET"),
		APIVersion:      os.Getenv("DATAVERSE_API_VERSION"),
		LoginBaseURL:    os.Getenv("DATAVERSE_LOGIN_BASE_URL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.OrganizationURL == "" {
		return fmt.Errorf("DATAVERSE_ORG_URL is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("DATAVERSE_TENANT_ID is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("DATAVERSE_CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("DATAVERSE_CLIENT_SECRET is required")
	}
	// APIVersion and LoginBaseURL are optional, defaults are applied on read
	return nil
}

// NormalizedOrganizationURL returns the organization URL with a trailing
// slash, the form every Web API path is joined onto.
func (c *Config) NormalizedOrganizationURL() string {
	if strings.HasSuffix(c.OrganizationURL, "/") {
		return c.OrganizationURL
	}
	return c.OrganizationURL + "/"
}

// ResolvedAPIVersion returns the configured API version or the default.
func (c *Config) ResolvedAPIVersion() string {
	if c.APIVersion == "" {
		return DefaultAPIVersion
	}
	return c.APIVersion
}

// TokenURL returns the OAuth2 token endpoint for the configured tenant.
func (c *Config) TokenURL() string {
	base := c.LoginBaseURL
	if base == "" {
		base = DefaultLoginBaseURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimSuffix(base, "/"), c.TenantID)
}

// Scope returns the client-credentials scope for the configured
// organization, e.g. "https://instance.crm.dynamics.com/.default".
func (c *Config) Scope() string {
	return c.NormalizedOrganizationURL() + ".default"
}
