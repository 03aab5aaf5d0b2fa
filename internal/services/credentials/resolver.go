package credentials

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/models"
)

// Resolver resolves API keys, credential fields, federation configs, and
// OIDC redirect URIs for one tenant snapshot. It is stateless: each call
// resolves independently, and resolvers for different tenants share nothing
// mutable. Construct with a nil tenant for single-tenant mode.
type Resolver struct {
	tenant      *models.Tenant
	tenants     common.TenantsConfig
	federation  common.FederationConfig
	environment string
	crypto      *Encryptor
}

// NewResolver creates a resolver over one tenant snapshot
func NewResolver(tenant *models.Tenant, config *common.Config, crypto *Encryptor) *Resolver {
	return &Resolver{
		tenant:      tenant,
		tenants:     config.Tenants,
		federation:  config.Federation,
		environment: config.Environment,
		crypto:      crypto,
	}
}

// strictCredentials reports whether per-tenant credential mode is on
func (r *Resolver) strictCredentials() bool {
	return r.tenants.CredentialsEnabled
}

// APIKey resolves the api_key for a provider. Strict mode requires the
// tenant to carry its own credential; single-tenant mode falls back to the
// provider's environment variable.
func (r *Resolver) APIKey(provider string) (string, error) {
	if r.tenant != nil {
		if cred, ok := r.tenant.Credential(provider); ok {
			raw, ok := cred.Field(models.CredentialFieldAPIKey)
			if !ok {
				return "", fmt.Errorf("tenant %s credential for %s has no api_key", r.tenant.ID, provider)
			}
			return r.crypto.Decrypt(raw)
		}

		if r.strictCredentials() {
			return "", fmt.Errorf("tenant %s has no %s credential configured and strict credential mode is enabled", r.tenant.ID, provider)
		}
	} else if r.strictCredentials() {
		return "", fmt.Errorf("strict credential mode requires a tenant, none given")
	}

	if key := os.Getenv(providerEnvVar(provider)); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no %s credential configured", provider)
}

// CredentialField resolves a named field from the tenant's credential record.
//
// A tenant that configured a credential for a provider has opted into its own
// infrastructure: a field missing from that record raises when required and
// never falls back to the global value in strict mode. A provider with no
// credential at all resolves to nothing in strict mode and to the fallback
// otherwise; the caller decides whether an empty result is fatal.
func (r *Resolver) CredentialField(provider, field, fallback string, required bool) (string, error) {
	if r.tenant != nil {
		if cred, ok := r.tenant.Credential(provider); ok {
			if raw, ok := cred.Field(field); ok {
				return r.crypto.Decrypt(raw)
			}
			if required {
				return "", fmt.Errorf("tenant %s credential for %s is missing required field %s", r.tenant.ID, provider, field)
			}
			if r.strictCredentials() {
				return "", nil
			}
			return fallback, nil
		}
	}

	if r.strictCredentials() {
		return "", nil
	}
	return fallback, nil
}

// FederationConfig resolves the OIDC federation record. In per-tenant mode
// the tenant row is authoritative and its client secret must be enveloped;
// otherwise only the global settings are read, even when a tenant row exists.
func (r *Resolver) FederationConfig() (*models.FederationRecord, error) {
	if !r.tenants.FederationPerTenant {
		if r.federation.OIDCClientID == "" || r.federation.OIDCDiscoveryEndpoint == "" {
			return nil, fmt.Errorf("global OIDC federation is not configured")
		}
		return &models.FederationRecord{
			Provider:              "oidc",
			ClientID:              r.federation.OIDCClientID,
			ClientSecret:          r.federation.OIDCClientSecret,
			DiscoveryEndpoint:     r.federation.OIDCDiscoveryEndpoint,
			CanonicalPublicOrigin: strings.TrimSuffix(r.federation.PublicOrigin, "/"),
			RedirectPath:          r.federation.DefaultRedirectPath,
		}, nil
	}

	if r.tenant == nil || r.tenant.Federation == nil {
		tenantID := "unknown"
		if r.tenant != nil {
			tenantID = r.tenant.ID
		}
		return nil, fmt.Errorf("tenant %s has no federation configured; set it via PUT /api/v1/tenants/%s/federation", tenantID, tenantID)
	}

	record := *r.tenant.Federation
	secret, err := r.crypto.Decrypt(record.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap federation client secret for tenant %s: %w", r.tenant.ID, err)
	}
	record.ClientSecret = secret
	record.CanonicalPublicOrigin = strings.TrimSuffix(record.CanonicalPublicOrigin, "/")

	return &record, nil
}

// RedirectURI builds the OIDC redirect URI from the resolved federation
// origin. Origins must be https; plain http is allowed only for localhost
// during development.
func (r *Resolver) RedirectURI() (string, error) {
	record, err := r.FederationConfig()
	if err != nil {
		return "", err
	}

	origin := record.CanonicalPublicOrigin
	if origin == "" {
		origin = strings.TrimSuffix(r.federation.PublicOrigin, "/")
	}
	if origin == "" {
		return "", fmt.Errorf("no public origin configured for redirect URI")
	}

	if !validOrigin(origin, r.environment == "development") {
		return "", fmt.Errorf("public origin %s must use https", origin)
	}

	path := record.RedirectPath
	if path == "" {
		path = r.federation.DefaultRedirectPath
	}
	if path == "" {
		path = "/login/callback"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return strings.TrimSuffix(origin, "/") + path, nil
}

func validOrigin(origin string, development bool) bool {
	if strings.HasPrefix(origin, "https://") {
		return true
	}
	if development {
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
	}
	return false
}

// providerEnvVar maps a provider name to its global environment variable
func providerEnvVar(provider string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return cleaned + "_API_KEY"
}
