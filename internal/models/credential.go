package models

import "fmt"

// CredentialKind tags the provider shape of a credential record.
// Each kind fixes the set of required fields, so a missing endpoint on an
// Azure credential is a validation error rather than a runtime surprise.
type CredentialKind string

const (
	CredentialKindOpenAI  CredentialKind = "openai"  // {api_key}
	CredentialKindAzure   CredentialKind = "azure"   // {api_key, endpoint, api_version, deployment_name}
	CredentialKindVLLM    CredentialKind = "vllm"    // {api_key, endpoint}
	CredentialKindGeneric CredentialKind = "generic" // {api_key}
)

// Credential field names resolvable via Field
const (
	CredentialFieldAPIKey         = "api_key"
	CredentialFieldEndpoint       = "endpoint"
	CredentialFieldAPIVersion     = "api_version"
	CredentialFieldDeploymentName = "deployment_name"
)

// Credential is a tenant-provided provider credential. Secret fields are
// stored envelope-wrapped (enc:<cipher>:<version>:<ciphertext>).
type Credential struct {
	Kind           CredentialKind `json:"kind"`
	APIKey         string         `json:"api_key"`
	Endpoint       string         `json:"endpoint,omitempty"`
	APIVersion     string         `json:"api_version,omitempty"`
	DeploymentName string         `json:"deployment_name,omitempty"`
}

// Field returns the named field's raw (possibly enveloped) value.
func (c Credential) Field(name string) (string, bool) {
	switch name {
	case CredentialFieldAPIKey:
		return c.APIKey, c.APIKey != ""
	case CredentialFieldEndpoint:
		return c.Endpoint, c.Endpoint != ""
	case CredentialFieldAPIVersion:
		return c.APIVersion, c.APIVersion != ""
	case CredentialFieldDeploymentName:
		return c.DeploymentName, c.DeploymentName != ""
	}
	return "", false
}

// RequiredFields returns the fields a credential of this kind must carry.
func (c Credential) RequiredFields() []string {
	switch c.Kind {
	case CredentialKindAzure:
		return []string{CredentialFieldAPIKey, CredentialFieldEndpoint, CredentialFieldAPIVersion, CredentialFieldDeploymentName}
	case CredentialKindVLLM:
		return []string{CredentialFieldAPIKey, CredentialFieldEndpoint}
	default:
		return []string{CredentialFieldAPIKey}
	}
}

// Validate checks that all required fields for the kind are present.
func (c Credential) Validate() error {
	for _, field := range c.RequiredFields() {
		if _, ok := c.Field(field); !ok {
			return fmt.Errorf("credential kind %q is missing required field %q", c.Kind, field)
		}
	}
	return nil
}
