package apikeys

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/models"
)

// AuditRecorder emits audit entries for policy denials
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// Service enforces tenant policy on API key creation and use
type Service struct {
	audit  AuditRecorder
	logger arbor.ILogger
}

// NewService creates an API key policy service
func NewService(audit AuditRecorder, logger arbor.ILogger) *Service {
	return &Service{
		audit:  audit,
		logger: logger,
	}
}

// CreatorContext carries the creator's permissions relevant to key issuance
type CreatorContext struct {
	UserID          string
	TenantAdmin     bool
	ScopePermission bool // space admin / assistant or app editor on the target scope
}

// ValidateCreate checks a new key against the taxonomy rules and the
// tenant's issuance policy. The key's Type must already be derived from its
// prefix.
func (s *Service) ValidateCreate(tenant *models.Tenant, key *models.APIKey, creator CreatorContext) error {
	keyType, ok := models.KeyTypeFromPrefix(key.Key)
	if !ok {
		return fmt.Errorf("api key must start with pk_ or sk_")
	}
	if key.Type != keyType {
		return fmt.Errorf("api key type %s does not match key prefix", key.Type)
	}

	switch key.Type {
	case models.APIKeyTypePublishable:
		if key.AdminAccess {
			return fmt.Errorf("publishable keys cannot carry admin access")
		}
		if len(key.AllowedOrigins) == 0 {
			return fmt.Errorf("publishable keys must declare allowed_origins")
		}
		if len(key.AllowedIPs) > 0 {
			return fmt.Errorf("publishable keys cannot declare allowed_ips")
		}
	case models.APIKeyTypeSecret:
		if len(key.AllowedOrigins) > 0 {
			return fmt.Errorf("secret keys cannot declare allowed_origins")
		}
	}

	if err := validateScope(key); err != nil {
		return err
	}
	if key.ScopeType == models.ScopeTenant {
		if !creator.TenantAdmin {
			return fmt.Errorf("tenant-scoped keys require tenant admin permission")
		}
	} else if !creator.TenantAdmin && !creator.ScopePermission {
		return fmt.Errorf("%s-scoped keys require permission on the target %s", key.ScopeType, key.ScopeType)
	}

	policy := tenant.APIKeyPolicy
	for _, origin := range key.AllowedOrigins {
		if !validOriginFormat(origin) {
			return fmt.Errorf("origin %q must include a scheme or be localhost", origin)
		}
		if policy != nil && len(policy.AllowedOrigins) > 0 && !originAllowed(origin, policy.AllowedOrigins) {
			return fmt.Errorf("origin %q is not permitted by tenant policy", origin)
		}
	}

	for _, ip := range key.AllowedIPs {
		if !validIPOrCIDR(ip) {
			return fmt.Errorf("allowed ip %q is not a valid IP address or CIDR range", ip)
		}
	}

	if policy != nil {
		if policy.RequireExpiration && key.ExpiresAt == nil {
			return fmt.Errorf("tenant policy requires an expiration date")
		}
		if policy.MaxExpirationDays > 0 && key.ExpiresAt != nil {
			max := time.Now().Add(time.Duration(policy.MaxExpirationDays) * 24 * time.Hour)
			if key.ExpiresAt.After(max) {
				return fmt.Errorf("expiration exceeds tenant maximum of %d days", policy.MaxExpirationDays)
			}
		}
	}

	if err := validateRateLimit(key, policy, creator); err != nil {
		return err
	}

	for resource, level := range key.ResourcePermissions {
		if models.ParsePermissionLevel(level) == models.PermissionNone && level != "none" {
			return fmt.Errorf("unknown permission level %q for resource %q", level, resource)
		}
	}

	return nil
}

func validateScope(key *models.APIKey) error {
	switch key.ScopeType {
	case models.ScopeTenant:
		if key.ScopeID != "" {
			return fmt.Errorf("tenant-scoped keys must not carry a scope_id")
		}
	case models.ScopeSpace, models.ScopeAssistant, models.ScopeApp:
		if key.ScopeID == "" {
			return fmt.Errorf("%s-scoped keys require a scope_id", key.ScopeType)
		}
	default:
		return fmt.Errorf("invalid scope type %q", key.ScopeType)
	}
	return nil
}

func validateRateLimit(key *models.APIKey, policy *models.APIKeyPolicy, creator CreatorContext) error {
	if key.RateLimit == nil {
		return nil
	}
	limit := *key.RateLimit
	switch {
	case limit == -1:
		if !creator.TenantAdmin {
			return fmt.Errorf("unlimited rate limit requires tenant admin permission")
		}
	case limit <= 0:
		return fmt.Errorf("rate_limit must be -1, unset, or a positive integer")
	default:
		if policy != nil && policy.MaxRateLimitOverride > 0 && limit > policy.MaxRateLimitOverride {
			return fmt.Errorf("rate_limit %d exceeds tenant maximum of %d", limit, policy.MaxRateLimitOverride)
		}
	}
	return nil
}

// Request carries the request attributes the use-time guardrails inspect
type Request struct {
	Method       string
	Path         string
	Origin       string
	ClientIP     string
	ResourceType string
	ReadOverride bool // POST endpoint explicitly treated as a read
}

// Authorize applies the use-time guardrails: effective state, origin and IP
// allowlists, and resource permission level. Every denial emits an
// API_KEY_AUTH_FAILED audit entry with the denial context.
func (s *Service) Authorize(ctx context.Context, tenant *models.Tenant, key *models.APIKey, req Request) error {
	now := time.Now()

	if state := key.EffectiveState(now); state != models.APIKeyStateActive {
		return s.deny(ctx, key, req, fmt.Sprintf("api key is %s", state), nil)
	}

	if key.Type == models.APIKeyTypePublishable {
		// The request origin must satisfy both the tenant's patterns and the
		// key's own list: the effective allowlist is the intersection.
		if req.Origin == "" {
			return s.deny(ctx, key, req, "publishable key requests must carry an origin", nil)
		}
		if !originAllowed(req.Origin, key.AllowedOrigins) {
			return s.deny(ctx, key, req, "origin not in key allowlist", nil)
		}
		if tenant.APIKeyPolicy != nil && len(tenant.APIKeyPolicy.AllowedOrigins) > 0 &&
			!originAllowed(req.Origin, tenant.APIKeyPolicy.AllowedOrigins) {
			return s.deny(ctx, key, req, "origin not permitted by tenant policy", nil)
		}
	}

	if key.Type == models.APIKeyTypeSecret && len(key.AllowedIPs) > 0 {
		if !ipAllowed(req.ClientIP, key.AllowedIPs) {
			return s.deny(ctx, key, req, "client ip not in key allowlist", nil)
		}
	}

	if req.ResourceType != "" && len(key.ResourcePermissions) > 0 {
		required := RequiredLevel(req.Method, req.ReadOverride)
		granted := models.ParsePermissionLevel(key.ResourcePermissions[req.ResourceType])
		if granted < required {
			denial := map[string]interface{}{
				"resource_type":  req.ResourceType,
				"required_level": required.String(),
				"granted_level":  granted.String(),
			}
			return s.deny(ctx, key, req, "insufficient resource permission", denial)
		}
	}

	return nil
}

// RequiredLevel maps an HTTP method to the permission level it needs.
// Unknown methods require admin.
func RequiredLevel(method string, readOverride bool) models.PermissionLevel {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return models.PermissionRead
	case "POST":
		if readOverride {
			return models.PermissionRead
		}
		return models.PermissionWrite
	case "PATCH", "PUT":
		return models.PermissionWrite
	case "DELETE":
		return models.PermissionAdmin
	default:
		return models.PermissionAdmin
	}
}

// deny records the denial and returns the policy error
func (s *Service) deny(ctx context.Context, key *models.APIKey, req Request, reason string, denial map[string]interface{}) error {
	metadata := map[string]interface{}{
		"path":   req.Path,
		"method": req.Method,
	}
	if req.Origin != "" {
		metadata["origin"] = req.Origin
	}
	if denial != nil {
		metadata["denial"] = denial
	}

	if s.audit != nil {
		s.audit.Record(ctx, &models.AuditLog{
			ID:           common.NewID(),
			TenantID:     key.TenantID,
			ActorID:      key.ID,
			ActorType:    models.ActorTypeAPIKey,
			Action:       models.ActionAPIKeyAuthFailed,
			EntityType:   "api_key",
			EntityID:     key.ID,
			Description:  reason,
			Outcome:      models.OutcomeFailure,
			ErrorMessage: reason,
			Metadata:     metadata,
		})
	}

	return fmt.Errorf("api key denied: %s", reason)
}

// validOriginFormat requires a scheme, or bare localhost
func validOriginFormat(origin string) bool {
	if origin == "localhost" || strings.HasPrefix(origin, "localhost:") {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// originAllowed matches an origin against patterns. A *.example.com pattern
// matches exactly one label below example.com.
func originAllowed(origin string, patterns []string) bool {
	host := originHost(origin)
	for _, pattern := range patterns {
		patternHost := originHost(pattern)
		if strings.HasPrefix(patternHost, "*.") {
			base := strings.TrimPrefix(patternHost, "*.")
			if rest, ok := strings.CutSuffix(host, "."+base); ok && rest != "" && !strings.Contains(rest, ".") {
				return true
			}
			continue
		}
		if host == patternHost {
			return true
		}
	}
	return false
}

// originHost strips the scheme and port from an origin or pattern
func originHost(origin string) string {
	s := origin
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s, "]") {
		s = s[:idx]
	}
	return strings.ToLower(s)
}

// ipAllowed reports whether the client IP falls inside the allowlist
func ipAllowed(clientIP string, allowed []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// validIPOrCIDR accepts an IPv4/IPv6 address or CIDR range
func validIPOrCIDR(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
