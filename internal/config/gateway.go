// Package config provides configuration types for the gateway.
//
// GatewayConfig is the multi-tenant schema: YAML via spf13/viper,
// struct-tag validation via go-playground/validator, with one config
// describing N independently-routable Profiles.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// GatewayConfig is the top-level configuration for cmd/gatewayd.
type GatewayConfig struct {
	// Server configures the HTTP listener serving every profile's
	// /{profile_id}/mcp endpoint.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures file-based identities and API keys. An API key
	// authenticates a caller; which profiles it may reach is then governed
	// by the matching Profile.AllowedIdentityIDs.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the fixed-window limiter shared by every
	// profile; Profile.RateLimit overrides it per-profile when set.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Audit holds the audit output settings. They are validated and
	// defaulted by SetDefaults; no component writes audit records.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// AuditFile configures file-based audit persistence when Audit.Output
	// is "file://...".
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// IdleTeardown is how long a profile may sit with zero attached
	// sessions before ProfileSupervisor tears its upstream clients down.
	// Duration string, e.g. "120s"; defaults to 120s if empty.
	IdleTeardown string `yaml:"idle_teardown" mapstructure:"idle_teardown"`

	// SessionIdleTimeout is how long a downstream session may go without a
	// request or SSE attach before it is destroyed. Duration string, e.g.
	// "300s"; defaults to 5m if empty.
	SessionIdleTimeout string `yaml:"session_idle_timeout" mapstructure:"session_idle_timeout"`

	// ContractEventsDB is the path of the SQLite database persisting the
	// contract_events log across restarts. Empty keeps the log in memory
	// only (bounded ring, no replay past a restart).
	ContractEventsDB string `yaml:"contract_events_db" mapstructure:"contract_events_db"`

	// StateDB is the path of the SQLite database persisting rate-limit and
	// quota counters, so quotas survive restarts. Empty keeps counters in
	// memory.
	StateDB string `yaml:"state_db" mapstructure:"state_db"`

	// Profiles enumerates every tenant profile this gateway serves,
	// keyed by ProfileConfig.ID in the /{profile_id}/mcp path.
	Profiles []ProfileConfig `yaml:"profiles" mapstructure:"profiles" validate:"dive"`
}

// ProfileConfig is the static, file-configured description of one tenant
// profile: its upstreams, local tool sources, transform overrides,
// allowlist, and capability/notification policy.
type ProfileConfig struct {
	// ID is the profile_id path segment: a lowercase UUIDv4 (lowercase is
	// checked in GatewayConfig.Validate, since validator/v10 has no
	// built-in case-sensitive uuid4 tag).
	ID string `yaml:"id" mapstructure:"id" validate:"required,uuid4"`

	// AllowedIdentityIDs restricts which Auth.Identities may open a
	// session against this profile. Empty means any authenticated
	// identity may attach.
	AllowedIdentityIDs []string `yaml:"allowed_identity_ids" mapstructure:"allowed_identity_ids"`

	// Upstreams are the MCP servers this profile aggregates.
	Upstreams []UpstreamEndpointConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"dive"`

	// ToolSources are local tool-source executors this profile merges
	// into its catalog alongside upstream tools.
	ToolSources []ToolSourceConfig `yaml:"tool_sources" mapstructure:"tool_sources" validate:"dive"`

	// Allowlist is accepted in YAML but not read: the merged catalog is
	// filtered only by each upstream's own UpstreamEndpointConfig.Allowlist.
	Allowlist []string `yaml:"allowlist" mapstructure:"allowlist"`

	// Transform holds per-tool rename/description/param overrides, keyed
	// by the tool's original name, applied by transform.Engine.
	Transform map[string]ToolOverrideConfig `yaml:"transform" mapstructure:"transform"`

	// Capabilities gates which MCP server capabilities this profile's
	// sessions negotiate.
	Capabilities CapabilityPolicyConfig `yaml:"capabilities" mapstructure:"capabilities"`

	// Notifications gates which upstream notification methods are
	// forwarded to downstream sessions.
	Notifications NotificationPolicyConfig `yaml:"notifications" mapstructure:"notifications"`

	// Namespacing selects how request ids and SSE event ids are
	// namespaced across upstreams.
	Namespacing NamespacingConfig `yaml:"namespacing" mapstructure:"namespacing"`

	// SignedProxiedRequestIDs HMAC-signs proxied server-request ids so a
	// tampered id returning from a downstream client is detected and the
	// response dropped. Defaults to true when omitted.
	SignedProxiedRequestIDs *bool `yaml:"signed_proxied_request_ids" mapstructure:"signed_proxied_request_ids"`

	// RateLimit overrides the gateway-wide RateLimitConfig for this
	// profile's sessions when set (zero value means "use the gateway
	// default").
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// ToolCallTimeoutSecs caps every tools/call on this profile; the
	// effective per-call deadline is the minimum of this, the matching
	// tool policy's timeout, and the 120s default.
	ToolCallTimeoutSecs int `yaml:"tool_call_timeout_secs" mapstructure:"tool_call_timeout_secs" validate:"omitempty,min=1"`

	// ToolPolicies configures per-tool retry/timeout policy, keyed by the
	// tool's ORIGINAL name; the empty key sets the profile default.
	ToolPolicies map[string]ToolPolicyConfig `yaml:"tool_policies" mapstructure:"tool_policies" validate:"omitempty,dive"`
}

// NamespacingConfig selects the textual form of proxied request ids and
// namespaced SSE event ids.
type NamespacingConfig struct {
	// RequestID is "opaque" (default) or "readable".
	RequestID string `yaml:"request_id" mapstructure:"request_id" validate:"omitempty,oneof=opaque readable"`
	// SSEEventID is "upstream-slash" (default) or "none".
	SSEEventID string `yaml:"sse_event_id" mapstructure:"sse_event_id" validate:"omitempty,oneof=upstream-slash none"`
}

// ToolPolicyConfig mirrors broker.ToolPolicy for YAML unmarshaling.
type ToolPolicyConfig struct {
	MaximumAttempts        int      `yaml:"maximum_attempts" mapstructure:"maximum_attempts" validate:"omitempty,min=1"`
	InitialIntervalMs      int      `yaml:"initial_interval_ms" mapstructure:"initial_interval_ms" validate:"omitempty,min=1"`
	BackoffCoefficient     float64  `yaml:"backoff_coefficient" mapstructure:"backoff_coefficient"`
	MaximumIntervalMs      int      `yaml:"maximum_interval_ms" mapstructure:"maximum_interval_ms" validate:"omitempty,min=1"`
	TimeoutSecs            int      `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"omitempty,min=1"`
	NonRetryableErrorTypes []string `yaml:"non_retryable_error_types" mapstructure:"non_retryable_error_types" validate:"dive,oneof=Timeout Transport Upstream5xx Deserialize Auth InvalidArgument NotFound"`
}

// UpstreamEndpointConfig describes one upstream MCP server a profile
// aggregates, reached over streamable-HTTP (internal/adapter/outbound/mcp).
type UpstreamEndpointConfig struct {
	// ID namespaces this upstream's tools/resources/prompts within the
	// profile's merged catalog and its idcodec request-id proxying.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// URL is the upstream's streamable-HTTP endpoint.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// InitializeArgs is the raw JSON "params" sent with this upstream's
	// "initialize" call (protocol version, client info, capabilities).
	// Changing it triggers a reconnect on ProfileSupervisor.Reconfigure.
	InitializeArgs string `yaml:"initialize_args" mapstructure:"initialize_args"`

	// Auth configures how requests to URL authenticate.
	Auth EndpointAuthConfig `yaml:"auth" mapstructure:"auth"`

	// Allowlist restricts which of this upstream's tools are eligible for
	// the profile's merged catalog, keyed by original tool name; empty
	// means every tool this upstream advertises is eligible.
	Allowlist []string `yaml:"allowlist" mapstructure:"allowlist"`
}

// EndpointAuthConfig configures outbound authentication to an upstream or
// HTTP tool source, mirroring mcp.EndpointAuth's Kind discriminator.
type EndpointAuthConfig struct {
	// Kind is one of "none", "bearer", "basic", "header", "query".
	Kind        string `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=none bearer basic header query"`
	BearerToken string `yaml:"bearer_token" mapstructure:"bearer_token"`
	BasicUser   string `yaml:"basic_user" mapstructure:"basic_user"`
	BasicPass   string `yaml:"basic_pass" mapstructure:"basic_pass"`
	HeaderName  string `yaml:"header_name" mapstructure:"header_name"`
	HeaderValue string `yaml:"header_value" mapstructure:"header_value"`
	QueryName   string `yaml:"query_name" mapstructure:"query_name"`
	QueryValue  string `yaml:"query_value" mapstructure:"query_value"`
}

// ToolSourceConfig describes one local tool-source executor a profile
// attaches, backed by internal/adapter/outbound/toolsource/{http,openapi}.
// Spec is decoded by cmd/gatewayd into the kind-specific httptoolsource.Spec
// or openapi.Spec (kept as a free-form map here so GatewayConfig doesn't
// need to import either adapter package).
type ToolSourceConfig struct {
	ID   string                 `yaml:"id" mapstructure:"id" validate:"required"`
	Kind string                 `yaml:"kind" mapstructure:"kind" validate:"required,oneof=http openapi"`
	Spec map[string]interface{} `yaml:"spec" mapstructure:"spec" validate:"required"`
}

// ToolOverrideConfig mirrors transform.ToolOverride for YAML unmarshaling.
type ToolOverrideConfig struct {
	Rename      string                         `yaml:"rename" mapstructure:"rename"`
	Description string                         `yaml:"description" mapstructure:"description"`
	Params      map[string]ParamOverrideConfig `yaml:"params" mapstructure:"params"`
}

// ParamOverrideConfig mirrors transform.ParamOverride for YAML unmarshaling.
type ParamOverrideConfig struct {
	Rename             string `yaml:"rename" mapstructure:"rename"`
	Default            string `yaml:"default" mapstructure:"default"`
	Hidden             bool   `yaml:"hidden" mapstructure:"hidden"`
	TreatNullAsMissing bool   `yaml:"treat_null_as_missing" mapstructure:"treat_null_as_missing"`
}

// CapabilityPolicyConfig mirrors broker.CapabilityPolicy for YAML
// unmarshaling.
type CapabilityPolicyConfig struct {
	Allow []string `yaml:"allow" mapstructure:"allow"`
	Deny  []string `yaml:"deny" mapstructure:"deny"`
}

// NotificationPolicyConfig mirrors service.NotificationFilter's allow/deny
// lists for YAML unmarshaling; ServerRequestsAllowed defaults to false
// (upstream server-initiated requests are deny-by-default).
type NotificationPolicyConfig struct {
	Allow                 []string `yaml:"allow" mapstructure:"allow"`
	Deny                  []string `yaml:"deny" mapstructure:"deny"`
	ServerRequestsAllowed bool     `yaml:"server_requests_allowed" mapstructure:"server_requests_allowed"`
}

// Validate validates the GatewayConfig using struct tags plus the
// cross-field rules tags can't express.
func (c *GatewayConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.ID != strings.ToLower(p.ID) {
			return fmt.Errorf("profile id %q must be lowercase", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id: %s", p.ID)
		}
		seen[p.ID] = true
		for _, u := range p.Upstreams {
			if strings.Contains(u.ID, "/") {
				return fmt.Errorf("profile %s: upstream id %q must not contain '/'", p.ID, u.ID)
			}
		}
	}
	return c.validateIdentityReferences()
}
