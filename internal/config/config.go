package config

// ServerConfig configures the HTTP listener. TLS is expected to be handled
// by a reverse proxy in front of the gateway.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", ":8080").
	// Defaults to ":8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// AuthConfig configures file-based authentication.
// All identities and API keys are defined in the configuration file.
type AuthConfig struct {
	// Identities defines the known identities (users/services).
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	// ID is the unique identifier for this identity.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name for this identity.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Roles are the roles assigned to this identity.
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the hash of the API key: the SHA-256 hex digest prefixed
	// with "sha256:", or an Argon2id PHC string starting with "$argon2id$".
	// Generate with: gwctl hash-key [--argon2id], or
	// echo -n "your-api-key" | sha256sum, then prefix with "sha256:".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:|startswith=$argon2id$"`

	// IdentityID references the identity this key authenticates as.
	// Must match an ID in Auth.Identities.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// AuditConfig configures audit log output: stdout or file only.
type AuditConfig struct {
	// Output specifies where audit logs are written.
	// Valid values: "stdout" or "file:///absolute/path/to/audit.log"
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// FlushInterval is how often to flush pending records (e.g., "1s").
	// Defaults to "5s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// BufferSize is the number of recent audit records kept in memory.
	// Defaults to 1000 if not specified or 0.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// AuditFileConfig configures the file-based audit persistence used when
// Audit.Output is a file:// URL.
type AuditFileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// RetentionDays is the number of days to keep audit files.
	// Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
	// MaxFileSizeMB is the maximum size per audit file before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	// CacheSize is the number of recent audit records to keep in memory.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	// Enabled is accepted in YAML but not read: cmd/gatewayd applies the
	// limiter to every profile whatever its value.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// UserRate is the maximum tool calls per minute per API key.
	// Defaults to 1000.
	UserRate int `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`

	// Quota is the total remaining calls allowed for an API key on a
	// profile across all windows; 0 means unlimited.
	Quota int `yaml:"quota" mapstructure:"quota" validate:"omitempty,min=1"`

	// FailOpen allows calls through when the limiter's backing store is
	// unreachable after retries. Default is fail-closed.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`
}
