package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// gatewayViper is a dedicated viper instance so the loader never leaks
// state into (or reads state from) viper's process-global instance.
var gatewayViper = viper.New()

// InitGatewayViper initializes the gatewayd viper instance. If configFile is
// empty, it searches for gatewayd.yaml/.yml in the same standard locations
// as other system daemons use (cwd, ~/.gatewayd, /etc/gatewayd).
func InitGatewayViper(configFile string) {
	if configFile != "" {
		gatewayViper.SetConfigFile(configFile)
	} else if found := findGatewayConfigFile(); found != "" {
		gatewayViper.SetConfigFile(found)
	} else {
		gatewayViper.SetConfigName("gatewayd")
		gatewayViper.SetConfigType("yaml")
	}

	gatewayViper.SetEnvPrefix("GATEWAY")
	gatewayViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	gatewayViper.AutomaticEnv()
}

func findGatewayConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatewayd"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "gatewayd"))
		}
	} else {
		paths = append(paths, "/etc/gatewayd")
	}
	for _, dir := range paths {
		for _, ext := range []string{"yaml", "yml"} {
			candidate := filepath.Join(dir, "gatewayd."+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// GatewayConfigFileUsed returns the config file path gatewayViper resolved,
// or "" if none was found.
func GatewayConfigFileUsed() string {
	return gatewayViper.ConfigFileUsed()
}

// LoadGatewayConfig reads, unmarshals, and validates the gatewayd
// configuration.
func LoadGatewayConfig() (*GatewayConfig, error) {
	cfg, err := LoadGatewayConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGatewayConfigRaw reads and unmarshals without validation, so callers
// (e.g. CLI flag overrides) can mutate the result before validating.
func LoadGatewayConfigRaw() (*GatewayConfig, error) {
	if err := gatewayViper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read gatewayd config: %w", err)
		}
		// No config file: proceed with defaults/env only.
	}

	cfg := &GatewayConfig{}
	cfg.SetDefaults()
	if err := gatewayViper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gatewayd config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills in zero-value fields with gatewayd's defaults.
func (c *GatewayConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.IdleTeardown == "" {
		c.IdleTeardown = "120s"
	}
	if c.SessionIdleTimeout == "" {
		c.SessionIdleTimeout = "300s"
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "5s"
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
}
