// Command gwctl is gatewayd's offline admin CLI: generating API keys and
// profile UUIDs, and validating a gatewayd.yaml before it's deployed.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/modulegate/gateway/internal/config"
	"github.com/modulegate/gateway/internal/domain/auth"
)

var rootCmd = &cobra.Command{
	Use:   "gwctl",
	Short: "gwctl - gatewayd admin CLI",
	Long: `gwctl is the offline companion to gatewayd: generate profile ids and API
keys, and validate a gatewayd.yaml before deploying it.

Commands:
  new-profile-id   Generate a lowercase UUIDv4 for a new profile
  hash-key         Hash an API key (sha256 or argon2id) for gatewayd.yaml
  gen-key          Generate a random API key plus its hash
  validate         Load and validate a gatewayd.yaml`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var newProfileIDCmd = &cobra.Command{
	Use:   "new-profile-id",
	Short: "Generate a lowercase UUIDv4 suitable for Profile.ID",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(uuid.NewString())
	},
}

var argon2idFlag bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for auth.api_keys[].key_hash",
	Long: `Generate a hash of an API key for use in gatewayd.yaml's
auth.api_keys[].key_hash field. Defaults to SHA-256 (sha256:<hex>,
constant-time lookup); pass --argon2id for a slower, salted hash when the
raw key material itself needs to survive a config leak.

Security note: the key will appear in shell history. Consider clearing
history after use or passing it via environment variable substitution.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if argon2idFlag {
			hash, err := auth.HashKeyArgon2id(key)
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		sum := sha256.Sum256([]byte(key))
		fmt.Printf("sha256:%s\n", hex.EncodeToString(sum[:]))
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a random API key and print it plus its sha256 hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		key := hex.EncodeToString(raw)
		fmt.Printf("key:  %s\n", key)
		fmt.Printf("hash: sha256:%s\n", auth.HashKey(key))
		return nil
	},
}

var validateConfigFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a gatewayd.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.InitGatewayViper(validateConfigFile)
		cfg, err := config.LoadGatewayConfig()
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d profile(s) configured\n", len(cfg.Profiles))
		for _, p := range cfg.Profiles {
			fmt.Printf("  - %s: %d upstream(s), %d tool source(s)\n", p.ID, len(p.Upstreams), len(p.ToolSources))
		}
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&argon2idFlag, "argon2id", false, "hash with Argon2id instead of SHA-256")
	validateCmd.Flags().StringVar(&validateConfigFile, "config", "", "path to gatewayd.yaml (default: searches standard locations)")

	rootCmd.AddCommand(newProfileIDCmd, hashKeyCmd, genKeyCmd, validateCmd)
}
