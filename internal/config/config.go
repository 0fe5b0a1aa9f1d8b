// Package config loads the CLI configuration from an optional YAML file,
// ICWS_ environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/icws/internal/agent"
	"github.com/1ureka/icws/internal/principal"
)

const envPrefix = "ICWS"

// Config stores the parameters of the connect command.
type Config struct {
	GatewayURL        string        `mapstructure:"gateway_url"`
	NetworkURL        string        `mapstructure:"network_url"`
	CanisterID        string        `mapstructure:"canister_id"`
	IdentitySeed      string        `mapstructure:"identity_seed"` // hex; empty for a random identity
	FetchRootKey      bool          `mapstructure:"fetch_root_key"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	MaxCertificateAge time.Duration `mapstructure:"max_certificate_age"`
	Debug             bool          `mapstructure:"debug"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"gateway":             "gateway_url",
	"network":             "network_url",
	"canister":            "canister_id",
	"seed":                "identity_seed",
	"fetch-root-key":      "fetch_root_key",
	"ack-timeout":         "ack_timeout",
	"open-timeout":        "open_timeout",
	"max-certificate-age": "max_certificate_age",
	"debug":               "debug",
}

var defaults = map[string]any{
	"gateway_url":         "",
	"network_url":         "https://icp-api.io",
	"canister_id":         "",
	"identity_seed":       "",
	"fetch_root_key":      false,
	"ack_timeout":         450 * time.Second,
	"open_timeout":        60 * time.Second,
	"max_certificate_age": 5 * time.Minute,
	"debug":               false,
}

// Load reads the configuration. path may be empty. Only flags that were
// set on the command line override the file and the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.GatewayURL == "" {
		errs = append(errs, errors.New("gateway_url is required"))
	} else if u, err := url.Parse(c.GatewayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("invalid gateway_url %q: must be a ws:// or wss:// URL", c.GatewayURL))
	}
	if c.NetworkURL == "" {
		errs = append(errs, errors.New("network_url is required"))
	}
	if _, err := principal.Decode(c.CanisterID); err != nil {
		errs = append(errs, fmt.Errorf("invalid canister_id: %w", err))
	}
	if c.IdentitySeed != "" {
		if _, err := hex.DecodeString(c.IdentitySeed); err != nil {
			errs = append(errs, fmt.Errorf("invalid identity_seed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Canister returns the parsed canister id.
func (c *Config) Canister() (principal.Principal, error) {
	return principal.Decode(c.CanisterID)
}

// Identity returns the identity derived from the seed, or a fresh random
// one when no seed is configured.
func (c *Config) Identity() (*agent.Identity, error) {
	if c.IdentitySeed == "" {
		return agent.NewIdentity()
	}
	seed, err := hex.DecodeString(c.IdentitySeed)
	if err != nil {
		return nil, fmt.Errorf("invalid identity_seed: %w", err)
	}
	return agent.IdentityFromSeed(seed)
}

// IsLocal reports whether the network is a local replica, whose root key
// must be fetched instead of using the mainnet key.
func (c *Config) IsLocal() bool {
	u, err := url.Parse(c.NetworkURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
