package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCanister = "bnz7o-iuaaa-aaaaa-qaaaa-cai"

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("gateway", "", "")
	fs.String("network", "", "")
	fs.String("canister", "", "")
	fs.String("seed", "", "")
	fs.Bool("fetch-root-key", false, "")
	fs.Duration("ack-timeout", 0, "")
	fs.Duration("open-timeout", 0, "")
	fs.Duration("max-certificate-age", 0, "")
	fs.Bool("debug", false, "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://icp-api.io", c.NetworkURL)
	assert.Equal(t, 450*time.Second, c.AckTimeout)
	assert.Equal(t, 60*time.Second, c.OpenTimeout)
	assert.Equal(t, 5*time.Minute, c.MaxCertificateAge)
	assert.False(t, c.FetchRootKey)
}

// TestLoadPrecedence verifies that flags override the environment, which
// overrides the file.
func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icws.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway_url: ws://file:8080
network_url: http://127.0.0.1:4943
canister_id: `+testCanister+`
ack_timeout: 30s
`), 0o600))

	t.Setenv("ICWS_GATEWAY_URL", "ws://env:8080")
	t.Setenv("ICWS_OPEN_TIMEOUT", "10s")

	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--open-timeout=5s", "--debug"}))

	c, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "ws://env:8080", c.GatewayURL)
	assert.Equal(t, "http://127.0.0.1:4943", c.NetworkURL)
	assert.Equal(t, testCanister, c.CanisterID)
	assert.Equal(t, 30*time.Second, c.AckTimeout)
	assert.Equal(t, 5*time.Second, c.OpenTimeout)
	assert.True(t, c.Debug)
	assert.NoError(t, c.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		GatewayURL: "wss://gateway.example",
		NetworkURL: "https://icp-api.io",
		CanisterID: testCanister,
	}

	testCases := []struct {
		name    string
		tweak   func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"valid seed", func(c *Config) { c.IdentitySeed = "00ff" }, false},
		{"missing gateway", func(c *Config) { c.GatewayURL = "" }, true},
		{"http gateway", func(c *Config) { c.GatewayURL = "https://gateway.example" }, true},
		{"missing network", func(c *Config) { c.NetworkURL = "" }, true},
		{"bad canister", func(c *Config) { c.CanisterID = "not-a-principal" }, true},
		{"bad seed", func(c *Config) { c.IdentitySeed = "xyz" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.tweak(&c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	c := Config{IdentitySeed: "0102030405"}
	a, err := c.Identity()
	require.NoError(t, err)
	b, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, a.Sender(), b.Sender())

	c.IdentitySeed = ""
	r, err := c.Identity()
	require.NoError(t, err)
	assert.NotEqual(t, a.Sender(), r.Sender())
}

func TestIsLocal(t *testing.T) {
	testCases := []struct {
		url  string
		want bool
	}{
		{"http://127.0.0.1:4943", true},
		{"http://localhost:4943", true},
		{"http://[::1]:4943", true},
		{"https://icp-api.io", false},
		{"https://10.0.0.1", false},
	}
	for _, tc := range testCases {
		c := Config{NetworkURL: tc.url}
		if got := c.IsLocal(); got != tc.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
