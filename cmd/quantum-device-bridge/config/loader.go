package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	"github.com/spf13/viper"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
)

const envPrefix = "QDB"

const (
	prodServerURL  = "https://api.quantumauth.io/quantum-auth/v1"
	devServerURL   = "https://dev.api.quantumauth.io/quantum-auth/v1"
	localServerURL = "http://localhost:1042/quantum-auth/v1"
)

type BridgeSettings struct {
	LocalHost        string
	Port             string
	ServerURL        string
	NodeURL          string
	ChainID          uint64
	DeviceName       string
	AllowedOrigins   []string
	HeadPollInterval string
	TrustChainTTL    string
}

type Config struct {
	Bridge *BridgeSettings

	headPoll time.Duration
	ttl      time.Duration
}

func searchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	}
}

// Load reads the embedded defaults, any config.yaml on the search path, a
// .env file when present and QDB_* environment overrides, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](searchPaths(), EmbeddedConfigYAML)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if cfg.Bridge == nil {
		cfg.Bridge = &BridgeSettings{}
	}
	if err := cfg.ApplyServerURLFromEnv(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides(envViper())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func (c *Config) applyEnvOverrides(v *viper.Viper) {
	b := c.Bridge
	setString(v, "local_host", &b.LocalHost)
	setString(v, "port", &b.Port)
	setString(v, "server_url", &b.ServerURL)
	setString(v, "node_url", &b.NodeURL)
	setString(v, "device_name", &b.DeviceName)
	setString(v, "head_poll_interval", &b.HeadPollInterval)
	setString(v, "trust_chain_ttl", &b.TrustChainTTL)
	if v.IsSet("chain_id") {
		b.ChainID = v.GetUint64("chain_id")
	}
	if s := strings.TrimSpace(v.GetString("allowed_origins")); s != "" {
		b.AllowedOrigins = splitList(s)
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*dst = s
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyServerURLFromEnv picks the keyring backend from QA_ENV. An unset QA_ENV
// keeps a configured ServerURL and otherwise selects production.
func (c *Config) ApplyServerURLFromEnv() error {
	raw := strings.TrimSpace(os.Getenv("QA_ENV"))

	switch strings.ToLower(raw) {
	case "":
		if c.Bridge.ServerURL == "" {
			c.Bridge.ServerURL = prodServerURL
		}
	case "prod", "production":
		c.Bridge.ServerURL = prodServerURL
	case "local":
		c.Bridge.ServerURL = localServerURL
	case "dev", "develop", "development":
		c.Bridge.ServerURL = devServerURL
	default:
		return errors.Newf("invalid QA_ENV %q (allowed: local, develop, prod, empty)", raw)
	}
	return nil
}

// Validate checks the settings and parses the durations.
func (c *Config) Validate() error {
	b := c.Bridge
	if b.LocalHost == "" {
		return errors.New("Bridge.LocalHost is required")
	}
	if b.Port == "" {
		return errors.New("Bridge.Port is required")
	}
	if b.ChainID == 0 {
		return errors.New("Bridge.ChainID must be non-zero")
	}

	var err error
	if c.headPoll, err = parseDuration("Bridge.HeadPollInterval", b.HeadPollInterval); err != nil {
		return err
	}
	if c.ttl, err = parseDuration("Bridge.TrustChainTTL", b.TrustChainTTL); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	if d < 0 {
		return 0, errors.Newf("%s must not be negative", name)
	}
	return d, nil
}

// HeadPollInterval is zero when head tracking is off.
func (c *Config) HeadPollInterval() time.Duration { return c.headPoll }

// TrustChainTTL is zero for the default.
func (c *Config) TrustChainTTL() time.Duration { return c.ttl }
