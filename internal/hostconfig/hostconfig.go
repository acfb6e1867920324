// Package hostconfig loads the host daemon's configuration from environment
// variables and an optional nbot.yaml file, falling back to reasonable
// defaults for everything optional.
package hostconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration for a running host.
type Config struct {
	// DataDir is the root data directory: plugins.json, installed plugin
	// directories, the kv store and state/api_token.txt all live under it.
	DataDir string `mapstructure:"data_dir"`

	// MarketURL is the base URL of the plugin market. When empty, the
	// market reconciler is not started and seed plugins stay enabled by
	// default.
	MarketURL string `mapstructure:"market_url"`

	// OfficialPublicKeyB64 is the base64-encoded ed25519 public key used to
	// verify every non-builtin package.
	OfficialPublicKeyB64 string `mapstructure:"official_public_key_b64"`

	// MarketBootstrapOfficialPlugins runs a one-shot Sync(false) on startup
	// when MarketURL is set.
	MarketBootstrapOfficialPlugins bool `mapstructure:"market_bootstrap_official_plugins"`

	// MarketForceUpdate forces every periodic sync to reinstall regardless
	// of version comparison. The bootstrap sync never forces.
	MarketForceUpdate bool `mapstructure:"market_force_update"`

	// AllowUnsignedPlugins is a development escape hatch that lets Install
	// accept a package with no signature. Off by default.
	AllowUnsignedPlugins bool `mapstructure:"allow_unsigned_plugins"`

	// UseSeedBuiltinPlugins overrides the seed policy on: seed plugins are
	// installed enabled regardless of MarketURL.
	UseSeedBuiltinPlugins bool `mapstructure:"use_seed_builtin_plugins"`

	// DisableSeedBuiltinPlugins overrides the seed policy off: seed plugins
	// are never installed, even with no MarketURL configured.
	DisableSeedBuiltinPlugins bool `mapstructure:"disable_seed_builtin_plugins"`

	// APIToken is the admin bearer token. When empty, the admin surface
	// generates one into <DataDir>/state/api_token.txt on first run.
	APIToken string `mapstructure:"api_token"`

	// ListenAddr is the admin HTTP API and LLM callback bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// OneBotURL is the WebSocket URL of the OneBot v11 implementation this
	// host connects to as its reference transport.
	OneBotURL string `mapstructure:"onebot_url"`

	// OneBotToken is the optional access_token for the OneBot connection.
	OneBotToken string `mapstructure:"onebot_token"`

	// CommandPrefix is the inbound message prefix that marks a command,
	// e.g. "/".
	CommandPrefix string `mapstructure:"command_prefix"`

	// LLMGatewayURL is the base URL of the external LLM backend the async
	// gateway posts LLM-family requests to. Empty disables the LLM family.
	LLMGatewayURL string `mapstructure:"llm_gateway_url"`

	// TickPeriod is the meta_event{tick} cadence.
	TickPeriod string `mapstructure:"tick_period"`

	// RedisURL, when set, backs the tick scheduler's distributed lock so
	// only one of several replicas sharing a data directory emits ticks.
	RedisURL string `mapstructure:"redis_url"`

	// AuditDBPath, when set, opens the optional sqlite audit trail at this
	// path. Empty disables the audit trail.
	AuditDBPath string `mapstructure:"audit_db_path"`
}

// SeedPolicy reports whether seed/builtin plugins should be installed
// enabled, installed disabled, or skipped entirely, reconciling the two
// override flags with the MarketURL-presence default described in spec.md
// §6: when a market is configured, seed plugins default to disabled so the
// market catalog is authoritative; with no market configured they default
// to enabled so a fresh host isn't silent out of the box.
type SeedPolicy int

const (
	// SeedEnabled installs seed plugins enabled.
	SeedEnabled SeedPolicy = iota
	// SeedDisabled installs seed plugins but leaves them disabled.
	SeedDisabled
	// SeedSkip does not install seed plugins at all.
	SeedSkip
)

// Seed resolves the effective seed policy for this config.
func (c Config) Seed() SeedPolicy {
	if c.DisableSeedBuiltinPlugins {
		return SeedSkip
	}
	if c.UseSeedBuiltinPlugins {
		return SeedEnabled
	}
	if c.MarketURL != "" {
		return SeedDisabled
	}
	return SeedEnabled
}

// Load resolves Config from, in increasing priority: built-in defaults, an
// optional nbot.yaml in the working directory or /etc/nbot, then the
// NBOT_* environment variables.
func Load() (Config, error) {
	v := viper.New()

	v.SetConfigName("nbot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nbot")

	bindEnvVars(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("hostconfig: reading nbot.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("hostconfig: decoding config: %w", err)
	}
	return cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("nbot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data_dir", "NBOT_DATA_DIR")
	_ = v.BindEnv("market_url", "NBOT_MARKET_URL")
	_ = v.BindEnv("official_public_key_b64", "NBOT_OFFICIAL_PUBLIC_KEY_B64")
	_ = v.BindEnv("market_bootstrap_official_plugins", "NBOT_MARKET_BOOTSTRAP_OFFICIAL_PLUGINS")
	_ = v.BindEnv("market_force_update", "NBOT_MARKET_FORCE_UPDATE")
	_ = v.BindEnv("allow_unsigned_plugins", "NBOT_ALLOW_UNSIGNED_PLUGINS")
	_ = v.BindEnv("use_seed_builtin_plugins", "NBOT_USE_SEED_BUILTIN_PLUGINS")
	_ = v.BindEnv("disable_seed_builtin_plugins", "NBOT_DISABLE_SEED_BUILTIN_PLUGINS")
	_ = v.BindEnv("api_token", "NBOT_API_TOKEN")
	_ = v.BindEnv("listen_addr", "NBOT_LISTEN_ADDR")
	_ = v.BindEnv("onebot_url", "NBOT_ONEBOT_URL")
	_ = v.BindEnv("onebot_token", "NBOT_ONEBOT_TOKEN")
	_ = v.BindEnv("command_prefix", "NBOT_COMMAND_PREFIX")
	_ = v.BindEnv("llm_gateway_url", "NBOT_LLM_GATEWAY_URL")
	_ = v.BindEnv("tick_period", "NBOT_TICK_PERIOD")
	_ = v.BindEnv("redis_url", "NBOT_REDIS_URL")
	_ = v.BindEnv("audit_db_path", "NBOT_AUDIT_DB_PATH")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("market_bootstrap_official_plugins", true)
	v.SetDefault("market_force_update", false)
	v.SetDefault("allow_unsigned_plugins", false)
	v.SetDefault("use_seed_builtin_plugins", false)
	v.SetDefault("disable_seed_builtin_plugins", false)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("command_prefix", "/")
	v.SetDefault("tick_period", "1s")
}
