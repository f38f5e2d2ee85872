// Package config provides a reusable loader for Foundry's node configuration
// files and environment variables, mirroring the teacher's
// pkg/config/config.go shape (a mapstructure-tagged Config struct loaded via
// viper.ReadInConfig + MergeInConfig + AutomaticEnv).
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"foundry/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a foundryd node.
type Config struct {
	Descriptor struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"descriptor" json:"descriptor"`

	Storage struct {
		ChainDBPath   string `mapstructure:"chain_db_path" json:"chain_db_path"`
		TrieDBPath    string `mapstructure:"trie_db_path" json:"trie_db_path"`
		MempoolDBPath string `mapstructure:"mempool_db_path" json:"mempool_db_path"`
	} `mapstructure:"storage" json:"storage"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		ProposeTimeoutMS    uint64 `mapstructure:"propose_timeout_ms" json:"propose_timeout_ms"`
		PrevoteTimeoutMS    uint64 `mapstructure:"prevote_timeout_ms" json:"prevote_timeout_ms"`
		PrecommitTimeoutMS  uint64 `mapstructure:"precommit_timeout_ms" json:"precommit_timeout_ms"`
		TimeoutDeltaMS      uint64 `mapstructure:"timeout_delta_ms" json:"timeout_delta_ms"`
		GenesisValidators   string `mapstructure:"genesis_validators" json:"genesis_validators"`
		ValidatorKeyPath    string `mapstructure:"validator_key_path" json:"validator_key_path"`
		BlockIntervalMS     uint64 `mapstructure:"block_interval_ms" json:"block_interval_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	Mempool struct {
		CountLimit int `mapstructure:"count_limit" json:"count_limit"`
		MemLimit   int `mapstructure:"mem_limit" json:"mem_limit"`
	} `mapstructure:"mempool" json:"mempool"`

	HTTP struct {
		ListenAddr    string `mapstructure:"listen_addr" json:"listen_addr"`
		MetricsAddr   string `mapstructure:"metrics_addr" json:"metrics_addr"`
		NotifierAddr  string `mapstructure:"notifier_addr" json:"notifier_addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		JSON  bool   `mapstructure:"json" json:"json"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads foundryd's default config file and merges any environment
// specific overrides (e.g. env="prod" merges config/prod.yaml over
// config/default.yaml). The resulting configuration is stored in AppConfig
// and returned.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/foundryd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FOUNDRY_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FOUNDRY_ENV", ""))
}

// viperReset clears viper's global state between Load calls in tests, where
// the package-level viper instance would otherwise keep stale config paths.
func viperReset() {
	viper.Reset()
}
