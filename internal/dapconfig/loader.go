package dapconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for dap-stream.yaml/.yml
// in standard locations, mirroring the teacher's sentinel-gate.yaml search.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("dap-stream")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DAP_STREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".dap-stream"), "/etc/dap-stream"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "dap-stream"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.udp_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("stream.preferred_encryption")
	_ = viper.BindEnv("stream.debug_dump_stream_headers")
	_ = viper.BindEnv("stream.debug_more")
	_ = viper.BindEnv("stream_udp.debug_more")
	_ = viper.BindEnv("dap_client.default_transport")
	_ = viper.BindEnv("dap_client.connect_timeout")
	_ = viper.BindEnv("session_store.backend")
	_ = viper.BindEnv("session_store.sqlite_path")
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("dapconfig: validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// not apply dev defaults or validate — for callers that need to override
// DevMode from a CLI flag before validation runs.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("dapconfig: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("dapconfig: failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or an empty string if none was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
