package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	DisplayName     string   `mapstructure:"display_name"`
	Network         string   `mapstructure:"network"`
	DataDir         string   `mapstructure:"data_dir"`
	ListenAddr      string   `mapstructure:"listen_addr"`
	DialAddrs       []string `mapstructure:"dial_addrs"`
	MetricsAddr     string   `mapstructure:"metrics_addr"`
	RequestPairing  bool     `mapstructure:"request_pairing"`
	Insecure        bool     `mapstructure:"insecure"`
	MaxConnsPerIP   int      `mapstructure:"max_conns_per_ip"`
	MaxStreamsPerIP int      `mapstructure:"max_streams_per_ip"`
	Log             struct {
		Development bool   `mapstructure:"development"`
		Level       string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshlink")
}

// loadConfig reads the YAML config file when path is set and overlays
// MESHLINK_* environment variables on the defaults.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	host, _ := os.Hostname()
	if host == "" {
		host = "meshlink-node"
	}
	v.SetDefault("display_name", host)
	v.SetDefault("network", "meshlink")
	v.SetDefault("data_dir", homeDir())
	v.SetDefault("listen_addr", "127.0.0.1:7450")
	v.SetDefault("max_conns_per_ip", 4)
	v.SetDefault("max_streams_per_ip", 8)
	v.SetEnvPrefix("MESHLINK")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
