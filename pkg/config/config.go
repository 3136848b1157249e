// Package config loads couchkeepd's daemon configuration, grounded on
// the teacher's cmd/warren/apply.go use of gopkg.in/yaml.v3 for
// declarative resource files, with flags bound the way cmd/warren/main.go
// wires cobra persistent flags and an OnInitialize hook.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is couchkeepd's top-level daemon configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogJSON     bool              `yaml:"log_json"`
	Admin       AdminConfig       `yaml:"admin"`
	Replication ReplicationConfig `yaml:"replication"`
}

// AdminConfig configures the admin HTTP surface (pkg/adminserver).
type AdminConfig struct {
	Listen  string `yaml:"listen"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	CACert  string `yaml:"ca_cert"`
}

// ReplicationConfig holds replication tuning values loaded from the
// config file. No couchkeepd command reads them: pull takes these
// settings from its own flags, and the admin API from each start request.
type ReplicationConfig struct {
	MaxOpenConnections int           `yaml:"max_open_connections"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	ChangeQueueLimit   int           `yaml:"change_queue_limit"`
}

// Default returns the configuration couchkeepd starts from before
// flags or a file are applied.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		Admin: AdminConfig{
			Listen: ":6984",
		},
		Replication: ReplicationConfig{
			MaxOpenConnections: 12,
			Heartbeat:          5 * time.Minute,
			ChangeQueueLimit:   500,
		},
	}
}

// Load reads path (if non-empty) as a YAML config file, applying it over
// Default(), and returns the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// BindFlags registers the daemon's persistent flags on fs; ApplyFlags
// overlays their final values onto cfg after cobra has parsed argv.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("data-dir", "", "override data_dir")
	fs.String("log-level", "", "override log_level (debug, info, warn, error)")
	fs.Bool("log-json", false, "override log_json")
	fs.String("admin-listen", "", "override admin.listen")
}

// ApplyFlags overlays any explicitly-set flag values onto cfg.
func ApplyFlags(cfg Config, fs *pflag.FlagSet) Config {
	if fs.Changed("data-dir") {
		cfg.DataDir, _ = fs.GetString("data-dir")
	}
	if fs.Changed("log-level") {
		cfg.LogLevel, _ = fs.GetString("log-level")
	}
	if fs.Changed("log-json") {
		cfg.LogJSON, _ = fs.GetBool("log-json")
	}
	if fs.Changed("admin-listen") {
		cfg.Admin.Listen, _ = fs.GetString("admin-listen")
	}
	return cfg
}
