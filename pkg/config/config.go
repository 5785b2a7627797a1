// Package config loads hdbctl/hdbserver settings from a config.yaml found by
// searching, in order, .hierarchidb/ in the working directory or its
// nearest ancestor that has one, the user config directory, and the user
// home directory — the same precedence
// untoldecay-BeadsLog/internal/config/config.go walks for its own
// config.yaml, adapted here from beads' project-then-user-then-home search
// to this module's data-dir/store settings. Environment variables prefixed
// HDB_ override the file, and flags (bound by the caller) override both.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hierarchidb/core/internal/core/mutation"
)

// Config is every setting engine.Options needs plus the ambient log knobs.
type Config struct {
	DataDir               string
	LogLevel              string
	LogJSON               bool
	WorkingCopyTTL        time.Duration
	SweepInterval         time.Duration
	UndoRingCapacity      int
	DefaultOnNameConflict mutation.CollisionPolicy
	GRPCAddr              string
}

// Load searches for config.yaml and returns a Config with defaults applied
// for anything the file, environment, and v (flag-bound overrides) leave
// unset.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetConfigType("yaml")

	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			p := filepath.Join(dir, ".hierarchidb", "config.yaml")
			if _, statErr := os.Stat(p); statErr == nil {
				v.SetConfigFile(p)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			p := filepath.Join(configDir, "hierarchidb", "config.yaml")
			if _, statErr := os.Stat(p); statErr == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			p := filepath.Join(home, ".hierarchidb", "config.yaml")
			if _, statErr := os.Stat(p); statErr == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("HDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("log-level", "info")
	v.SetDefault("log-json", false)
	v.SetDefault("working-copy-ttl", "30m")
	v.SetDefault("sweep-interval", "15m")
	v.SetDefault("undo-ring-capacity", 100)
	v.SetDefault("default-on-name-conflict", string(mutation.CollisionError))
	v.SetDefault("grpc-addr", "127.0.0.1:7417")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	wcTTL, err := time.ParseDuration(v.GetString("working-copy-ttl"))
	if err != nil {
		return Config{}, err
	}
	sweep, err := time.ParseDuration(v.GetString("sweep-interval"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		DataDir:               v.GetString("data-dir"),
		LogLevel:              v.GetString("log-level"),
		LogJSON:               v.GetBool("log-json"),
		WorkingCopyTTL:        wcTTL,
		SweepInterval:         sweep,
		UndoRingCapacity:      v.GetInt("undo-ring-capacity"),
		DefaultOnNameConflict: mutation.CollisionPolicy(v.GetString("default-on-name-conflict")),
		GRPCAddr:              v.GetString("grpc-addr"),
	}, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".hierarchidb")
	}
	return ".hierarchidb"
}
