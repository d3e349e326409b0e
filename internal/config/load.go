package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
)

// EnvPrefix is the prefix of environment overrides, e.g. BUNCAT_WAL_FSYNC_MODE.
const EnvPrefix = "BUNCAT_"

// Load builds a Config from defaults, an optional config file and BUNCAT_*
// environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	// BUNCAT_WAL_FSYNC_MODE -> wal.fsync.mode
	for _, kv := range os.Environ() {
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(pair[0], EnvPrefix), "_", "."))
		v.Set(strings.TrimPrefix(key, "."), pair[1])
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
