package cachefront

import (
	"os"

	"github.com/cachefront/cachefront/pkg/rules"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileConfig is the externally supplied configuration: the generation
// naming inputs, the classification rule data, the precache list, and the
// host deployment knobs. Values come from a YAML file and may be
// overridden from the environment.
type FileConfig struct {
	Port      int    `yaml:"port" env:"CACHEFRONT_PORT"`
	Provider  string `yaml:"provider" env:"CACHEFRONT_PROVIDER"`
	DBFile    string `yaml:"dbFile" env:"CACHEFRONT_DB_FILE"`
	RedisAddr string `yaml:"redisAddr" env:"CACHEFRONT_REDIS_ADDR"`

	// CacheName and Version together form the current generation id.
	CacheName string `yaml:"cacheName" env:"CACHEFRONT_CACHE_NAME"`
	Version   string `yaml:"version" env:"CACHEFRONT_VERSION"`

	Rules        rules.Config `yaml:"rules"`
	PrecacheURLs []string     `yaml:"precacheUrls"`
}

// LoadConfig reads the YAML config file (if filename is non-empty) and
// then applies environment overrides.
func LoadConfig(filename string) (FileConfig, error) {
	config := FileConfig{
		Port:      8080,
		Provider:  "sqlite",
		DBFile:    "cache.db",
		CacheName: "cachefront",
	}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, err
	}
	return config, nil
}
