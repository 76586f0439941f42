package memhttpd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                     = 8080
	defaultBacklog                  = 128
	defaultMaxConnections           = 1024
	defaultRequestBufferSize        = 8 * 1024
	defaultResponseHeaderBufferSize = 1024
	defaultStoreMax                 = 32 * 1024 * 1024
	defaultCompressMin              = 64
	defaultServerName               = "memhttpd"

	// A request line plus the blank line cannot be shorter than this.
	minRequestBufferSize = headerMinLength
	// Status line plus every optional field at realistic lengths.
	minResponseHeaderBufferSize = 256

	builtinBackend = "builtin"
)

type Config struct {
	Server struct {
		Port                     int      `yaml:"port"`
		Backlog                  int      `yaml:"backlog"`
		MaxConnections           int      `yaml:"maxConnections"`
		RequestBufferSize        ByteSize `yaml:"requestBufferSize"`
		ResponseHeaderBufferSize ByteSize `yaml:"responseHeaderBufferSize"`
		Name                     string   `yaml:"name"`
	} `yaml:"server"`

	Store struct {
		Root           string   `yaml:"root"`
		Max            ByteSize `yaml:"max"`
		CompressMin    ByteSize `yaml:"compressMin"`
		SkipUnreadable bool     `yaml:"skipUnreadable"`
		Detector       string   `yaml:"detector"`
		Compressor     string   `yaml:"compressor"`
	} `yaml:"store"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`
}

// DefaultConfig returns the config an empty file produces.
func DefaultConfig() Config {
	cfg := defaults()
	if err := cfg.finish(); err != nil {
		panic(err)
	}
	return cfg
}

// defaults is the starting point keys are decoded over, so a key set to 0 stays 0.
func defaults() Config {
	var cfg Config
	cfg.Server.Port = defaultPort
	cfg.Server.Backlog = defaultBacklog
	cfg.Server.MaxConnections = defaultMaxConnections
	cfg.Server.RequestBufferSize = defaultRequestBufferSize
	cfg.Server.ResponseHeaderBufferSize = defaultResponseHeaderBufferSize
	cfg.Store.Max = defaultStoreMax
	cfg.Store.CompressMin = defaultCompressMin
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Override applies command-line values and re-validates. A negative port and an empty
// root leave the config untouched; port 0 asks for an ephemeral port.
func (cfg *Config) Override(port int, root string) error {
	if port >= 0 {
		cfg.Server.Port = port
	}
	if root != "" {
		cfg.Store.Root = root
	}
	return cfg.finish()
}

func (cfg *Config) finish() error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
	}
	if cfg.Server.Backlog <= 0 {
		return fmt.Errorf("server.backlog: must be positive, got %d", cfg.Server.Backlog)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.maxConnections: must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestBufferSize < minRequestBufferSize {
		return fmt.Errorf("server.requestBufferSize: %s is below %db", cfg.Server.RequestBufferSize, minRequestBufferSize)
	}
	if cfg.Server.ResponseHeaderBufferSize < minResponseHeaderBufferSize {
		return fmt.Errorf("server.responseHeaderBufferSize: %s is below %db", cfg.Server.ResponseHeaderBufferSize, minResponseHeaderBufferSize)
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = defaultServerName
	}

	if cfg.Store.Root == "" {
		cfg.Store.Root = "./www"
	}
	if cfg.Store.Max < 0 {
		return fmt.Errorf("store.max: negative budget %s", cfg.Store.Max)
	}
	cfg.Store.Detector = strings.TrimSpace(cfg.Store.Detector)
	if cfg.Store.Detector == "" {
		cfg.Store.Detector = builtinBackend
	}
	cfg.Store.Compressor = strings.TrimSpace(cfg.Store.Compressor)
	if cfg.Store.Compressor == "" {
		cfg.Store.Compressor = builtinBackend
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	cfg.Logging.logStatsEveryDur = 0
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}
