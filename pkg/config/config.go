package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chainmsg/pkg/models"
)

// Config is the effective configuration for a chainmsg node, merged from
// the YAML file, CHAINMSG_* environment overrides and command flags.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Ledger struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		Table  string `yaml:"table"`
	} `yaml:"ledger"`
	Publish struct {
		APIKey     string `yaml:"api_key"`
		SecretKey  string `yaml:"secret_key"`
		PinURL     string `yaml:"pin_url"`
		GatewayURL string `yaml:"gateway_url"`
	} `yaml:"publish"`
	Sync struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		PreviewCron  string        `yaml:"preview_cron"`
	} `yaml:"sync"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// PublishConfig returns the configured pinning credentials. Mode is
// derived from credential presence; there is no partial state.
func (c *Config) PublishConfig() models.PublishConfig {
	return models.PublishConfig{APIKey: c.Publish.APIKey, SecretKey: c.Publish.SecretKey}
}

// PollInterval returns the conversation poll interval with its default.
func (c *Config) PollInterval() time.Duration {
	if c.Sync.PollInterval <= 0 {
		return 5 * time.Second
	}
	return c.Sync.PollInterval
}

// PreviewCron returns the preview refresh schedule with its default.
func (c *Config) PreviewCron() string {
	if c.Sync.PreviewCron == "" {
		return "* * * * *"
	}
	return c.Sync.PreviewCron
}

// Load reads the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns
// their values along with a map indicating which were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.chainmsg", "local cache path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and CHAINMSG_CONFIG when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHAINMSG_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies CHAINMSG_* environment overrides onto cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("CHAINMSG_ADDR"); v != "" {
		envUsed = true
		host, port, found := strings.Cut(strings.TrimPrefix(v, ":"), ":")
		if !found {
			if strings.HasPrefix(v, ":") {
				if pi, err := strconv.Atoi(host); err == nil {
					cfg.Server.Port = pi
				}
			} else {
				cfg.Server.Address = v
			}
		} else {
			cfg.Server.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}
	if v := os.Getenv("CHAINMSG_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CHAINMSG_LEDGER_URL"); v != "" {
		envUsed = true
		cfg.Ledger.URL = v
	}
	if v := os.Getenv("CHAINMSG_LEDGER_KEY"); v != "" {
		envUsed = true
		cfg.Ledger.APIKey = v
	}
	if v := os.Getenv("CHAINMSG_LEDGER_TABLE"); v != "" {
		envUsed = true
		cfg.Ledger.Table = v
	}
	if v := os.Getenv("CHAINMSG_PINATA_API_KEY"); v != "" {
		envUsed = true
		cfg.Publish.APIKey = v
	}
	if v := os.Getenv("CHAINMSG_PINATA_SECRET_KEY"); v != "" {
		envUsed = true
		cfg.Publish.SecretKey = v
	}
	if v := os.Getenv("CHAINMSG_PIN_URL"); v != "" {
		envUsed = true
		cfg.Publish.PinURL = v
	}
	if v := os.Getenv("CHAINMSG_GATEWAY_URL"); v != "" {
		envUsed = true
		cfg.Publish.GatewayURL = v
	}
	if v := os.Getenv("CHAINMSG_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Sync.PollInterval = d
		}
	}
	if v := os.Getenv("CHAINMSG_PREVIEW_CRON"); v != "" {
		envUsed = true
		cfg.Sync.PreviewCron = v
	}
	if v := os.Getenv("CHAINMSG_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("CHAINMSG_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("CHAINMSG_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHAINMSG_LOG_FORMAT"); v != "" {
		envUsed = true
		cfg.Logging.Format = v
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides on top. A missing file is not fatal; env-only setups are
// supported.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}
