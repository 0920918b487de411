package healthedge

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"HEALTHEDGE_PORT"`
		Origin string `yaml:"origin" env:"HEALTHEDGE_ORIGIN"`
	} `yaml:"server"`

	App struct {
		// Version tags cache namespaces; bumping it rolls every
		// namespace over on the next activation.
		Version string `yaml:"version" env:"HEALTHEDGE_VERSION"`
		// Shell is the cached application document served to offline
		// navigations.
		Shell string `yaml:"shell"`
	} `yaml:"app"`

	Storage struct {
		CacheDir string `yaml:"cacheDir" env:"HEALTHEDGE_CACHE_DIR"`
		QueueDB  string `yaml:"queueDB" env:"HEALTHEDGE_QUEUE_DB"`
		// APIMax caps the api namespace on disk ("32mb" style).
		APIMax string `yaml:"apiMax"`
	} `yaml:"storage"`

	// Precache is the fixed manifest fetched into the static namespace
	// at install time. Relative entries are same-origin and must all
	// succeed; absolute URLs are best-effort.
	Precache []string `yaml:"precache"`

	API struct {
		Paths    []string `yaml:"paths"`
		Patterns []string `yaml:"patterns"`

		// compiled
		pathSet  map[string]struct{}
		patterns []*regexp.Regexp
	} `yaml:"api"`

	Connectivity struct {
		ProbeURL        string `yaml:"probeURL"`
		DNSAddr         string `yaml:"dnsAddr"`
		BackendTimeout  string `yaml:"backendTimeout"`
		InternetTimeout string `yaml:"internetTimeout"`
		PollEvery       string `yaml:"pollEvery"`
		Debounce        string `yaml:"debounce"`

		// compiled
		backendTimeoutDur  time.Duration
		internetTimeoutDur time.Duration
		pollDur            time.Duration
		debounceDur        time.Duration
	} `yaml:"connectivity"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	apiMaxBytes int64
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if cfg.App.Shell == "" {
		cfg.App.Shell = "/app"
	}
	if !strings.HasPrefix(cfg.App.Shell, "/") {
		cfg.App.Shell = "/" + cfg.App.Shell
	}

	if cfg.Storage.CacheDir == "" {
		cfg.Storage.CacheDir = "./data/cache"
	}
	if cfg.Storage.QueueDB == "" {
		cfg.Storage.QueueDB = "./data/syncqueue.db"
	}
	if cfg.Storage.APIMax == "" {
		cfg.Storage.APIMax = "32mb"
	}
	n, err := parseBytes(cfg.Storage.APIMax)
	if err != nil {
		return fmt.Errorf("storage.apiMax: %w", err)
	}
	cfg.apiMaxBytes = n

	if len(cfg.API.Paths) == 0 {
		cfg.API.Paths = []string{
			"/health",
			"/connectivity-status",
			"/smart-process",
			"/offline-guidance",
			"/emergency-protocol",
			"/process",
		}
	}
	cfg.API.pathSet = make(map[string]struct{}, len(cfg.API.Paths))
	for _, p := range cfg.API.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		cfg.API.pathSet[p] = struct{}{}
	}
	cfg.API.patterns = cfg.API.patterns[:0]
	for i, expr := range cfg.API.Patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("api.patterns[%d]: %w", i, err)
		}
		cfg.API.patterns = append(cfg.API.patterns, re)
	}

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = "https://www.google.com"
	}
	if cfg.Connectivity.DNSAddr == "" {
		cfg.Connectivity.DNSAddr = "8.8.8.8:53"
	}
	var derr error
	cfg.Connectivity.backendTimeoutDur, derr = durationOrDefault(cfg.Connectivity.BackendTimeout, 5*time.Second)
	if derr != nil {
		return fmt.Errorf("connectivity.backendTimeout: %w", derr)
	}
	cfg.Connectivity.internetTimeoutDur, derr = durationOrDefault(cfg.Connectivity.InternetTimeout, 3*time.Second)
	if derr != nil {
		return fmt.Errorf("connectivity.internetTimeout: %w", derr)
	}
	cfg.Connectivity.pollDur, derr = durationOrDefault(cfg.Connectivity.PollEvery, 10*time.Second)
	if derr != nil {
		return fmt.Errorf("connectivity.pollEvery: %w", derr)
	}
	cfg.Connectivity.debounceDur, derr = durationOrDefault(cfg.Connectivity.Debounce, 1*time.Second)
	if derr != nil {
		return fmt.Errorf("connectivity.debounce: %w", derr)
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	return nil
}

func durationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (cfg *Config) isAPIPath(path string) bool {
	if _, ok := cfg.API.pathSet[path]; ok {
		return true
	}
	for _, re := range cfg.API.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
