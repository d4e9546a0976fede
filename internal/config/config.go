// Package config loads the proxy's configuration. It keeps an
// env-var override (applyEnvOverrides) for the handful of scalar knobs
// that started life as environment variables, and layers a YAML file
// on top of the defaults for the richer multi-upstream / cache /
// storage groups. File values win unless an env var is explicitly set
// for a field that historically came from one.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EvictionPolicy is one of the three closed eviction policy variants.
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "lru"
	PolicyLFU  EvictionPolicy = "lfu"
	PolicyFIFO EvictionPolicy = "fifo"
)

// CacheIsolation controls whether an upstream's cache entries are keyed
// globally by digest or prefixed with the upstream name.
type CacheIsolation string

const (
	IsolationShared   CacheIsolation = "shared"
	IsolationIsolated CacheIsolation = "isolated"
)

// StorageBackendKind selects the storage.Backend implementation.
type StorageBackendKind string

const (
	BackendLocal StorageBackendKind = "local"
	BackendS3    StorageBackendKind = "s3"
)

// Project is one routable namespace within an Upstream.
type Project struct {
	Name      string `yaml:"name"`
	Pattern   string `yaml:"pattern,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	IsDefault bool   `yaml:"is_default,omitempty"`
}

// Upstream describes one upstream Harbor (or Harbor-compatible) registry.
type Upstream struct {
	Name           string         `yaml:"name"`
	DisplayName    string         `yaml:"display_name,omitempty"`
	URL            string         `yaml:"url"`
	Registry       string         `yaml:"registry,omitempty"` // single-project shorthand
	Projects       []Project      `yaml:"projects,omitempty"`
	Username       string         `yaml:"username,omitempty"`
	Password       string         `yaml:"password,omitempty"`
	SkipTLSVerify  bool           `yaml:"skip_tls_verify,omitempty"`
	Priority       int            `yaml:"priority,omitempty"`
	Enabled        bool           `yaml:"enabled"`
	CacheIsolation CacheIsolation `yaml:"cache_isolation,omitempty"`
	IsDefault      bool           `yaml:"is_default,omitempty"`
}

// EffectiveProjects returns the configured projects, or a single
// synthesized default project ("<name>/*") for single-project upstreams
// that set Registry instead of Projects.
func (u Upstream) EffectiveProjects() []Project {
	if len(u.Projects) > 0 {
		return u.Projects
	}
	name := u.Registry
	if name == "" {
		name = u.Name
	}
	return []Project{{
		Name:      name,
		Pattern:   name + "/*",
		Priority:  0,
		IsDefault: true,
	}}
}

// Cache holds the retention/eviction settings.
type Cache struct {
	MaxSize           int64          `yaml:"max_size"`
	RetentionDays     int            `yaml:"retention_days"`
	EvictionPolicy    EvictionPolicy `yaml:"eviction_policy"`
	EvictionInterval  time.Duration  `yaml:"eviction_interval,omitempty"`
	OrphanGracePeriod time.Duration  `yaml:"orphan_grace_period,omitempty"`
}

// LocalStorage configures the filesystem backend.
type LocalStorage struct {
	Path string `yaml:"path"`
}

// S3Storage configures the S3-compatible backend.
type S3Storage struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	AllowHTTP bool   `yaml:"allow_http,omitempty"`
}

// Storage selects and configures one storage backend.
type Storage struct {
	Backend StorageBackendKind `yaml:"backend"`
	Local   LocalStorage       `yaml:"local,omitempty"`
	S3      S3Storage          `yaml:"s3,omitempty"`
}

// Database configures the embedded cache index store.
type Database struct {
	Path string `yaml:"path"`
}

// TLS configures terminating TLS for the listener.
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

// Server configures the listener.
type Server struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// Addr returns "bind_address:port" suitable for http.Server.Addr.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// Config is the full configuration snapshot the process is built from
// (one immutable snapshot at startup).
type Config struct {
	Server    Server     `yaml:"server"`
	Cache     Cache      `yaml:"cache"`
	Upstreams []Upstream `yaml:"upstreams"`
	Storage   Storage    `yaml:"storage"`
	Database  Database   `yaml:"database"`
	TLS       TLS        `yaml:"tls"`

	// Ambient knobs carried over from the original env-only config.
	MaxBodySize           int64
	MaxInflightRequests   int
	RequestTimeout        time.Duration
	UploadSessionTTL      time.Duration
	GenerateSelfSignedTLS bool
	SynchronousForward    bool
	LogLevel              slog.Level
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		Server: Server{BindAddress: "0.0.0.0", Port: 8080},
		Cache: Cache{
			MaxSize:           10 << 30, // 10 GiB
			RetentionDays:     30,
			EvictionPolicy:    PolicyLRU,
			EvictionInterval:  60 * time.Second,
			OrphanGracePeriod: 24 * time.Hour,
		},
		Storage: Storage{
			Backend: BackendLocal,
			Local:   LocalStorage{Path: "/data/oci-cache"},
		},
		Database:            Database{Path: "/data/oci-cache/index.db"},
		MaxBodySize:         4 << 20, // 4 MiB manifest cap
		MaxInflightRequests: 1024,
		RequestTimeout:      300 * time.Second,
		UploadSessionTTL:    time.Hour,
		SynchronousForward:  true,
		LogLevel:            slog.LevelInfo,
	}
}

// Load reads the YAML file at path (if non-empty and present) onto the
// documented defaults, then applies the small set of env var overrides
// the deployment story relies on.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("REGCACHE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		host, portStr, ok := strings.Cut(strings.TrimPrefix(v, ":"), ":")
		if !ok {
			if p, err := strconv.Atoi(strings.TrimPrefix(v, ":")); err == nil {
				cfg.Server.Port = p
			}
		} else if p, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.BindAddress = host
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv("GENERATE_SELF_SIGNED_TLS"); v != "" {
		cfg.GenerateSelfSignedTLS = v == "true"
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = StorageBackendKind(v)
	}
	if v := os.Getenv("FS_ROOT"); v != "" {
		cfg.Storage.Local.Path = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}
}

func validate(cfg Config) error {
	defaults := 0
	for _, u := range cfg.Upstreams {
		if u.IsDefault {
			defaults++
		}
		projDefaults := 0
		for _, p := range u.EffectiveProjects() {
			if p.IsDefault {
				projDefaults++
			}
		}
		if projDefaults > 1 {
			return fmt.Errorf("upstream %q: at most one project may be is_default", u.Name)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one upstream may be is_default")
	}
	switch cfg.Cache.EvictionPolicy {
	case PolicyLRU, PolicyLFU, PolicyFIFO:
	default:
		return fmt.Errorf("unknown eviction policy %q", cfg.Cache.EvictionPolicy)
	}
	switch cfg.Storage.Backend {
	case BackendLocal, BackendS3:
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
