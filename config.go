package alwaysoffline

import (
	"os"
	"strings"
	"time"

	"github.com/always-cache/always-offline/connectivity"
	"github.com/always-cache/always-offline/generation"
	offlinepages "github.com/always-cache/always-offline/pkg/offline-pages"
	"github.com/always-cache/always-offline/router"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderMemory  = "memory"

	DefaultListen      = ":8080"
	DefaultControlPath = "/__always-offline"
	DefaultStorePrefix = "bqa-one"
	DefaultVersion     = "v10.3"
	DefaultDBPath      = "always-offline.db"
)

// DefaultShell is the app shell stored at install.
var DefaultShell = []string{
	"/",
	"/login_energix360_offline.html",
	"/offline.html",
	"/890707006_offline.html",
	"/glp_offline.html",
	"/static/manifest.json",
	"/static/BQA_ONE_192.png",
	"/static/BQA_ONE_512.png",
	"/static/logo_energix360.png",
	"/static/js/html5-qrcode.min.js",
}

type Config struct {
	// URL of the application origin, e.g. https://app.example.com.
	Origin string `yaml:"origin" validate:"required,url"`
	// Optional address to send origin traffic to. The origin Host header is kept.
	Upstream string `yaml:"upstream" validate:"omitempty,url"`
	// Hostname for TLS negotiation with the upstream.
	UpstreamHost string `yaml:"upstreamHost" validate:"omitempty,hostname"`
	Listen       string `yaml:"listen" validate:"required"`

	Storage    StorageConfig    `yaml:"storage"`
	Generation GenerationConfig `yaml:"generation"`

	APIPrefix       string `yaml:"apiPrefix" validate:"required,startswith=/"`
	MaxDynamicItems int    `yaml:"maxDynamicItems" validate:"gte=1"`
	// Paths stored in the static store at install. Offline pages are added automatically.
	Shell              []string              `yaml:"shell" validate:"dive,startswith=/"`
	InstallConcurrency int                   `yaml:"installConcurrency" validate:"gte=1"`
	Navigation         router.NavigationMode `yaml:"navigation" validate:"oneof=network-first cache-first"`
	OfflinePages       OfflinePagesConfig    `yaml:"offlinePages"`
	APIOfflineMessage  string                `yaml:"apiOfflineMessage"`
	// Timeout of one network exchange. Zero disables it.
	NetworkTimeout time.Duration `yaml:"networkTimeout" validate:"gte=0"`

	// Path prefix of the control endpoints (websocket, control, sync, metrics, health).
	ControlPath string         `yaml:"controlPath" validate:"required,startswith=/"`
	Probe       ProbeConfig    `yaml:"probe"`
	Sessions    SessionsConfig `yaml:"sessions"`
	Metrics     MetricsConfig  `yaml:"metrics"`

	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

type StorageConfig struct {
	Provider string `yaml:"provider" validate:"oneof=sqlite leveldb memory"`
	// Database file (sqlite) or directory (leveldb).
	// An empty sqlite path keeps the database in memory.
	Path string `yaml:"path" validate:"required_if=Provider leveldb"`
}

type GenerationConfig struct {
	Prefix  string `yaml:"prefix" validate:"required,excludes=:"`
	Version string `yaml:"version" validate:"required,excludes=:"`
}

type OfflinePagesConfig struct {
	Default string             `yaml:"default" validate:"required,startswith=/"`
	Rules   offlinepages.Rules `yaml:"rules" validate:"dive"`
}

type ProbeConfig struct {
	Disabled bool          `yaml:"disabled"`
	Schedule string        `yaml:"schedule" validate:"required_unless=Disabled true"`
	Path     string        `yaml:"path" validate:"required,startswith=/"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type SessionsConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" validate:"gte=0"`
	PongWait     time.Duration `yaml:"pongWait" validate:"gte=0"`
	SendQueue    int           `yaml:"sendQueue" validate:"gte=0"`
	// Origins allowed to open a session besides the application origin.
	AllowedOrigins []string `yaml:"allowedOrigins" validate:"dive,url"`
}

type MetricsConfig struct {
	// Also export Go runtime and process metrics.
	GoMetrics bool `yaml:"goMetrics"`
}

// DefaultConfig returns the configuration used for every value a config file leaves out.
func DefaultConfig() Config {
	return Config{
		Listen: DefaultListen,
		Storage: StorageConfig{
			Provider: ProviderSQLite,
			Path:     DefaultDBPath,
		},
		Generation: GenerationConfig{
			Prefix:  DefaultStorePrefix,
			Version: DefaultVersion,
		},
		APIPrefix:          router.DefaultAPIPrefix,
		MaxDynamicItems:    generation.DefaultMaxItems,
		Shell:              append([]string(nil), DefaultShell...),
		InstallConcurrency: generation.DefaultInstallConcurrency,
		Navigation:         router.NavigationNetworkFirst,
		OfflinePages: OfflinePagesConfig{
			Default: offlinepages.DefaultPage,
		},
		NetworkTimeout: router.DefaultNetworkTimeout,
		ControlPath:    DefaultControlPath,
		Probe: ProbeConfig{
			Schedule: connectivity.DefaultSchedule,
			Path:     "/",
			Timeout:  connectivity.DefaultTimeout,
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(b, &config); err != nil {
		return config, errors.Wrapf(err, "parse config file %s", path)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks the configuration. The control path must not end with a slash.
func (c *Config) Validate() error {
	c.ControlPath = strings.TrimRight(c.ControlPath, "/")
	if c.ControlPath == "" {
		return errors.New("config validation failed: controlPath must not be /")
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return errors.Wrap(err, "config validation failed")
	}
	return nil
}
