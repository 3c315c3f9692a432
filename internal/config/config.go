package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nebula/panelterm/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. PANELTERM_SERVER_PORT.
const EnvPrefix = "PANELTERM"

// Config holds all configuration values
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Path             string        `mapstructure:"path"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TerminalConfig configures the PTY helper and the terminal panels.
type TerminalConfig struct {
	HelperPath string   `mapstructure:"helper_path"`
	HelperArgs []string `mapstructure:"helper_args"`
	// HelperSource, when set, is installed over HelperPath at startup.
	HelperSource  string   `mapstructure:"helper_source"`
	DefaultShell  string   `mapstructure:"default_shell"`
	AllowedShells []string `mapstructure:"allowed_shells"`
	WorkingDir    string   `mapstructure:"working_dir"`
	Term          string   `mapstructure:"term"`
	Env           []string `mapstructure:"env"` // KEY=VALUE
	MaxPanels     int      `mapstructure:"max_panels"`

	ScrollbarMargin    int           `mapstructure:"scrollbar_margin"`
	MountDelay         time.Duration `mapstructure:"mount_delay"`
	InitialResizeDelay time.Duration `mapstructure:"initial_resize_delay"`
	LayoutDelay        time.Duration `mapstructure:"layout_delay"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	EchoClearDelay     time.Duration `mapstructure:"echo_clear_delay"`
}

// RateLimitConfig bounds API requests per client address.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Manager manages configuration with hot reload support
type Manager struct {
	config  *Config
	storage *storage.Storage
	viper   *viper.Viper
	log     *zap.Logger
	mu      sync.RWMutex

	onReload []func(*Config)
}

// NewManager loads configuration. With an empty configPath, config.yaml is
// looked up in the working directory and /etc/panelterm and may be absent;
// an explicit path must exist. Environment variables override the file and
// storage overrides win over both.
func NewManager(configPath string, store *storage.Storage, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v, fromFile, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:  &Config{},
		storage: store,
		viper:   v,
		log:     log.Named("config"),
	}

	if err := v.Unmarshal(m.config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	m.applyStorageOverrides(m.config)
	if err := m.config.Validate(); err != nil {
		return nil, err
	}

	if fromFile {
		m.log.Info("configuration loaded", zap.String("file", v.ConfigFileUsed()))
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			m.log.Info("configuration file changed", zap.String("file", e.Name))
			m.reload()
		})
	}

	return m, nil
}

// Load reads the configuration once, without storage overrides or file
// watching. It is used to bootstrap the storage path.
func Load(configPath string) (*Config, error) {
	v, _, err := readConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

func readConfig(configPath string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/panelterm")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("failed to read config: %w", err)
		}
		return v, false, nil
	}
	return v, true, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "0s") // websockets outlive any write timeout
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.path", "./panelterm.db")
	v.SetDefault("storage.session_retention", "168h")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "changeme")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Terminal defaults
	v.SetDefault("terminal.helper_path", "panelterm-pty")
	v.SetDefault("terminal.helper_args", []string{})
	v.SetDefault("terminal.helper_source", "")
	v.SetDefault("terminal.default_shell", "")
	v.SetDefault("terminal.allowed_shells", []string{"bash", "zsh", "sh", "fish", "ksh"})
	v.SetDefault("terminal.working_dir", "")
	v.SetDefault("terminal.term", "xterm-256color")
	v.SetDefault("terminal.env", []string{})
	v.SetDefault("terminal.max_panels", 8)
	v.SetDefault("terminal.scrollbar_margin", 4)
	v.SetDefault("terminal.mount_delay", "100ms")
	v.SetDefault("terminal.initial_resize_delay", "200ms")
	v.SetDefault("terminal.layout_delay", "50ms")
	v.SetDefault("terminal.settle_delay", "1s")
	v.SetDefault("terminal.echo_clear_delay", "50ms")

	// Rate limit defaults
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.Password == "") {
		errs = append(errs, errors.New("auth.username and auth.password are required when auth is enabled"))
	}
	if c.Terminal.HelperPath == "" {
		errs = append(errs, errors.New("terminal.helper_path is required"))
	}
	if c.Terminal.MaxPanels < 0 {
		errs = append(errs, errors.New("terminal.max_panels must not be negative"))
	}
	if c.Terminal.ScrollbarMargin < 0 {
		errs = append(errs, errors.New("terminal.scrollbar_margin must not be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// reload swaps in the configuration currently held by viper. An invalid
// result is logged and the previous configuration stays active.
func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	newConfig := &Config{}
	if err := m.viper.Unmarshal(newConfig); err != nil {
		m.log.Warn("config reload failed", zap.Error(err))
		return
	}
	m.applyStorageOverrides(newConfig)
	if err := newConfig.Validate(); err != nil {
		m.log.Warn("config reload rejected", zap.Error(err))
		return
	}

	m.config = newConfig
	for _, fn := range m.onReload {
		go fn(newConfig)
	}
}

// Reload forces a configuration reload
func (m *Manager) Reload() error {
	if err := m.viper.ReadInConfig(); err != nil {
		return err
	}
	m.reload()
	return nil
}

// OnReload registers a callback for configuration changes
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// overrideKeys are the settings that may be changed at runtime and persisted.
var overrideKeys = []string{"server.port", "auth.enabled", "terminal.working_dir"}

func (m *Manager) applyStorageOverrides(cfg *Config) {
	if m.storage == nil {
		return
	}

	var port int
	if ok, err := m.storage.GetJSON(storage.BucketConfig, "server.port", &port); err == nil && ok && port > 0 {
		cfg.Server.Port = port
	}

	var authEnabled bool
	if ok, err := m.storage.GetJSON(storage.BucketConfig, "auth.enabled", &authEnabled); err == nil && ok {
		cfg.Auth.Enabled = authEnabled
	}

	var workingDir string
	if ok, err := m.storage.GetJSON(storage.BucketConfig, "terminal.working_dir", &workingDir); err == nil && ok && workingDir != "" {
		cfg.Terminal.WorkingDir = workingDir
	}
}

// SetOverride persists an override for one of the runtime keys and applies it.
func (m *Manager) SetOverride(key string, value any) error {
	if m.storage == nil {
		return errors.New("storage not available")
	}
	if !isOverrideKey(key) {
		return fmt.Errorf("%s cannot be overridden", key)
	}
	if err := m.storage.SetJSON(storage.BucketConfig, key, value); err != nil {
		return err
	}
	m.reload()
	return nil
}

// GetOverride reads a persisted override. found is false when none is set.
func (m *Manager) GetOverride(key string, value any) (found bool, err error) {
	if m.storage == nil {
		return false, errors.New("storage not available")
	}
	return m.storage.GetJSON(storage.BucketConfig, key, value)
}

func isOverrideKey(key string) bool {
	for _, k := range overrideKeys {
		if k == key {
			return true
		}
	}
	return false
}

// EnvMap returns terminal.env as a map. Entries without "=" are skipped.
func (t TerminalConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(t.Env))
	for _, kv := range t.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Address returns the server address string
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
