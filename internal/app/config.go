package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PRESENCE"

type Config struct {
	Level     string         `mapstructure:"level"`
	Port      int            `mapstructure:"port"`
	SecretKey string         `mapstructure:"secret_key"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	DB        DBConfig       `mapstructure:"db"`
	Presence  PresenceConfig `mapstructure:"presence"`
	Stats     StatsConfig    `mapstructure:"stats"`
	Debug     DebugConfig    `mapstructure:"debug"`
}

type HTTPConfig struct {
	// Addr overrides Port when set.
	Addr   string `mapstructure:"addr"`
	WSPath string `mapstructure:"ws_path"`
}

type DBConfig struct {
	Path         string        `mapstructure:"path"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type PresenceConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	RollupCadence     time.Duration `mapstructure:"rollup_cadence"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RateLimit         int           `mapstructure:"rate_limit"`
}

type StatsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type DebugConfig struct {
	// TokenHash is a bcrypt hash; empty disables /debug.
	TokenHash string `mapstructure:"token_hash"`
}

// ListenAddr resolves the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	if c.HTTP.Addr != "" {
		return c.HTTP.Addr
	}
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if c.Presence.InactivityTimeout <= 0 {
		return errors.New("presence.inactivity_timeout must be positive")
	}
	if c.Presence.ReapInterval <= 0 {
		return errors.New("presence.reap_interval must be positive")
	}
	if c.Presence.RetentionDays < 0 {
		return errors.New("presence.retention_days must not be negative")
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	return nil
}

func setDefaults(config *viper.Viper) {
	config.SetDefault("level", "info")
	config.SetDefault("port", 5000)
	config.SetDefault("http.addr", "")
	config.SetDefault("http.ws_path", "/ws")
	config.SetDefault("db.path", DefaultDBPath())
	config.SetDefault("db.query_timeout", 5*time.Second)
	config.SetDefault("presence.inactivity_timeout", 300*time.Second)
	config.SetDefault("presence.reap_interval", 5*time.Second)
	config.SetDefault("presence.rollup_cadence", time.Minute)
	config.SetDefault("presence.retention_days", 30)
	config.SetDefault("presence.rate_limit", 120)
	config.SetDefault("stats.cache_ttl", 10*time.Second)
	config.SetDefault("debug.token_hash", "")
	config.SetDefault("secret_key", "")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"level":            "level",
	"addr":             "http.addr",
	"ws-path":          "http.ws_path",
	"db":               "db.path",
	"inactivity":       "presence.inactivity_timeout",
	"reap-interval":    "presence.reap_interval",
	"rollup-cadence":   "presence.rollup_cadence",
	"retention-days":   "presence.retention_days",
	"presence-rate":    "presence.rate_limit",
	"debug-token-hash": "debug.token_hash",
}

// BindServeFlags registers the serve flags on flags.
func BindServeFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("level", "info", "log level")
	flags.String("addr", "", "listen address, overrides port")
	flags.String("ws-path", "/ws", "websocket path")
	flags.String("db", "", "sqlite database path")
	flags.Duration("inactivity", 300*time.Second, "presence inactivity timeout")
	flags.Duration("reap-interval", 5*time.Second, "how often expired presence is evicted")
	flags.Duration("rollup-cadence", time.Minute, "how often the minute rollup runs")
	flags.Int("retention-days", 30, "days of minute buckets to keep, 0 keeps everything")
	flags.Int("presence-rate", 120, "presence updates per client IP per minute, 0 disables")
	flags.String("debug-token-hash", "", "bcrypt hash of the /debug operator token")
}

// LoadConfig layers defaults, an optional config file, the environment and
// explicitly set flags, in increasing precedence.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	config := viper.New()
	setDefaults(config)

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := config.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if file, err := flags.GetString("config"); err == nil && file != "" {
			config.SetConfigFile(file)
			if err := config.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	bindEnvs(config, Config{})
	// legacy deployments set these without the prefix
	_ = config.BindEnv("port", envPrefix+"_PORT", "PORT")
	_ = config.BindEnv("secret_key", envPrefix+"_SECRET_KEY", "SECRET_KEY")

	cfg := &Config{}
	if err := config.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = DefaultDBPath()
	}
	cfg.HTTP.WSPath = NormalizeWSPath(cfg.HTTP.WSPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnvs(config *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)

	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)

		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			bindEnvs(config, v.Interface(), append(parts, tv)...)
		default:
			_ = config.BindEnv(strings.Join(append(parts, tv), "."))
		}
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("PRESENCE_DATA_DIR"); env != "" {
		return filepath.Join(env, "presence.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "presencehub", "presence.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Presencehub", "presence.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Presencehub", "presence.db")
		}
		return filepath.Join(home, ".local", "share", "presencehub", "presence.db")
	}
	return filepath.Join(".", ".presencehub", "presence.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
