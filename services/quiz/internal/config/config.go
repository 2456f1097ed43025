package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigPath is read when no explicit path is given; it may be absent.
	ConfigPath = "config.yaml"
	// EnvFile is merged beneath the process environment when present.
	EnvFile = ".env"
)

// DatabaseConfig describes the relational database connection.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslMode"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// FileConfig represents configuration loaded from YAML and the environment.
type FileConfig struct {
	Port                    string         `yaml:"port"`
	LogLevel                string         `yaml:"logLevel"`
	LogFormat               string         `yaml:"logFormat"`
	Database                DatabaseConfig `yaml:"database"`
	RedisAddr               string         `yaml:"redisAddr"`
	RedisPassword           string         `yaml:"redisPassword"`
	SessionCacheTTL         string         `yaml:"sessionCacheTTL"`
	SessionMaxAgeSeconds    int            `yaml:"sessionMaxAgeSeconds"`
	CookiePath              string         `yaml:"cookiePath"`
	CookieSecure            bool           `yaml:"cookieSecure"`
	CSRFKey                 string         `yaml:"csrfKey"`
	FlashKey                string         `yaml:"flashKey"`
	AllowedOrigins          []string       `yaml:"allowedOrigins"`
	TrustedProxies          []string       `yaml:"trustedProxies"`
	LoginRateLimitPerMinute int            `yaml:"loginRateLimitPerMinute"`
	// Deprecated: resolves scopes from a built-in table when a user's role
	// row is missing. Roles in the database are authoritative.
	LegacyRoleScopes bool `yaml:"legacyRoleScopes"`
	SeedDefaults     bool `yaml:"seedDefaults"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() FileConfig {
	return FileConfig{
		Port:      "8001",
		LogLevel:  "info",
		LogFormat: "json",
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "QuizApplicationYT",
			SSLMode: "disable",
		},
		SessionCacheTTL:      "30s",
		SessionMaxAgeSeconds: 3600,
		CookiePath:           "/",
		SeedDefaults:         true,
	}
}

// Load reads config from path (defaults to config.yaml, which may be absent),
// then applies .env values and environment overrides.
func Load(path string) (FileConfig, error) {
	return load(path, EnvFile)
}

func load(path, envFile string) (FileConfig, error) {
	cfg := Defaults()
	optional := path == ""
	if optional {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dotenv := map[string]string{}
	if envFile != "" {
		dotenv, err = godotenv.Read(envFile)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("read env file: %w", err)
			}
			dotenv = map[string]string{}
		}
	}
	if err := applyEnv(&cfg, envSource{dotenv: dotenv}); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envSource prefers the process environment over .env entries.
type envSource struct {
	dotenv map[string]string
}

func (e envSource) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.dotenv[key]
}

func applyEnv(cfg *FileConfig, env envSource) error {
	str := func(key string, dst *string) {
		if v := env.get(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := env.get(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := env.get(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s must be a boolean: %w", key, err)
		}
		*dst = b
		return nil
	}
	list := func(key string, dst *[]string) {
		v := env.get(key)
		if v == "" {
			return
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}

	str("QUIZ_PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DATABASE_URL", &cfg.Database.URL)
	str("DB_HOST", &cfg.Database.Host)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_SSLMODE", &cfg.Database.SSLMode)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("SESSION_CACHE_TTL", &cfg.SessionCacheTTL)
	str("COOKIE_PATH", &cfg.CookiePath)
	str("CSRF_KEY", &cfg.CSRFKey)
	str("FLASH_KEY", &cfg.FlashKey)
	list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	list("TRUSTED_PROXIES", &cfg.TrustedProxies)
	for key, dst := range map[string]*int{
		"DB_PORT":                     &cfg.Database.Port,
		"DB_MAX_OPEN_CONNS":           &cfg.Database.MaxOpenConns,
		"SESSION_MAX_AGE_SECONDS":     &cfg.SessionMaxAgeSeconds,
		"LOGIN_RATE_LIMIT_PER_MINUTE": &cfg.LoginRateLimitPerMinute,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"COOKIE_SECURE":      &cfg.CookieSecure,
		"LEGACY_ROLE_SCOPES": &cfg.LegacyRoleScopes,
		"SEED_DEFAULTS":      &cfg.SeedDefaults,
	} {
		if err := flag(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" && cfg.Database.Name == "" {
		return errors.New("config: database name or url is required")
	}
	if cfg.Database.Port < 0 || cfg.Database.Port > 65535 {
		return errors.New("config: database port out of range")
	}
	if cfg.SessionMaxAgeSeconds <= 0 {
		return errors.New("config: sessionMaxAgeSeconds must be > 0")
	}
	if !strings.HasPrefix(cfg.CookiePath, "/") {
		return errors.New("config: cookiePath must start with /")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: loginRateLimitPerMinute must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: loginRateLimitPerMinute requires redisAddr")
	}
	if _, err := ParseSessionCacheTTL(cfg.SessionCacheTTL); err != nil {
		return err
	}
	for name, key := range map[string]string{"csrfKey": cfg.CSRFKey, "flashKey": cfg.FlashKey} {
		if key == "" {
			continue
		}
		if _, err := decodeKey(key); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseSessionCacheTTL parses the session cache TTL; empty means 30s.
func ParseSessionCacheTTL(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid sessionCacheTTL duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("config: sessionCacheTTL must be positive")
	}
	return d, nil
}

// DSN returns the driver-specific connection string. For SQLite, Name is the
// database file path.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Driver == "sqlite" {
		return d.Name
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// SecretKey decodes a 32-byte hex key. An empty value yields a fresh random
// key and generated=true; such keys do not survive restarts.
func SecretKey(hexKey string) (key []byte, generated bool, err error) {
	if hexKey == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generate key: %w", err)
		}
		return key, true, nil
	}
	key, err = decodeKey(hexKey)
	return key, false, err
}

func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
