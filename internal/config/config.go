// config - источник загрузки конфигурации qfarm-gateway.
//
// Источники (по убыванию приоритета):
//  1. явный путь --config;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. только ENV (cleanenv).
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Farm     FarmConfig     `yaml:"farm"`
	Auth     AuthConfig     `yaml:"auth"`
	QRLogin  QRLoginConfig  `yaml:"qrlogin"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Settings SettingsConfig `yaml:"settings"`
	OneBot   OneBotConfig   `yaml:"onebot"`
	Bot      BotConfig      `yaml:"bot"`
}

// HTTPConfig — публичный HTTP: панель, события бота, /metrics, пробы.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"50100"`
}

func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

// GRPCConfig — сервер grpc.health.v1 для оркестратора.
type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"50101"`
}

func (g GRPCConfig) Addr() string { return net.JoinHostPort(g.Host, g.Port) }

// TimeoutConfig — общий дедлайн входящего запроса.
type TimeoutConfig struct {
	Service time.Duration `yaml:"service" env:"SERVICE_TIMEOUT" env-default:"15s"`
}

// FarmConfig — внешний сервис автоматизации фермы.
type FarmConfig struct {
	BaseURL string        `yaml:"base_url" env:"FARM_BASE_URL" env-default:"http://127.0.0.1:3000"`
	Timeout time.Duration `yaml:"timeout"  env:"FARM_TIMEOUT"  env-default:"10s"`
}

// AuthConfig — токены веб-панели и список мастеров.
type AuthConfig struct {
	Masters       IDList        `yaml:"masters"        env:"AUTH_MASTERS"`
	AllowedGroups IDList        `yaml:"allowed_groups" env:"AUTH_ALLOWED_GROUPS"`
	LoginTTL      time.Duration `yaml:"login_ttl"      env:"AUTH_LOGIN_TTL"      env-default:"5m"`
	UsedGrace     time.Duration `yaml:"used_grace"     env:"AUTH_USED_GRACE"     env-default:"5m"`
	SessionTTL    time.Duration `yaml:"session_ttl"    env:"AUTH_SESSION_TTL"    env-default:"168h"`
	Retention     time.Duration `yaml:"retention"      env:"AUTH_RETENTION"      env-default:"10m"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"AUTH_SWEEP_INTERVAL" env-default:"60s"`
}

// QRLoginConfig — опрос статуса входа по QR.
type QRLoginConfig struct {
	Interval     time.Duration `yaml:"interval"      env:"QRLOGIN_INTERVAL"      env-default:"2s"`
	MaxTicks     int           `yaml:"max_ticks"     env:"QRLOGIN_MAX_TICKS"     env-default:"90"`
	RecheckDelay time.Duration `yaml:"recheck_delay" env:"QRLOGIN_RECHECK_DELAY" env-default:"1s"`
}

// MonitorConfig — монитор отключений.
// Флаг именно Disabled: cleanenv подставляет env-default поверх нулевого значения из YAML.
type MonitorConfig struct {
	Disabled     bool          `yaml:"disabled"      env:"MONITOR_DISABLED"`
	Interval     time.Duration `yaml:"interval"      env:"MONITOR_INTERVAL"      env-default:"30s"`
	ConfirmDelay time.Duration `yaml:"confirm_delay" env:"MONITOR_CONFIRM_DELAY" env-default:"60s"`
	Cooldown     time.Duration `yaml:"cooldown"      env:"MONITOR_COOLDOWN"      env-default:"300s"`
}

// SettingsConfig — хранилище настроек пользователей.
// Пустой RedisURL — настройки живут в памяти процесса.
type SettingsConfig struct {
	RedisURL string `yaml:"redis_url" env:"SETTINGS_REDIS_URL"`
	Prefix   string `yaml:"prefix"    env:"SETTINGS_PREFIX" env-default:"qfarm:"`
}

// OneBotConfig — HTTP API чат-хоста для исходящих сообщений.
type OneBotConfig struct {
	BaseURL     string        `yaml:"base_url"     env:"ONEBOT_BASE_URL"     env-default:"http://127.0.0.1:5700"`
	AccessToken string        `yaml:"access_token" env:"ONEBOT_ACCESS_TOKEN"`
	Timeout     time.Duration `yaml:"timeout"      env:"ONEBOT_TIMEOUT"      env-default:"5s"`
}

// BotConfig — входящие события чат-хоста.
type BotConfig struct {
	Secret   string `yaml:"secret"    env:"BOT_SECRET"`
	PanelURL string `yaml:"panel_url" env:"BOT_PANEL_URL" env-default:"http://127.0.0.1:50100/qfarm"`
}

// MustLoad — паника при ошибке загрузки.
func MustLoad(path string) *Config {
	cfg, err := Load(path)

	if err != nil {
		panic(err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if p == "" {
			return nil, fmt.Errorf("empty config path")
		}

		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}

		if err := cfg.validate(); err != nil {
			return nil, err
		}

		return &cfg, nil
	}

	// 1) --config
	if path != "" {
		return tryRead(path)
	}

	// 2) CONFIG_PATH
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	// 3) ./local.yaml
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	// 4) только ENV
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate — базовая валидация значений.
func (c *Config) validate() error {
	if c.Farm.BaseURL == "" {
		return fmt.Errorf("farm.base_url is required")
	}
	if c.Auth.LoginTTL <= 0 || c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.login_ttl and auth.session_ttl must be > 0")
	}
	if c.Auth.Retention < c.Auth.LoginTTL {
		return fmt.Errorf("auth.retention must be >= auth.login_ttl")
	}
	if c.QRLogin.Interval <= 0 {
		return fmt.Errorf("qrlogin.interval must be > 0")
	}
	if c.QRLogin.MaxTicks <= 0 {
		return fmt.Errorf("qrlogin.max_ticks must be > 0")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Monitor.Cooldown < 0 || c.Monitor.ConfirmDelay < 0 {
		return fmt.Errorf("monitor.cooldown and monitor.confirm_delay must be >= 0")
	}

	return nil
}
