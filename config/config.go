package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultPath 默认配置文件位置（相对工作目录）
const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		// sqlite | mysql | postgres
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	AI struct {
		// simulated | async
		Provider         string `yaml:"provider"`
		BaseURL          string `yaml:"base_url"`
		TimeoutMs        int    `yaml:"timeout_ms"`
		BatchConcurrency int    `yaml:"batch_concurrency"`
	} `yaml:"ai"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Autosave struct {
		QuietMs int `yaml:"quiet_ms"`
	} `yaml:"autosave"`
	Capture struct {
		FrameTimeoutMs int `yaml:"frame_timeout_ms"`
	} `yaml:"capture"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Source bool   `yaml:"source"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
	// PreferencesFile 用户偏好文件，为空时使用用户目录下的默认位置
	PreferencesFile string `yaml:"preferences_file"`
}

var AppConfig *Config

// Env var names used as overrides.
const (
	EnvPort          = "STC_PORT"
	EnvDBDriver      = "STC_DB_DRIVER"
	EnvDBDSN         = "STC_DB_DSN"
	EnvAIProvider    = "STC_AI_PROVIDER"
	EnvAIBaseURL     = "STC_AI_BASE_URL"
	EnvRedisAddr     = "STC_REDIS_ADDR"
	EnvRedisPassword = "STC_REDIS_PASSWORD"
	EnvMinIOEndpoint = "STC_MINIO_ENDPOINT"
	EnvMinIOAccess   = "STC_MINIO_ACCESS_KEY"
	EnvMinIOSecret   = "STC_MINIO_SECRET_KEY"
	EnvLogLevel      = "STC_LOG_LEVEL"
	EnvLogFormat     = "STC_LOG_FORMAT"
	EnvLogFile       = "STC_LOG_FILE"
)

// Defaults returns the application defaults.
func Defaults() Config {
	var c Config
	c.Server.Port = ":8080"
	c.Database.Driver = "sqlite"
	c.Database.DSN = "storyboard.db"
	c.AI.Provider = "simulated"
	c.AI.BaseURL = "http://localhost:9000"
	c.AI.TimeoutMs = 180000
	c.AI.BatchConcurrency = 4
	c.MinIO.Bucket = "storyboard"
	c.Autosave.QuietMs = 1000
	c.Capture.FrameTimeoutMs = 15000
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	return c
}

// InitConfig 读取配置文件并设置全局 AppConfig；文件不存在时使用默认值
func InitConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads the YAML file (if present), merges it over the defaults and applies
// environment overrides. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path == "" {
		path = DefaultPath
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		var fileCfg Config
		if err := yaml.NewDecoder(f).Decode(&fileCfg); err != nil {
			return nil, fmt.Errorf("配置文件解析失败: %w", err)
		}
		mergeInto(&cfg, &fileCfg)
	case os.IsNotExist(err):
		// 没有配置文件时仅使用默认值 + 环境变量
	default:
		return nil, fmt.Errorf("配置文件读取失败: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func mergeInto(dst, src *Config) {
	setStr := func(d *string, s string) {
		if strings.TrimSpace(s) != "" {
			*d = strings.TrimSpace(s)
		}
	}
	setInt := func(d *int, s int) {
		if s > 0 {
			*d = s
		}
	}
	setStr(&dst.Server.Port, src.Server.Port)
	setStr(&dst.Database.Driver, strings.ToLower(src.Database.Driver))
	setStr(&dst.Database.DSN, src.Database.DSN)
	setStr(&dst.AI.Provider, strings.ToLower(src.AI.Provider))
	setStr(&dst.AI.BaseURL, src.AI.BaseURL)
	setInt(&dst.AI.TimeoutMs, src.AI.TimeoutMs)
	setInt(&dst.AI.BatchConcurrency, src.AI.BatchConcurrency)
	setStr(&dst.Redis.Addr, src.Redis.Addr)
	setStr(&dst.Redis.Password, src.Redis.Password)
	setStr(&dst.MinIO.Endpoint, src.MinIO.Endpoint)
	setStr(&dst.MinIO.AccessKey, src.MinIO.AccessKey)
	setStr(&dst.MinIO.SecretKey, src.MinIO.SecretKey)
	setStr(&dst.MinIO.Bucket, src.MinIO.Bucket)
	dst.MinIO.UseSSL = src.MinIO.UseSSL
	setInt(&dst.Autosave.QuietMs, src.Autosave.QuietMs)
	setInt(&dst.Capture.FrameTimeoutMs, src.Capture.FrameTimeoutMs)
	setStr(&dst.Logging.Level, strings.ToLower(src.Logging.Level))
	setStr(&dst.Logging.Format, strings.ToLower(src.Logging.Format))
	dst.Logging.Source = src.Logging.Source
	setStr(&dst.Logging.File, src.Logging.File)
	setStr(&dst.PreferencesFile, src.PreferencesFile)
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, d *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*d = v
		}
	}
	str(EnvPort, &cfg.Server.Port)
	str(EnvDBDriver, &cfg.Database.Driver)
	str(EnvDBDSN, &cfg.Database.DSN)
	str(EnvAIProvider, &cfg.AI.Provider)
	str(EnvAIBaseURL, &cfg.AI.BaseURL)
	str(EnvRedisAddr, &cfg.Redis.Addr)
	str(EnvRedisPassword, &cfg.Redis.Password)
	str(EnvMinIOEndpoint, &cfg.MinIO.Endpoint)
	str(EnvMinIOAccess, &cfg.MinIO.AccessKey)
	str(EnvMinIOSecret, &cfg.MinIO.SecretKey)
	str(EnvLogLevel, &cfg.Logging.Level)
	str(EnvLogFormat, &cfg.Logging.Format)
	str(EnvLogFile, &cfg.Logging.File)
	if v := strings.TrimSpace(os.Getenv("STC_AI_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AI.TimeoutMs = n
		}
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
}
