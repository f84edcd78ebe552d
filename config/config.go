package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig      `toml:"app"`
	Auth     AuthConfig     `toml:"auth"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
	Blob     BlobConfig     `toml:"blob"`
	Sync     SyncConfig     `toml:"sync"`
}

type AppConfig struct {
	Addr       string `toml:"addr"`
	LogLevel   string `toml:"log_level"`
	CORSOrigin string `toml:"cors_origin"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type DatabaseConfig struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Name     string `toml:"dbname"`
	SSLMode  string `toml:"sslmode"`
}

type RedisConfig struct {
	Addr              string `toml:"addr"`
	Password          string `toml:"password"`
	DB                int    `toml:"db"`
	ProfileTTLSeconds int    `toml:"profile_ttl_seconds"`
}

type RabbitMQConfig struct {
	URL            string `toml:"url"`
	ChangeExchange string `toml:"change_exchange"`
}

type BlobConfig struct {
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	UseSSL        bool   `toml:"use_ssl"`
	Region        string `toml:"region"`
	BannerBucket  string `toml:"banner_bucket"`
	AvatarBucket  string `toml:"avatar_bucket"`
	PublicBaseURL string `toml:"public_base_url"`
}

type SyncConfig struct {
	SaveDelayMillis int `toml:"save_delay_ms"`
}

// Load layers defaults, the optional TOML file named by CONFIG_FILE, a .env
// file and finally the process environment.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := getEnv("CONFIG_FILE", "configs/config.toml")
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("decode config file failed: %w", err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	overrideByEnv(cfg)
	return cfg, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) SaveDelay() time.Duration {
	if c.Sync.SaveDelayMillis <= 0 {
		return 850 * time.Millisecond
	}
	return time.Duration(c.Sync.SaveDelayMillis) * time.Millisecond
}

func (c *Config) ProfileTTL() time.Duration {
	return time.Duration(c.Redis.ProfileTTLSeconds) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Addr:       ":8080",
			LogLevel:   "info",
			CORSOrigin: "*",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			Name:    "postgres",
			SSLMode: "require",
		},
		Redis: RedisConfig{
			ProfileTTLSeconds: 300,
		},
		RabbitMQ: RabbitMQConfig{
			ChangeExchange: "workspace.changes",
		},
		Blob: BlobConfig{
			Region:       "us-east-1",
			BannerBucket: "file-banners",
			AvatarBucket: "avatars",
		},
		Sync: SyncConfig{
			SaveDelayMillis: 850,
		},
	}
}

func overrideByEnv(cfg *Config) {
	cfg.App.Addr = getEnv("APP_ADDR", cfg.App.Addr)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.CORSOrigin = getEnv("CORS_ORIGIN", cfg.App.CORSOrigin)
	cfg.Auth.JWTSecret = getEnv("SUPABASE_JWT_SECRET", cfg.Auth.JWTSecret)

	// Lowercase keys match the connection settings the dashboard hands out.
	cfg.Database.User = getEnv("user", cfg.Database.User)
	cfg.Database.Password = getEnv("password", cfg.Database.Password)
	cfg.Database.Host = getEnv("host", cfg.Database.Host)
	cfg.Database.Port = getEnv("port", cfg.Database.Port)
	cfg.Database.Name = getEnv("dbname", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.ProfileTTLSeconds = getEnvAsInt("REDIS_PROFILE_TTL_SECONDS", cfg.Redis.ProfileTTLSeconds)

	cfg.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.ChangeExchange = getEnv("RABBITMQ_CHANGE_EXCHANGE", cfg.RabbitMQ.ChangeExchange)

	cfg.Blob.Endpoint = getEnv("BLOB_ENDPOINT", cfg.Blob.Endpoint)
	cfg.Blob.AccessKey = getEnv("BLOB_ACCESS_KEY", cfg.Blob.AccessKey)
	cfg.Blob.SecretKey = getEnv("BLOB_SECRET_KEY", cfg.Blob.SecretKey)
	cfg.Blob.UseSSL = getEnvAsBool("BLOB_USE_SSL", cfg.Blob.UseSSL)
	cfg.Blob.Region = getEnv("BLOB_REGION", cfg.Blob.Region)
	cfg.Blob.BannerBucket = getEnv("BLOB_BANNER_BUCKET", cfg.Blob.BannerBucket)
	cfg.Blob.AvatarBucket = getEnv("BLOB_AVATAR_BUCKET", cfg.Blob.AvatarBucket)
	cfg.Blob.PublicBaseURL = getEnv("BLOB_PUBLIC_BASE_URL", cfg.Blob.PublicBaseURL)

	cfg.Sync.SaveDelayMillis = getEnvAsInt("SYNC_SAVE_DELAY_MS", cfg.Sync.SaveDelayMillis)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
