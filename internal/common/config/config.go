package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Index    IndexConfig
	Datasets []Dataset
}

type ServerConfig struct {
	Port string
	// Hostname appears in document URLs; empty uses the request Host header
	Hostname        string
	Protocol        string
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Root         string
	DatasetsFile string
}

type LoggingConfig struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	DiscordURL string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// CacheConfig tunes response freshness
type CacheConfig struct {
	// ImmutableAfter marks static fragments departing this long ago as immutable
	ImmutableAfter time.Duration
	// StaticInterval aligns static expiry on a schedule; zero keeps a fixed 24h horizon
	StaticInterval time.Duration
}

type IndexConfig struct {
	RefreshInterval time.Duration
}

// Load reads the environment and the datasets file it points to.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Hostname:        getEnv("SERVER_HOSTNAME", ""),
			Protocol:        getEnv("SERVER_PROTOCOL", ""),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Root:         getEnv("STORAGE_ROOT", "./storage"),
			DatasetsFile: getEnv("DATASETS_FILE", "datasets.yml"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE", "lcserver.log"),
			MaxSizeMB:  getIntEnv("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getIntEnv("LOG_MAX_BACKUPS", 5),
			DiscordURL: getEnv("LOG_DISCORD_WEBHOOK", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "lcserver"),
		},
		Cache: CacheConfig{
			ImmutableAfter: getDurationEnv("CACHE_IMMUTABLE_AFTER", 3*time.Hour),
			StaticInterval: getDurationEnv("CACHE_STATIC_INTERVAL", 0),
		},
		Index: IndexConfig{
			RefreshInterval: getDurationEnv("INDEX_REFRESH_INTERVAL", time.Minute),
		},
	}

	datasets, err := LoadDatasets(cfg.Storage.DatasetsFile)
	if err != nil {
		return nil, err
	}
	cfg.Datasets = datasets

	return cfg, nil
}

// LiveInterval is the shortest real-time update interval of any dataset,
// 30s when none publishes real-time data.
func (c *Config) LiveInterval() time.Duration {
	interval := time.Duration(0)
	for _, d := range c.Datasets {
		if d.RealTimeData == nil {
			continue
		}
		if interval == 0 || d.RealTimeData.UpdateInterval < interval {
			interval = d.RealTimeData.UpdateInterval
		}
	}
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
