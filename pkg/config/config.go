package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	DataDir     string
	DatabaseURL string // empty selects SQLite under DataDir
	LogLevel    string
	ProfilePath string // retention profile YAML; empty selects the default profile

	BackupDir       string // local backup destination; empty disables it
	BackupBucket    string // S3 backup destination; empty disables it
	BackupRegion    string
	BackupEndpoint  string
	BackupPrefix    string
	BackupKeyHex    string // 32-byte hex key; empty means unencrypted snapshots
	BackupInterval  time.Duration
	BackupUploadBps int

	RedisAddr string // read-cache address; empty disables the cache

	OTLPEndpoint string
	OTLPEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := os.Getenv("SIJILL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	interval := 4 * time.Hour
	if v := os.Getenv("SIJILL_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	uploadBps := 0
	if v := os.Getenv("SIJILL_BACKUP_UPLOAD_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			uploadBps = n
		}
	}

	return &Config{
		DataDir:         dataDir,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		LogLevel:        logLevel,
		ProfilePath:     os.Getenv("SIJILL_RETENTION_PROFILE"),
		BackupDir:       os.Getenv("SIJILL_BACKUP_DIR"),
		BackupBucket:    os.Getenv("SIJILL_BACKUP_BUCKET"),
		BackupRegion:    os.Getenv("AWS_REGION"),
		BackupEndpoint:  os.Getenv("SIJILL_BACKUP_ENDPOINT"),
		BackupPrefix:    os.Getenv("SIJILL_BACKUP_PREFIX"),
		BackupKeyHex:    os.Getenv("SIJILL_BACKUP_KEY"),
		BackupInterval:  interval,
		BackupUploadBps: uploadBps,
		RedisAddr:       os.Getenv("SIJILL_REDIS_ADDR"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPEnabled:     os.Getenv("SIJILL_METRICS") == "true",
	}
}

// Profile loads the configured retention profile, or the default
// profile when none is set.
func (c *Config) Profile() (*RetentionProfile, error) {
	if c.ProfilePath == "" {
		return DefaultRetentionProfile(), nil
	}
	return LoadRetentionProfile(c.ProfilePath)
}

// BackupKey decodes the snapshot encryption key. An empty setting
// returns nil with no error.
func (c *Config) BackupKey() ([]byte, error) {
	if c.BackupKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.BackupKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: SIJILL_BACKUP_KEY is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: SIJILL_BACKUP_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
