package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	CachePath  string
	CORSOrigin string

	// Shared store. Redis wins when both are set; with neither the
	// instance runs local-only.
	RedisURL    string
	DatabaseURL string

	TokenSecret string
	AdminEmail  string
	AccessTTL   time.Duration

	MeiliURL       string
	MeiliMasterKey string

	// Object storage for snapshots, disabled when the endpoint is
	// empty.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// Import journal, a local git repository of schedule snapshots.
	JournalDir string

	// SMTP for the approval workflow notices, disabled when the host
	// is empty.
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

func Load() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8790"),
		CachePath:   getenv("WORKSITE_CACHE_PATH", "./data/worksite-cache.db"),
		CORSOrigin:  getenv("WORKSITE_CORS_ORIGIN", "*"),
		RedisURL:    getenv("REDIS_URL", ""),
		DatabaseURL: getenv("DATABASE_URL", ""),
		TokenSecret: getenv("WORKSITE_TOKEN_SECRET", "worksite-dev-secret"),
		AdminEmail:  getenv("WORKSITE_ADMIN_EMAIL", ""),
		AccessTTL:   time.Duration(getenvInt("WORKSITE_ACCESS_TTL_SECONDS", 43200)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		S3Endpoint:  getenv("S3_ENDPOINT", ""),
		S3AccessKey: getenv("S3_ACCESS_KEY", ""),
		S3SecretKey: getenv("S3_SECRET_KEY", ""),
		S3Bucket:    getenv("S3_BUCKET", "worksite-snapshots"),
		S3UseSSL:    getenvBool("S3_USE_SSL", false),

		JournalDir: getenv("WORKSITE_JOURNAL_DIR", "./data/journal"),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUser:     getenv("SMTP_USER", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Worksite"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
