package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port string `validate:"required"`
	Host string
	Env  string `validate:"required"`

	DBType     string `validate:"oneof=sqlite postgres"`
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBPath     string

	// Storage configuration
	StorageBackend string `validate:"omitempty,oneof=disk memory s3"`
	StoragePath    string // For disk backend
	TempDir        string // Temp directory for uploads (defaults to system temp)
	S3Endpoint     string // Custom endpoint for S3-compatible services
	S3Region       string
	S3Bucket       string `validate:"required_if=StorageBackend s3"`
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool // Use path-style addressing (required for MinIO/rustfs)

	DefaultUserQuota int64 `validate:"gt=0"`
	MaxUploadSize    int64 `validate:"gt=0"`

	JWTSecret    string        `validate:"required"`
	JWTExpiresIn time.Duration `validate:"gt=0"`
	BcryptCost   int           `validate:"gte=4,lte=31"`
	CSRFEnabled  bool

	EnableRegistration bool

	// Auth endpoints allow AuthRateLimit requests per AuthRateWindow per client IP.
	AuthRateLimit  int           `validate:"gt=0"`
	AuthRateWindow time.Duration `validate:"gt=0"`

	// Orphan sweeper: stored objects without a file record older than
	// OrphanGracePeriod are removed every OrphanSweepInterval.
	OrphanSweepInterval time.Duration `validate:"gt=0"`
	OrphanGracePeriod   time.Duration `validate:"gt=0"`

	ShutdownTimeout time.Duration `validate:"gt=0"`

	// TrustedProxyCIDRs is a list of CIDR ranges (e.g., "127.0.0.1/32", "10.0.0.0/8")
	// whose X-Real-IP / X-Forwarded-For headers are trusted when rate limiting,
	// and whose X-Forwarded-Proto is trusted when building absolute file URLs.
	TrustedProxyCIDRs []string

	// CORSAllowedOrigins is a list of allowed origins for cross-origin API calls.
	// If empty, no CORS headers are sent (same-origin only).
	// Origins should include scheme (e.g., "https://example.com").
	CORSAllowedOrigins []string
}

var validate = validator.New()

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "5000"),
		Host:                getEnv("HOST", "0.0.0.0"),
		Env:                 getEnv("ENV", "development"),
		DBType:              getEnv("DB_TYPE", "sqlite"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBName:              getEnv("DB_NAME", "cloudfiles"),
		DBUser:              getEnv("DB_USER", "cloudfiles"),
		DBPassword:          getEnv("DB_PASSWORD", ""),
		DBPath:              getEnv("DB_PATH", "./data/cloudfiles.db"),
		StorageBackend:      getEnv("STORAGE_BACKEND", "disk"),
		StoragePath:         getEnv("STORAGE_PATH", "./uploads"),
		TempDir:             getEnv("TEMP_DIR", ""),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Bucket:            getEnv("S3_BUCKET", ""),
		S3AccessKey:         getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:         getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle:      getEnvBool("S3_USE_PATH_STYLE", false),
		DefaultUserQuota:    getEnvSize("DEFAULT_USER_QUOTA", "1G"),
		MaxUploadSize:       getEnvSize("MAX_UPLOAD_SIZE", "50M"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		JWTExpiresIn:        getEnvDuration("JWT_EXPIRES_IN", "360d"),
		BcryptCost:          getEnvInt("BCRYPT_COST", 10),
		CSRFEnabled:         getEnvBool("CSRF_ENABLED", false),
		EnableRegistration:  getEnvBool("ENABLE_REGISTRATION", true),
		AuthRateLimit:       getEnvInt("AUTH_RATE_LIMIT", 5),
		AuthRateWindow:      getEnvDuration("AUTH_RATE_WINDOW", "15m"),
		OrphanSweepInterval: getEnvDuration("ORPHAN_SWEEP_INTERVAL", "1h"),
		OrphanGracePeriod:   getEnvDuration("ORPHAN_GRACE_PERIOD", "24h"),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", "30s"),
		TrustedProxyCIDRs:   getEnvStringSlice("TRUSTED_PROXY_CIDRS", nil),
		CORSAllowedOrigins:  getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
	}

	if cfg.JWTSecret == "" && cfg.Env != "production" {
		cfg.JWTSecret = "change_me_in_production"
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the struct tags and returns the first failure in a
// readable form.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("invalid configuration: %s failed on '%s' (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvStringSlice parses a comma-separated env var into a string slice.
// Empty entries are filtered out. Returns defaultValue if env var is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// parseSize converts human-readable sizes (e.g., "10G", "50M", "1K") to bytes
// Supports: B, K/KB, M/MB, G/GB, T/TB (case-insensitive)
func parseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	units := []struct {
		suffixes   []string
		multiplier int64
	}{
		{[]string{"TB", "T"}, 1 << 40},
		{[]string{"GB", "G"}, 1 << 30},
		{[]string{"MB", "M"}, 1 << 20},
		{[]string{"KB", "K"}, 1 << 10},
		{[]string{"B"}, 1},
	}

	for _, unit := range units {
		for _, suffix := range unit.suffixes {
			if !strings.HasSuffix(sizeStr, suffix) {
				continue
			}
			val, err := strconv.ParseFloat(strings.TrimSuffix(sizeStr, suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size value: %s", sizeStr)
			}
			return int64(val * float64(unit.multiplier)), nil
		}
	}

	return 0, fmt.Errorf("invalid size format: %s (use B, K/KB, M/MB, G/GB, T/TB)", sizeStr)
}

// getEnvSize parses size strings like "10G", "50M" or raw bytes
func getEnvSize(key string, defaultValue string) int64 {
	size, err := parseSize(getEnv(key, defaultValue))
	if err != nil {
		if defaultSize, defaultErr := parseSize(defaultValue); defaultErr == nil {
			return defaultSize
		}
		return 0
	}
	return size
}

// parseDuration accepts everything time.ParseDuration does plus a whole-day
// suffix ("360d"), which is how token lifetimes are usually written.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day duration: %s", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}

// getEnvDuration parses duration strings like "24h", "30m", "360d"
func getEnvDuration(key string, defaultValue string) time.Duration {
	duration, err := parseDuration(getEnv(key, defaultValue))
	if err != nil {
		if defaultDuration, defaultErr := parseDuration(defaultValue); defaultErr == nil {
			return defaultDuration
		}
		return 24 * time.Hour
	}
	return duration
}
