package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Admission AdmissionConfig
	Ranking   RankingConfig
	Catalog   CatalogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AdmissionConfig governs the enrollment admission controller.
type AdmissionConfig struct {
	// RequireApproval routes new admissions through a PENDING state for
	// manual registrar decision instead of approving immediately.
	RequireApproval bool
	// MaxRetries bounds how often a capacity-race is retried before the
	// admission is surfaced as failed.
	MaxRetries int
	// BulkWorkers caps concurrent per-student admissions during bulk
	// auto-assignment.
	BulkWorkers int
}

// GradeBreakpoint maps a minimum score to its 4.0-scale grade points.
type GradeBreakpoint struct {
	MinScore float64
	Points   float64
}

// RankingConfig governs GPA conversion for the ranking engine.
type RankingConfig struct {
	GradeScale []GradeBreakpoint
}

// CatalogConfig tunes subject catalog caching.
type CatalogConfig struct {
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxRetries := v.GetInt("ADMISSION_MAX_RETRIES")
	if maxRetries <= 0 {
		maxRetries = 3
	}
	bulkWorkers := v.GetInt("ADMISSION_BULK_WORKERS")
	if bulkWorkers <= 0 {
		bulkWorkers = 4
	}
	cfg.Admission = AdmissionConfig{
		RequireApproval: v.GetBool("ADMISSION_REQUIRE_APPROVAL"),
		MaxRetries:      maxRetries,
		BulkWorkers:     bulkWorkers,
	}

	scale, err := ParseGradeScale(v.GetString("RANKING_GRADE_SCALE"))
	if err != nil {
		return nil, fmt.Errorf("invalid RANKING_GRADE_SCALE: %w", err)
	}
	cfg.Ranking = RankingConfig{GradeScale: scale}

	cfg.Catalog = CatalogConfig{
		CacheTTL: parseDuration(v.GetString("CATALOG_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sims_core")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ADMISSION_REQUIRE_APPROVAL", false)
	v.SetDefault("ADMISSION_MAX_RETRIES", 3)
	v.SetDefault("ADMISSION_BULK_WORKERS", 4)

	v.SetDefault("RANKING_GRADE_SCALE", "90:4.0,80:3.0,70:2.0,60:1.0")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
}

// ParseGradeScale parses a "min:points,min:points" breakpoint table,
// ordered descending by minimum score. Scores below the lowest breakpoint
// map to zero points.
func ParseGradeScale(raw string) ([]GradeBreakpoint, error) {
	parts := splitAndTrim(raw)
	if len(parts) == 0 {
		return nil, errors.New("empty grade scale")
	}
	scale := make([]GradeBreakpoint, 0, len(parts))
	prev := -1.0
	for _, part := range parts {
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed breakpoint %q", part)
		}
		min, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed breakpoint %q: %w", part, err)
		}
		points, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed breakpoint %q: %w", part, err)
		}
		if prev >= 0 && min >= prev {
			return nil, fmt.Errorf("breakpoints must be strictly descending, got %q", raw)
		}
		prev = min
		scale = append(scale, GradeBreakpoint{MinScore: min, Points: points})
	}
	return scale, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
