package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Security    SecurityConfig
	Maintenance MaintenanceConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	AllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds access token configuration for the admin API
type JWTConfig struct {
	AccessSecret      string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// SecurityConfig holds the login defense and audit retention settings
type SecurityConfig struct {
	// MaxLoginAttempts is the per-account failure count that triggers a lockout
	MaxLoginAttempts int
	// LockoutDuration is how long an account stays locked
	LockoutDuration time.Duration
	// IPMaxAttempts is the per-address failure count inside IPWindow that triggers a block
	IPMaxAttempts int
	// IPWindow is the trailing window used to count failures per address
	IPWindow time.Duration
	// IPBlockDuration is how long an address block lasts (and how far each extension pushes it)
	IPBlockDuration time.Duration
	// AuditRetentionDays is the age after which audit events are purged
	AuditRetentionDays int
	// Location is the fixed zone used for audit timestamps and day bucketing
	Location *time.Location
}

// MaintenanceConfig holds settings for the periodic cleanup job
type MaintenanceConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ipam"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			AccessSecret:      getEnv("JWT_ACCESS_SECRET", ""),
			AccessTokenExpiry: getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:            getEnv("JWT_ISSUER", "ipam"),
		},
		Security: LoadSecurity(),
		Maintenance: MaintenanceConfig{
			Enabled:  getBoolEnv("MAINTENANCE_ENABLED", true),
			Interval: getDurationEnv("MAINTENANCE_INTERVAL", time.Hour),
		},
	}
}

// LoadSecurity reads the login defense settings on their own; cmd/maintenance
// needs them without the rest of the server configuration.
func LoadSecurity() SecurityConfig {
	return SecurityConfig{
		MaxLoginAttempts:   getIntEnv("SECURITY_MAX_LOGIN_ATTEMPTS", 5),
		LockoutDuration:    getDurationEnv("SECURITY_LOCKOUT_DURATION", 30*time.Minute),
		IPMaxAttempts:      getIntEnv("SECURITY_IP_MAX_ATTEMPTS", 10),
		IPWindow:           getDurationEnv("SECURITY_IP_WINDOW", time.Hour),
		IPBlockDuration:    getDurationEnv("SECURITY_IP_BLOCK_DURATION", time.Hour),
		AuditRetentionDays: getIntEnv("AUDIT_RETENTION_DAYS", 90),
		Location:           getLocationEnv("APP_TIMEZONE", time.UTC),
	}
}

// DefaultSecurity returns the security settings with every default applied
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		MaxLoginAttempts:   5,
		LockoutDuration:    30 * time.Minute,
		IPMaxAttempts:      10,
		IPWindow:           time.Hour,
		IPBlockDuration:    time.Hour,
		AuditRetentionDays: 90,
		Location:           time.UTC,
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns a positive integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable (in minutes) or default
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil && minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated environment variable
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getLocationEnv loads an IANA zone name, falling back on unknown names
func getLocationEnv(key string, defaultValue *time.Location) *time.Location {
	if value := os.Getenv(key); value != "" {
		if loc, err := time.LoadLocation(value); err == nil {
			return loc
		}
	}
	return defaultValue
}
