package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret          string
	Issuer             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	CleanupInterval    time.Duration
	BootstrapAdmin     string
	BootstrapPassword  string
}

type SecurityConfig struct {
	// Login rate limiting (sliding window, per key)
	LoginMaxPerIP       int
	LoginMaxPerUsername int
	LoginWindow         time.Duration

	// Global edge rate limiting
	GlobalRateLimit  int
	GlobalRateWindow time.Duration

	// Account lockout
	LockoutThreshold int
	LockoutDuration  time.Duration

	// Brute force detection: failed logins from one IP
	BruteForceThreshold int
	BruteForceWindow    time.Duration

	// Credential stuffing detection: distinct accounts tried from one IP
	StuffingThreshold int
	StuffingWindow    time.Duration

	// Auto-ban behavior
	AutoBanEnabled  bool
	AutoBanDuration time.Duration

	// When the ban registry is unreachable, allow traffic through rather
	// than taking the whole edge down with it.
	BanCheckFailOpen bool

	TrustProxyHeaders bool

	// Static IP lists, checked before the ban registry. Allowlisted
	// addresses skip every edge filter; denylisted ones never get in.
	IPAllowlist []string
	IPDenylist  []string

	// Request body cap in bytes.
	MaxBodyBytes int64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "aegis"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			Issuer:             getEnv("JWT_ISSUER", "aegis"),
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			CleanupInterval:    getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			BootstrapAdmin:     getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
			BootstrapPassword:  getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
		},
		Security: SecurityConfig{
			LoginMaxPerIP:       getEnvAsInt("LOGIN_MAX_PER_IP", 10),
			LoginMaxPerUsername: getEnvAsInt("LOGIN_MAX_PER_USERNAME", 5),
			LoginWindow:         getEnvAsDuration("LOGIN_WINDOW", 60*time.Second),
			GlobalRateLimit:     getEnvAsInt("GLOBAL_RATE_LIMIT", 300),
			GlobalRateWindow:    getEnvAsDuration("GLOBAL_RATE_WINDOW", time.Minute),
			LockoutThreshold:    getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:     getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			BruteForceThreshold: getEnvAsInt("BRUTE_FORCE_THRESHOLD", 10),
			BruteForceWindow:    getEnvAsDuration("BRUTE_FORCE_WINDOW", 5*time.Minute),
			StuffingThreshold:   getEnvAsInt("STUFFING_THRESHOLD", 5),
			StuffingWindow:      getEnvAsDuration("STUFFING_WINDOW", 10*time.Minute),
			AutoBanEnabled:      getEnvAsBool("AUTO_BAN_ENABLED", true),
			AutoBanDuration:     getEnvAsDuration("AUTO_BAN_DURATION", time.Hour),
			BanCheckFailOpen:    getEnvAsBool("BAN_CHECK_FAIL_OPEN", true),
			TrustProxyHeaders:   getEnvAsBool("TRUST_PROXY_HEADERS", false),
			IPAllowlist:         getEnvAsList("IP_ALLOWLIST"),
			IPDenylist:          getEnvAsList("IP_DENYLIST"),
			MaxBodyBytes:        int64(getEnvAsInt("MAX_BODY_BYTES", 1<<20)),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if env == "production" && cfg.Auth.BootstrapPassword == "" {
		return nil, fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD is required in production")
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for the signing key
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
