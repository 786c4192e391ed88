// Package dbconfig resolves the Postgres settings for the station state
// store. A full DATABASE_URL wins when set; otherwise the connection URL is
// assembled from the individual DB_* variables.
package dbconfig

import (
	"net"
	"net/url"
	"os"
	"strconv"
)

// Config holds Postgres connection settings.
type Config struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// MaxConns caps the pgx pool size; zero leaves the driver default.
	MaxConns int
}

// NewConfigFromEnv reads DATABASE_URL and the DB_* variables, with
// defaults suited to local development.
func NewConfigFromEnv() Config {
	return Config{
		URL:      os.Getenv("DATABASE_URL"),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "stationsync"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
		MaxConns: getEnvInt("DB_MAX_CONNS", 0),
	}
}

// DSN returns the pgx connection URL.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(c.MaxConns))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
