package server

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port              string   `envconfig:"PORT" default:"8080"`
	AllowedOrigins    []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	FrontendDir       string   `envconfig:"FRONTEND_DIR" default:"dist"`
	DatabaseURL       string   `envconfig:"DATABASE_URL" default:"sqlite:data/watchparty.db"`
	MaxViewersPerRoom int      `envconfig:"MAX_VIEWERS_PER_ROOM" default:"12"`
	Auth0Domain       string   `envconfig:"AUTH0_DOMAIN"`
	Auth0Audience     string   `envconfig:"AUTH0_AUDIENCE"`
	YouTubeAPIKey     string   `envconfig:"YOUTUBE_API_KEY"`
	OTelStdout        bool     `envconfig:"OTEL_STDOUT"`
}

const (
	defaultMaxViewersPerRoom = 12
	defaultAllowedOrigin     = "*"
)

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AllowedOrigins = parseAllowedOrigins(strings.Join(cfg.AllowedOrigins, ","))
	if cfg.MaxViewersPerRoom <= 0 {
		cfg.MaxViewersPerRoom = defaultMaxViewersPerRoom
	}
	return cfg, nil
}

// Auth0 returns the token validation settings, and false when identity is not configured.
func (c Config) Auth0() (Auth0Config, bool) {
	if c.Auth0Domain == "" || c.Auth0Audience == "" {
		return Auth0Config{}, false
	}
	return Auth0Config{Domain: c.Auth0Domain, Audience: c.Auth0Audience}, true
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, origin := range parts {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
