package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile            string
	APIAddr           string
	MaxMessageLength  int
	TypingTTL         time.Duration
	PresenceGrace     time.Duration
	TokenExpiry       time.Duration
	ConnectionBacklog int
}

func Load() (*Config, error) {
	typingTTL, err := time.ParseDuration(getEnv("TYPING_TTL", "3s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_TTL: %w", err)
	}

	presenceGrace, err := time.ParseDuration(getEnv("PRESENCE_GRACE", "5s"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_GRACE: %w", err)
	}

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}

	maxLen, err := strconv.Atoi(getEnv("MAX_MESSAGE_LENGTH", "4000"))
	if err != nil {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH: %w", err)
	}

	cfg := &Config{
		DBFile:            getEnv("TRENERKA_DB", "trenerka.db"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		MaxMessageLength:  maxLen,
		TypingTTL:         typingTTL,
		PresenceGrace:     presenceGrace,
		TokenExpiry:       tokenExpiry,
		ConnectionBacklog: 100,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be greater than 0")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be greater than 0")
	}
	if c.PresenceGrace < 0 {
		return fmt.Errorf("PRESENCE_GRACE must not be negative")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
