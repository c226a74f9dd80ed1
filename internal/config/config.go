package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BusinessName          string
	SummaryTTLSeconds     int
	OutboxPollSeconds     int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	summaryTTL, err := strconv.Atoi(getEnv("PAYMENT_SUMMARY_TTL_SECONDS", "300"))
	if err != nil || summaryTTL < 1 {
		summaryTTL = 300
	}
	pollSeconds, err := strconv.Atoi(getEnv("OUTBOX_POLL_SECONDS", "2"))
	if err != nil || pollSeconds < 1 {
		pollSeconds = 2
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BusinessName:          getEnv("BUSINESS_NAME", "RealTech"),
		SummaryTTLSeconds:     summaryTTL,
		OutboxPollSeconds:     pollSeconds,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
