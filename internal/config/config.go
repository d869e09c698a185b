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
	QueuePath             string
	SyncIntervalSeconds   int
	TaxRatePercent        float64
	PointValueCents       int64
	MaxLoyaltyFraction    float64
	EarnDivisorCents      int64
	AuthSecret            string
	AccessTokenTTLMinutes int
	CallbackSecret        string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	syncInterval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_SECONDS", "30"))
	if err != nil || syncInterval < 1 {
		syncInterval = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, err := strconv.ParseFloat(getEnv("TAX_RATE_PERCENT", "18"), 64)
	if err != nil || taxRate < 0 || taxRate > 100 {
		taxRate = 18
	}
	pointValue, err := strconv.ParseInt(getEnv("POINT_VALUE_CENTS", "1"), 10, 64)
	if err != nil || pointValue < 1 {
		pointValue = 1
	}
	maxLoyalty, err := strconv.ParseFloat(getEnv("MAX_LOYALTY_FRACTION", "0.10"), 64)
	if err != nil || maxLoyalty <= 0 || maxLoyalty > 1 {
		maxLoyalty = 0.10
	}
	earnDivisor, err := strconv.ParseInt(getEnv("EARN_DIVISOR_CENTS", "100"), 10, 64)
	if err != nil || earnDivisor < 1 {
		earnDivisor = 100
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		QueuePath:             getEnv("QUEUE_PATH", "offline-queue.db"),
		SyncIntervalSeconds:   syncInterval,
		TaxRatePercent:        taxRate,
		PointValueCents:       pointValue,
		MaxLoyaltyFraction:    maxLoyalty,
		EarnDivisorCents:      earnDivisor,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		CallbackSecret:        strings.TrimSpace(os.Getenv("PAYMENT_CALLBACK_SECRET")),
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
