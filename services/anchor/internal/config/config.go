// Package config loads anchoring service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/x402"
)

type Settings struct {
	DatabaseURL string
	ServerPort  string
	MetricsPort string

	// Keeper
	AnchorBackend  string // solana | rfc3161
	SolanaRPCURL   string
	SolanaNetwork  string
	TSAURL         string
	TSAPolicyOID   string
	ClaimInterval  time.Duration
	ClaimBatchSize int
	LeaseDuration  time.Duration
	WorkerCount    int
	MaxAttempts    int64
	PollInterval   time.Duration
	PollTimeout    time.Duration
	BatchMaxSize   int
	BatchMaxAge    time.Duration

	// Rate limiting (disabled when RedisAddr is empty)
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	VerifyRatePerMin int
	StatusRatePerMin int

	X402 x402.Config
}

func Load() (*Settings, error) {
	s := &Settings{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ServerPort:     getEnv("SERVICE_PORT", "8080"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		AnchorBackend:  getEnv("ANCHOR_BACKEND", "solana"),
		SolanaRPCURL:   getEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
		SolanaNetwork:  getEnv("SOLANA_NETWORK", "devnet"),
		TSAURL:         os.Getenv("TSA_URL"),
		TSAPolicyOID:   os.Getenv("TSA_POLICY_OID"),
		ClaimInterval:  getEnvDuration("KEEPER_CLAIM_INTERVAL", 2*time.Second),
		ClaimBatchSize: getEnvInt("KEEPER_CLAIM_BATCH_SIZE", 10),
		LeaseDuration:  getEnvDuration("KEEPER_LEASE_DURATION", 60*time.Second),
		WorkerCount:    getEnvInt("KEEPER_WORKERS", 4),
		MaxAttempts:    int64(getEnvInt("KEEPER_MAX_ATTEMPTS", 5)),
		PollInterval:   getEnvDuration("KEEPER_POLL_INTERVAL", 2*time.Second),
		PollTimeout:    getEnvDuration("KEEPER_POLL_TIMEOUT", 45*time.Second),
		BatchMaxSize:   getEnvInt("KEEPER_BATCH_SIZE", 1),
		BatchMaxAge:    getEnvDuration("KEEPER_BATCH_MAX_AGE", 60*time.Second),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		VerifyRatePerMin: getEnvInt("X402_VERIFY_RATE_PER_MIN", 10),
		StatusRatePerMin: getEnvInt("X402_STATUS_RATE_PER_MIN", 60),

		X402: x402.ConfigFromEnv(),
	}
	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if s.AnchorBackend != "solana" && s.AnchorBackend != "rfc3161" {
		return nil, fmt.Errorf("unknown ANCHOR_BACKEND %q", s.AnchorBackend)
	}
	if s.AnchorBackend == "rfc3161" && s.TSAURL == "" {
		return nil, fmt.Errorf("TSA_URL is required for the rfc3161 backend")
	}
	if s.ClaimBatchSize < 1 || s.WorkerCount < 1 || s.MaxAttempts < 1 {
		return nil, fmt.Errorf("claim batch size, worker count, and max attempts must be positive")
	}
	return s, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("ignoring non-integer setting")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("ignoring unparseable duration setting")
		return fallback
	}
	return d
}
