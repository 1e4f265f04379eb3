// Package config loads service configuration from the environment and the
// optional court profile YAML. Environment variables always win; the profile
// carries tunables an operator versions alongside the deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientMode selects the stub or real implementation of an external client.
type ClientMode string

const (
	ModeStub ClientMode = "stub"
	ModeRPC  ClientMode = "rpc"
	ModeHTTP ClientMode = "http"
)

// Config holds everything the daemon needs at boot.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite file for the court store.
	DatabasePath string
	// OCPDatabasePath is the sibling OCP store; defaults to the court file
	// so small deployments run on one database.
	OCPDatabasePath string

	DataDir string

	// Secrets.
	SystemKey           string
	WorkerToken         string
	AdminKey            string
	AdminJWTSecret      string
	WebhookMasterSecret string

	// External collaborators.
	JudgeMode       ClientMode
	JudgeServiceURL string
	JudgeAPIKey     string
	JudgeModel      string
	DrandMode       ClientMode
	DrandURL        string
	SolanaMode      ClientMode
	SolanaRPCURL    string
	TreasuryAddress string
	MintWorkerMode  ClientMode
	MintWorkerURL   string

	// ExternalBaseURL is embedded in seal requests so receipts can link back
	// to the public decision page.
	ExternalBaseURL string

	// RedisURL switches the failed-auth limiter to the shared backend.
	RedisURL string

	// OTLPEndpoint enables OpenTelemetry export when non-empty.
	OTLPEndpoint string

	// AllowedOrigins for CORS; empty means allow all (development).
	AllowedOrigins []string

	// AgreementFeeLamports > 0 requires a verified treasury payment on
	// propose.
	AgreementFeeLamports uint64
	// RequireFeePayerMatch additionally pins the payer to partyA.
	RequireFeePayerMatch bool

	// EnforceFilingCap switches the daily filing soft cap from log-only to
	// reject.
	EnforceFilingCap bool

	// WebhookAllowPrivate relaxes the SSRF filter so deliveries may target
	// loopback and RFC 1918 hosts. Development only.
	WebhookAllowPrivate bool

	ProfilePath string
	Profile     *Profile
}

// Load reads configuration from environment variables, applying defaults
// suitable for a single-node deployment, then loads the court profile.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envOr("PORT", "8080"),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		DatabasePath:         envOr("DATABASE_PATH", "data/court.db"),
		DataDir:              envOr("DATA_DIR", "data"),
		SystemKey:            os.Getenv("SYSTEM_KEY"),
		WorkerToken:          os.Getenv("WORKER_TOKEN"),
		AdminKey:             os.Getenv("ADMIN_KEY"),
		AdminJWTSecret:       os.Getenv("ADMIN_JWT_SECRET"),
		WebhookMasterSecret:  os.Getenv("WEBHOOK_MASTER_SECRET"),
		JudgeMode:            clientMode("JUDGE_MODE", ModeStub),
		JudgeServiceURL:      envOr("JUDGE_SERVICE_URL", "https://api.openai.com/v1/chat/completions"),
		JudgeAPIKey:          os.Getenv("JUDGE_API_KEY"),
		JudgeModel:           envOr("JUDGE_MODEL", "gpt-4o-mini"),
		DrandMode:            clientMode("DRAND_MODE", ModeStub),
		DrandURL:             envOr("DRAND_URL", "https://api.drand.sh"),
		SolanaMode:           clientMode("SOLANA_MODE", ModeStub),
		SolanaRPCURL:         envOr("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		TreasuryAddress:      os.Getenv("TREASURY_ADDRESS"),
		MintWorkerMode:       clientMode("MINT_WORKER_MODE", ModeStub),
		MintWorkerURL:        os.Getenv("MINT_WORKER_URL"),
		ExternalBaseURL:      envOr("EXTERNAL_BASE_URL", "http://localhost:8080"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:          os.Getenv("COURT_PROFILE"),
		EnforceFilingCap:     os.Getenv("ENFORCE_FILING_CAP") == "true",
		RequireFeePayerMatch: os.Getenv("REQUIRE_FEE_PAYER_MATCH") == "true",
		WebhookAllowPrivate:  os.Getenv("WEBHOOK_ALLOW_PRIVATE") == "true",
	}
	cfg.OCPDatabasePath = envOr("OCP_DATABASE_PATH", cfg.DatabasePath)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if fee := os.Getenv("AGREEMENT_FEE_LAMPORTS"); fee != "" {
		v, err := strconv.ParseUint(fee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: AGREEMENT_FEE_LAMPORTS is not a number: %w", err)
		}
		cfg.AgreementFeeLamports = v
	}

	profile, err := LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	cfg.Profile = profile

	return cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func clientMode(key string, fallback ClientMode) ClientMode {
	switch os.Getenv(key) {
	case "stub":
		return ModeStub
	case "rpc":
		return ModeRPC
	case "http":
		return ModeHTTP
	case "":
		return fallback
	default:
		return fallback
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Durations frequently derived from the profile.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Profile.Session.TickSeconds) * time.Second
}
