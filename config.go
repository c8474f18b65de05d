package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide service configuration, parsed from the
// environment exactly once at startup. Invalid values fail startup; nothing
// here is re-validated at request time.
type Config struct {
	Port string

	// Payment gateway
	Mode               GatewayMode
	PayToCandidates    []string // priority order; first syntactically valid address wins
	FacilitatorURL     string
	FacilitatorAPIKey  string
	Network            string
	EnforceStubPayment bool
	AllowDemoQuery     bool

	// Ledger read client
	RPCURL          string
	RegistryAddress string

	// Scoring
	Scoring      ScoringConfig
	PollInterval time.Duration

	RoutesFile      string
	RateLimitPerMin int
}

// LoadConfig builds a Config from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:              envDefault("PORT", "8090"),
		FacilitatorURL:    os.Getenv("FACILITATOR_URL"),
		FacilitatorAPIKey: os.Getenv("FACILITATOR_API_KEY"),
		Network:           envDefault("X402_NETWORK", "base-sepolia"),
		RPCURL:            os.Getenv("RPC_URL"),
		RegistryAddress:   os.Getenv("REPUTATION_REGISTRY_ADDRESS"),
		RoutesFile:        os.Getenv("ROUTES_FILE"),
	}

	mode, err := ParseGatewayMode(envDefault("X402_MODE", "auto"))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	// Payee candidates in priority order: explicit override first, then the
	// named wallet sources.
	cfg.PayToCandidates = []string{
		os.Getenv("X402_PAY_TO"),
		os.Getenv("WALLET_ADDRESS"),
		os.Getenv("CDP_WALLET_ADDRESS"),
	}

	if cfg.EnforceStubPayment, err = envBool("ENFORCE_STUB_PAYMENT", false); err != nil {
		return Config{}, err
	}
	if cfg.AllowDemoQuery, err = envBool("ALLOW_DEMO_QUERY", true); err != nil {
		return Config{}, err
	}

	scoring := DefaultScoringConfig()
	if scoring.ConfidenceThresholdFeedbackCount, err = envUint("CONFIDENCE_THRESHOLD_FEEDBACK_COUNT", scoring.ConfidenceThresholdFeedbackCount); err != nil {
		return Config{}, err
	}
	if scoring.NegativeFlagThresholdBps, err = envUint("NEGATIVE_FLAG_THRESHOLD_BPS", scoring.NegativeFlagThresholdBps); err != nil {
		return Config{}, err
	}
	if scoring.NegativeFlagThresholdBps > 10000 {
		return Config{}, fmt.Errorf("NEGATIVE_FLAG_THRESHOLD_BPS: %d exceeds 10000", scoring.NegativeFlagThresholdBps)
	}
	cfg.Scoring = scoring

	pollMs, err := envUint("POLL_INTERVAL_MS", 900000)
	if err != nil {
		return Config{}, err
	}
	if pollMs == 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL_MS: must be positive")
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond

	limit, err := envUint("RATE_LIMIT_PER_MIN", 100)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerMin = int(limit)

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envBool parses a boolean env var, accepting the usual spellings.
func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", key, v)
}

func envUint(key string, fallback uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q", key, v)
	}
	return n, nil
}
