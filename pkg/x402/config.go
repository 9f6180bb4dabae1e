package x402

import "os"

type Config struct {
	Enabled        bool
	WalletAddress  string
	FacilitatorURL string
	Network        string
	MinPaymentUSDC string
}

// ConfigFromEnv reads the payment subsystem configuration. The subsystem
// stays disabled unless X402_ENABLED is set and a wallet address is present.
func ConfigFromEnv() Config {
	cfg := Config{
		WalletAddress:  os.Getenv("X402_WALLET_ADDRESS"),
		FacilitatorURL: envOr("X402_FACILITATOR_URL", "https://x402.org/facilitator"),
		Network:        envOr("SOLANA_NETWORK", "devnet"),
		MinPaymentUSDC: envOr("X402_MIN_PAYMENT", "0.001"),
	}
	if v := os.Getenv("X402_ENABLED"); v == "true" || v == "1" {
		cfg.Enabled = cfg.WalletAddress != ""
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
