// Package x402 implements the payment-proof protocol used to gate premium
// evidence verification: price tiers, the payment proof header codec, and
// the facilitator client that checks proofs against the ledger.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ProofHeader is the canonical header carrying a payment proof.
// LegacyProofHeader is accepted for clients of the earlier protocol revision.
const (
	ProofHeader       = "X-402-Payment"
	LegacyProofHeader = "X-PAYMENT"
)

var SupportedTokens = []string{"USDC", "USDT", "SOL"}

type Tier string

const (
	TierBasic            Tier = "basic"
	TierMultiChain       Tier = "multi_chain"
	TierLegalAttestation Tier = "legal_attestation"
	TierBulk             Tier = "bulk"
)

func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierMultiChain, TierLegalAttestation, TierBulk:
		return true
	}
	return false
}

// PriceUSDC returns the tier price as a string for precision.
func (t Tier) PriceUSDC() string {
	switch t {
	case TierMultiChain:
		return "0.05"
	case TierLegalAttestation:
		return "1.00"
	case TierBulk:
		return "0.005"
	default:
		return "0.01"
	}
}

func (t Tier) Description() string {
	switch t {
	case TierMultiChain:
		return "Multi-chain verification (Solana + EtherLink)"
	case TierLegalAttestation:
		return "Court-admissible legal attestation"
	case TierBulk:
		return "Bulk verification (100+ records)"
	default:
		return "Single-chain evidence verification"
	}
}

// PaymentProof is the ledger payment reference a machine client presents as
// authorization for a gated action.
type PaymentProof struct {
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	Memo      string `json:"memo"`
	Timestamp string `json:"timestamp"`
}

// ProofFromHeader decodes a base64-encoded JSON payment proof.
func ProofFromHeader(headerValue string) (PaymentProof, error) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return PaymentProof{}, fmt.Errorf("base64 decode: %w", err)
	}
	var p PaymentProof
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentProof{}, fmt.Errorf("json parse: %w", err)
	}
	if p.Signature == "" {
		return PaymentProof{}, fmt.Errorf("proof missing signature")
	}
	return p, nil
}

func (p PaymentProof) Header() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PaymentDetails is the body of a 402 response telling the caller how to pay.
type PaymentDetails struct {
	Price           string   `json:"price"`
	Currency        string   `json:"currency"`
	Recipient       string   `json:"recipient"`
	Memo            string   `json:"memo"`
	Facilitator     string   `json:"facilitator"`
	SupportedTokens []string `json:"supported_tokens"`
	Tier            Tier     `json:"tier"`
}

// DetailsForEvidence builds payment details for verifying a specific
// evidence record; the memo correlates the payment to that record.
func DetailsForEvidence(evidenceID string, tier Tier, recipient, facilitator string) PaymentDetails {
	return PaymentDetails{
		Price:           tier.PriceUSDC(),
		Currency:        "USDC",
		Recipient:       recipient,
		Memo:            EvidenceMemo(evidenceID),
		Facilitator:     facilitator,
		SupportedTokens: SupportedTokens,
		Tier:            tier,
	}
}

func EvidenceMemo(evidenceID string) string { return "evidence:" + evidenceID }
