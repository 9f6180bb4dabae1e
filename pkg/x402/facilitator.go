package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrFacilitatorUnavailable marks transient verification failures: the
// caller should retry later rather than treat the payment as invalid.
var ErrFacilitatorUnavailable = errors.New("payment facilitator unavailable")

// Verification is the outcome of checking a payment proof against the ledger.
type Verification struct {
	Valid       bool    `json:"valid"`
	TxSignature string  `json:"tx_signature"`
	AmountUSDC  string  `json:"amount_usdc"`
	Block       *uint64 `json:"block,omitempty"`
	ConfirmedAt string  `json:"confirmed_at,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Verifier checks a payment proof against recipient, memo, and amount policy.
type Verifier interface {
	VerifyPayment(ctx context.Context, proof PaymentProof, expectedMemo, minAmount string) (Verification, error)
}

// Facilitator verifies proofs through an x402 facilitator service. On devnet
// the check is simulated locally, matching the upstream facilitator contract.
type Facilitator struct {
	Config     Config
	HTTPClient *http.Client
}

func NewFacilitator(cfg Config) *Facilitator {
	return &Facilitator{
		Config:     cfg,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type verifyRequest struct {
	Signature         string `json:"signature"`
	ExpectedRecipient string `json:"expected_recipient"`
	ExpectedMemo      string `json:"expected_memo"`
	MinAmount         string `json:"min_amount"`
	Token             string `json:"token"`
}

type facilitatorResponse struct {
	Valid       bool    `json:"valid"`
	Amount      *string `json:"amount"`
	Block       *uint64 `json:"block"`
	ConfirmedAt *string `json:"confirmed_at"`
	Error       *string `json:"error"`
}

func (f *Facilitator) VerifyPayment(ctx context.Context, proof PaymentProof, expectedMemo, minAmount string) (Verification, error) {
	if !tokenSupported(proof.Token) {
		return Verification{
			Valid:       false,
			TxSignature: proof.Signature,
			Error:       fmt.Sprintf("unsupported token %q", proof.Token),
		}, nil
	}
	if f.Config.Network == "devnet" {
		return f.simulate(proof, expectedMemo, minAmount), nil
	}

	body, err := json.Marshal(verifyRequest{
		Signature:         proof.Signature,
		ExpectedRecipient: f.Config.WalletAddress,
		ExpectedMemo:      expectedMemo,
		MinAmount:         minAmount,
		Token:             proof.Token,
	})
	if err != nil {
		return Verification{}, err
	}

	url := strings.TrimRight(f.Config.FacilitatorURL, "/") + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Verification{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Verification{}, fmt.Errorf("%w: status %d", ErrFacilitatorUnavailable, resp.StatusCode)
	}

	var fr facilitatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}

	out := Verification{Valid: fr.Valid, TxSignature: proof.Signature, AmountUSDC: proof.Amount, Block: fr.Block}
	if fr.Amount != nil {
		out.AmountUSDC = *fr.Amount
	}
	if fr.ConfirmedAt != nil {
		out.ConfirmedAt = *fr.ConfirmedAt
	}
	if fr.Error != nil {
		out.Error = *fr.Error
	}
	return out, nil
}

// simulate applies the facilitator's policy locally: memo must correlate and
// the paid amount must reach the tier minimum.
func (f *Facilitator) simulate(proof PaymentProof, expectedMemo, minAmount string) Verification {
	out := Verification{TxSignature: proof.Signature, AmountUSDC: proof.Amount}
	if proof.Memo != expectedMemo {
		out.Error = fmt.Sprintf("memo mismatch: expected %q", expectedMemo)
		return out
	}
	paid, err := strconv.ParseFloat(proof.Amount, 64)
	if err != nil {
		out.Error = "unparseable payment amount"
		return out
	}
	min, err := strconv.ParseFloat(minAmount, 64)
	if err != nil {
		out.Error = "unparseable minimum amount"
		return out
	}
	if paid < min {
		out.Error = fmt.Sprintf("insufficient payment: expected %s, received %s", minAmount, proof.Amount)
		return out
	}
	out.Valid = true
	return out
}

func tokenSupported(token string) bool {
	for _, t := range SupportedTokens {
		if t == token {
			return true
		}
	}
	return false
}
