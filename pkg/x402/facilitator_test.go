package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func devnetFacilitator() *Facilitator {
	return NewFacilitator(Config{
		Enabled:        true,
		WalletAddress:  "PhxRvk123",
		Network:        "devnet",
		MinPaymentUSDC: "0.001",
	})
}

func TestSimulatedVerificationAccepts(t *testing.T) {
	f := devnetFacilitator()
	v, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.01", Token: "USDC", Memo: "evidence:evd_1",
	}, "evidence:evd_1", "0.01")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if !v.Valid {
		t.Fatalf("expected valid payment, got %+v", v)
	}
}

func TestSimulatedVerificationRejectsMemoMismatch(t *testing.T) {
	f := devnetFacilitator()
	v, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.01", Token: "USDC", Memo: "evidence:other",
	}, "evidence:evd_1", "0.01")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if v.Valid {
		t.Fatal("expected memo mismatch rejection")
	}
}

func TestSimulatedVerificationRejectsUnderpayment(t *testing.T) {
	f := devnetFacilitator()
	v, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.001", Token: "USDC", Memo: "evidence:evd_1",
	}, "evidence:evd_1", "0.05")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if v.Valid {
		t.Fatal("expected underpayment rejection")
	}
}

func TestUnsupportedTokenRejected(t *testing.T) {
	f := devnetFacilitator()
	v, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.01", Token: "DOGE", Memo: "evidence:evd_1",
	}, "evidence:evd_1", "0.01")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if v.Valid {
		t.Fatal("expected unsupported token rejection")
	}
}

func TestRemoteVerificationCallsFacilitator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ExpectedRecipient != "PhxRvkWallet" {
			t.Fatalf("unexpected recipient %q", req.ExpectedRecipient)
		}
		amount := "0.05"
		_ = json.NewEncoder(w).Encode(facilitatorResponse{Valid: true, Amount: &amount})
	}))
	defer srv.Close()

	f := NewFacilitator(Config{
		Enabled:        true,
		WalletAddress:  "PhxRvkWallet",
		FacilitatorURL: srv.URL,
		Network:        "mainnet-beta",
	})
	v, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.05", Token: "USDC", Memo: "evidence:evd_1",
	}, "evidence:evd_1", "0.05")
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if !v.Valid || v.AmountUSDC != "0.05" {
		t.Fatalf("unexpected verification: %+v", v)
	}
}

func TestRemoteFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFacilitator(Config{
		Enabled:        true,
		WalletAddress:  "PhxRvkWallet",
		FacilitatorURL: srv.URL,
		Network:        "mainnet-beta",
	})
	_, err := f.VerifyPayment(context.Background(), PaymentProof{
		Signature: "sig1", Amount: "0.05", Token: "USDC",
	}, "evidence:evd_1", "0.05")
	if !errors.Is(err, ErrFacilitatorUnavailable) {
		t.Fatalf("expected retryable facilitator error, got %v", err)
	}
}
