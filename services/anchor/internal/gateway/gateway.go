// Package gateway implements the x402 payment-gated premium verification
// endpoints. Machine clients pay per call with a ledger payment proof; a
// consumed proof is stored as a receipt and can never be replayed.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/httpx"
	"github.com/phoenixvc/phoenix-evidence/pkg/x402"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/metrics"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/ratelimit"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

// Store is the persistence the gateway needs: the job being verified and
// the receipt table that enforces one use per payment proof.
type Store interface {
	Get(ctx context.Context, id string) (store.Job, error)
	InsertPaymentReceipt(ctx context.Context, r store.PaymentReceipt) (bool, error)
}

type Gateway struct {
	Store       Store
	Verifier    x402.Verifier
	Config      x402.Config
	VerifyLimit ratelimit.Limiter
	StatusLimit ratelimit.Limiter
}

// Mount registers the gateway routes on r.
func (g *Gateway) Mount(r chi.Router) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/evidence/verify-premium", g.handleVerifyPremium)
		api.Get("/x402/status", g.handleStatus)
	})
}

// paymentRequired is the 402 body: the error plus everything a client
// needs to construct a conforming payment.
type paymentRequired struct {
	Error   string              `json:"error"`
	Payment x402.PaymentDetails `json:"payment"`
}

type verifyResponse struct {
	Verified bool                 `json:"verified"`
	Tier     x402.Tier            `json:"tier"`
	Receipt  store.PaymentReceipt `json:"receipt"`
}

func (g *Gateway) handleVerifyPremium(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if ok, _ := g.VerifyLimit.Allow(ctx, httpx.ClientIP(r)); !ok {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !g.Config.Enabled {
		httpx.WriteError(w, http.StatusServiceUnavailable, "premium verification is not enabled")
		return
	}
	// Session cookies are not a payment. Browser traffic goes through the
	// standard endpoints; this one only accepts x402 proofs.
	if _, err := r.Cookie("session"); err == nil {
		httpx.WriteError(w, http.StatusPaymentRequired, "this endpoint requires x402 payment, not session auth")
		return
	}

	var req struct {
		EvidenceID string    `json:"evidence_id"`
		Tier       x402.Tier `json:"tier"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil || req.EvidenceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "evidence_id is required")
		return
	}

	job, err := g.Store.Get(ctx, req.EvidenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "evidence job not found")
			return
		}
		log.WithError(err).Error("load job for premium verify")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = x402.TierBasic
	}
	if !tier.Valid() {
		httpx.WriteError(w, http.StatusBadRequest, "unknown verification tier")
		return
	}
	details := x402.DetailsForEvidence(job.ID, tier, g.Config.WalletAddress, g.Config.FacilitatorURL)

	headerValue := r.Header.Get(x402.ProofHeader)
	if headerValue == "" {
		headerValue = r.Header.Get(x402.LegacyProofHeader)
	}
	if headerValue == "" {
		httpx.WriteJSON(w, http.StatusPaymentRequired, paymentRequired{
			Error:   "payment required",
			Payment: details,
		})
		return
	}

	proof, err := x402.ProofFromHeader(headerValue)
	if err != nil {
		httpx.WriteJSON(w, http.StatusPaymentRequired, paymentRequired{
			Error:   "invalid payment proof: " + err.Error(),
			Payment: details,
		})
		return
	}

	verification, err := g.Verifier.VerifyPayment(ctx, proof, x402.EvidenceMemo(job.ID), tier.PriceUSDC())
	if err != nil {
		if errors.Is(err, x402.ErrFacilitatorUnavailable) {
			httpx.WriteError(w, http.StatusServiceUnavailable, "payment facilitator unavailable")
			return
		}
		log.WithError(err).Error("payment verification failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !verification.Valid {
		httpx.WriteJSON(w, http.StatusPaymentRequired, paymentRequired{
			Error:   "payment rejected: " + verification.Error,
			Payment: details,
		})
		return
	}

	now := store.NowMs()
	receipt := store.PaymentReceipt{
		ID:           "rcpt_" + uuid.NewString(),
		EvidenceID:   job.ID,
		TxSignature:  verification.TxSignature,
		AmountUSDC:   verification.AmountUSDC,
		Token:        proof.Token,
		Tier:         string(tier),
		SenderWallet: proof.Sender,
		VerifiedMs:   now,
		CreatedMs:    now,
	}
	inserted, err := g.Store.InsertPaymentReceipt(ctx, receipt)
	if err != nil {
		log.WithError(err).Error("insert payment receipt")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !inserted {
		metrics.PaymentsReplayed.Inc()
		log.WithFields(log.Fields{"job": job.ID, "signature": verification.TxSignature}).Warn("payment proof replayed")
		httpx.WriteError(w, http.StatusConflict, "payment proof already used")
		return
	}

	metrics.PaymentsAccepted.Inc()
	log.WithFields(log.Fields{"job": job.ID, "tier": tier, "amount": verification.AmountUSDC}).Info("premium verification paid")
	httpx.WriteJSON(w, http.StatusOK, verifyResponse{Verified: true, Tier: tier, Receipt: receipt})
}

type statusResponse struct {
	Enabled         bool              `json:"enabled"`
	Network         string            `json:"network"`
	WalletAddress   string            `json:"wallet_address,omitempty"`
	Facilitator     string            `json:"facilitator,omitempty"`
	SupportedTokens []string          `json:"supported_tokens"`
	Tiers           map[x402.Tier]any `json:"tiers"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if ok, _ := g.StatusLimit.Allow(r.Context(), httpx.ClientIP(r)); !ok {
		httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	tiers := map[x402.Tier]any{}
	for _, t := range []x402.Tier{x402.TierBasic, x402.TierMultiChain, x402.TierLegalAttestation, x402.TierBulk} {
		tiers[t] = map[string]string{
			"price_usdc":  t.PriceUSDC(),
			"description": t.Description(),
		}
	}
	resp := statusResponse{
		Enabled:         g.Config.Enabled,
		Network:         g.Config.Network,
		SupportedTokens: x402.SupportedTokens,
		Tiers:           tiers,
	}
	if g.Config.Enabled {
		resp.WalletAddress = g.Config.WalletAddress
		resp.Facilitator = g.Config.FacilitatorURL
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
