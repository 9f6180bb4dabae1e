package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

type PaymentReceipt struct {
	ID           string `json:"receipt_id"`
	EvidenceID   string `json:"evidence_id"`
	TxSignature  string `json:"tx_signature"`
	AmountUSDC   string `json:"amount_usdc"`
	Token        string `json:"token"`
	Tier         string `json:"tier"`
	SenderWallet string `json:"sender_wallet,omitempty"`
	VerifiedMs   int64  `json:"verified_ms"`
	CreatedMs    int64  `json:"created_ms"`
}

// InsertPaymentReceipt records a consumed payment proof. The unique
// constraint on tx_signature is the concurrency guard against two requests
// racing the same proof: exactly one caller observes inserted=true.
func (s *Store) InsertPaymentReceipt(ctx context.Context, r PaymentReceipt) (inserted bool, err error) {
	var id string
	err = s.DB.QueryRow(ctx, `
INSERT INTO payment_receipts(id,evidence_id,tx_signature,amount_usdc,token,tier,sender_wallet,verified_ms,created_ms)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (tx_signature) DO NOTHING
RETURNING id
`, r.ID, r.EvidenceID, r.TxSignature, r.AmountUSDC, r.Token, r.Tier, r.SenderWallet, r.VerifiedMs, r.CreatedMs).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) GetPaymentReceiptBySignature(ctx context.Context, txSignature string) (PaymentReceipt, error) {
	var r PaymentReceipt
	err := s.DB.QueryRow(ctx, `
SELECT id,evidence_id,tx_signature,amount_usdc,token,tier,sender_wallet,verified_ms,created_ms
FROM payment_receipts WHERE tx_signature=$1
`, txSignature).Scan(&r.ID, &r.EvidenceID, &r.TxSignature, &r.AmountUSDC, &r.Token, &r.Tier, &r.SenderWallet, &r.VerifiedMs, &r.CreatedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentReceipt{}, ErrNotFound
	}
	return r, err
}

// SaveMerkleProof stores a job's inclusion proof from a batch anchor.
func (s *Store) SaveMerkleProof(ctx context.Context, jobID, rootHex string, proofJSON []byte) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO merkle_proofs(job_id,root_hex,proof,created_ms)
VALUES($1,$2,$3::jsonb,$4)
ON CONFLICT (job_id) DO UPDATE SET root_hex=EXCLUDED.root_hex, proof=EXCLUDED.proof
`, jobID, rootHex, string(proofJSON), NowMs())
	return err
}
