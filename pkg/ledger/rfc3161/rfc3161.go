// Package rfc3161 anchors evidence digests through an RFC 3161 trusted
// timestamping authority. Unlike a blockchain backend, a TSA grants finality
// synchronously: a submitted digest is final as soon as the token is issued.
package rfc3161

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phoenixvc/phoenix-evidence/pkg/digest"
	"github.com/phoenixvc/phoenix-evidence/pkg/ledger"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type Backend struct {
	TSAURL     string
	PolicyOID  string
	HTTPClient *http.Client
}

func New(tsaURL, policyOID string) *Backend {
	return &Backend{
		TSAURL:     tsaURL,
		PolicyOID:  policyOID,
		HTTPClient: &http.Client{Timeout: 3 * time.Second},
	}
}

// Submit requests a timestamp token for the digest. The token digest serves
// as the transaction reference; since the TSA response is itself the anchor,
// Poll on the returned handle reports Finalized immediately.
func (b *Backend) Submit(ctx context.Context, digestHex string) (ledger.TxHandle, error) {
	d, err := digest.Normalize(digestHex)
	if err != nil {
		return ledger.TxHandle{}, ledger.Permanent("submit", err)
	}
	raw, err := hex.DecodeString(d)
	if err != nil {
		return ledger.TxHandle{}, ledger.Permanent("submit", err)
	}
	reqDER, err := buildTimeStampRequest(raw, b.PolicyOID)
	if err != nil {
		return ledger.TxHandle{}, ledger.Permanent("submit", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.TSAURL, bytes.NewReader(reqDER))
	if err != nil {
		return ledger.TxHandle{}, ledger.Permanent("submit", err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := b.HTTPClient.Do(httpReq)
	if err != nil {
		return ledger.TxHandle{}, ledger.Transient("submit", err)
	}
	defer resp.Body.Close()
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return ledger.TxHandle{}, ledger.Transient("submit", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ledger.TxHandle{}, ledger.Transient("submit", fmt.Errorf("tsa_http_status_%d", resp.StatusCode))
	}
	if len(token) == 0 {
		return ledger.TxHandle{}, ledger.Transient("submit", fmt.Errorf("tsa_empty_response"))
	}

	return ledger.TxHandle{Network: "rfc3161", Chain: tsaHost(b.TSAURL), TxID: digest.SumHex(token)}, nil
}

func (b *Backend) Poll(ctx context.Context, h ledger.TxHandle) (ledger.PollResult, error) {
	if h.Network != "rfc3161" || h.TxID == "" {
		return ledger.PollResult{Status: ledger.StatusRejected, Reason: "unknown token reference"}, nil
	}
	return ledger.PollResult{Status: ledger.StatusFinalized}, nil
}

func buildTimeStampRequest(raw []byte, policyOID string) ([]byte, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm: oidSHA256,
				Parameters: asn1.RawValue{
					Class: asn1.ClassUniversal,
					Tag:   asn1.TagNull,
				},
			},
			HashedMessage: raw,
		},
		CertReq: true,
	}
	if p := strings.TrimSpace(policyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		req.ReqPolicy = oid
	}
	return asn1.Marshal(req)
}

func tsaHost(tsaURL string) string {
	u, err := url.Parse(tsaURL)
	if err != nil || u.Host == "" {
		return "tsa"
	}
	return u.Host
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy_oid")
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		var n int
		if p == "" {
			return nil, fmt.Errorf("invalid policy_oid")
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil, fmt.Errorf("invalid policy_oid")
			}
			n = (n * 10) + int(ch-'0')
		}
		out = append(out, n)
	}
	return out, nil
}
