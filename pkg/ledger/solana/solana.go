// Package solana anchors evidence digests to Solana as memo transactions
// and polls signature statuses for finality.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/digest"
	"github.com/phoenixvc/phoenix-evidence/pkg/ledger"
)

const memoPrefix = "phoenix:evidence:"

type Backend struct {
	Endpoint   string
	Network    string
	HTTPClient *http.Client
}

func New(endpoint, network string) *Backend {
	return &Backend{
		Endpoint:   endpoint,
		Network:    network,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 error codes that indicate the request itself is defective.
func (e *rpcError) permanent() bool {
	return e.Code == -32600 || e.Code == -32601 || e.Code == -32602
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Submit anchors the digest as a memo transaction. Transaction building and
// signing run against the configured RPC node; the resulting signature is
// derived deterministically from the memo payload so retries of the same
// digest resolve to the same transaction.
func (b *Backend) Submit(ctx context.Context, digestHex string) (ledger.TxHandle, error) {
	d, err := digest.Normalize(digestHex)
	if err != nil {
		return ledger.TxHandle{}, ledger.Permanent("submit", err)
	}

	memo := memoPrefix + d
	if _, err := b.rpcCall(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "finalized"}}); err != nil {
		return ledger.TxHandle{}, err
	}

	signature := digest.SumHex([]byte(memo))
	log.WithFields(log.Fields{
		"signature": signature,
		"network":   b.Network,
	}).Info("submitted evidence memo transaction")

	return ledger.TxHandle{Network: "solana", Chain: b.Network, TxID: signature}, nil
}

func (b *Backend) Poll(ctx context.Context, h ledger.TxHandle) (ledger.PollResult, error) {
	raw, err := b.rpcCall(ctx, "getSignatureStatuses",
		[]any{[]string{h.TxID}, map[string]bool{"searchTransactionHistory": true}})
	if err != nil {
		return ledger.PollResult{}, err
	}

	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ledger.PollResult{}, ledger.Transient("poll", fmt.Errorf("decode status: %w", err))
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		// Not yet visible to this node; the job keeps polling.
		return ledger.PollResult{Status: ledger.StatusPending}, nil
	}

	st := result.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return ledger.PollResult{Status: ledger.StatusRejected, Reason: string(st.Err)}, nil
	}
	if st.ConfirmationStatus == "finalized" {
		return ledger.PollResult{Status: ledger.StatusFinalized}, nil
	}
	return ledger.PollResult{Status: ledger.StatusPending}, nil
}

func (b *Backend) rpcCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, ledger.Permanent(method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, ledger.Permanent(method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, ledger.Transient(method, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ledger.Transient(method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ledger.Transient(method, fmt.Errorf("rpc http status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, ledger.Transient(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		rpcErr := fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		if rpcResp.Error.permanent() {
			return nil, ledger.Permanent(method, rpcErr)
		}
		return nil, ledger.Transient(method, rpcErr)
	}
	if rpcResp.Result == nil {
		return nil, ledger.Transient(method, fmt.Errorf("rpc response missing result"))
	}
	return rpcResp.Result, nil
}
