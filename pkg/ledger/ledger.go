// Package ledger defines the contract the anchoring pipeline requires of a
// ledger backend: submit a digest, poll the resulting transaction for
// finality, and classify failures as transient or permanent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TxHandle references a submitted ledger transaction.
type TxHandle struct {
	Network string `json:"network"`
	Chain   string `json:"chain"`
	TxID    string `json:"tx_id"`
}

func (h TxHandle) IsZero() bool { return h.TxID == "" }

// String renders the handle in the "network:chain:txid" form stored on jobs.
func (h TxHandle) String() string {
	return h.Network + ":" + h.Chain + ":" + h.TxID
}

func ParseTxHandle(s string) (TxHandle, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return TxHandle{}, fmt.Errorf("malformed tx handle %q", s)
	}
	return TxHandle{Network: parts[0], Chain: parts[1], TxID: parts[2]}, nil
}

type PollStatus string

const (
	StatusPending   PollStatus = "pending"
	StatusFinalized PollStatus = "finalized"
	StatusRejected  PollStatus = "rejected"
)

// PollResult reports the ledger's view of a submitted transaction.
// Reason is set only for rejections.
type PollResult struct {
	Status PollStatus
	Reason string
}

// Backend is the anchoring adapter. Submit errors are classified with
// Transient/Permanent; Poll errors are always treated as transient by
// callers, since a failed status query says nothing about the transaction.
type Backend interface {
	Submit(ctx context.Context, digestHex string) (TxHandle, error)
	Poll(ctx context.Context, h TxHandle) (PollResult, error)
}

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps a backend failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// IsPermanent reports whether err is a classified permanent failure.
// Unclassified errors count as transient: an unknown failure mode must
// not terminate a job.
func IsPermanent(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == KindPermanent
}

// RejectionRetryable reports whether a ledger rejection reason indicates a
// resubmittable condition rather than a defect in the submission itself.
func RejectionRetryable(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range []string{
		"blockhash not found",
		"blockhash expired",
		"fee too low",
		"insufficient fee",
		"would exceed",
		"congest",
	} {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}
