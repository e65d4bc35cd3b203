package web3

import (
	"context"
	"encoding/json"
)

// Commitment levels reported by getSignatureStatuses, in increasing order.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus is one entry of a getSignatureStatuses response. A nil
// entry in the response means the cluster has not seen the signature.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an error.
func (s SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reaches reports whether the status is at least the given commitment.
func (s SignatureStatus) Reaches(commitment string) bool {
	return commitmentRank(s.ConfirmationStatus) >= commitmentRank(commitment)
}

func commitmentRank(c string) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Client defines what the deployment pipeline needs from a cluster.
type Client interface {
	SignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error)
	Close()
}
