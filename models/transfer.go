package models

import (
	"math/bits"
	"time"
)

// TransferRole identifies which end of a transfer this process is.
type TransferRole string

const (
	RoleSender   TransferRole = "sender"
	RoleReceiver TransferRole = "receiver"
)

// TransferState is the lifecycle state of one transfer session.
type TransferState string

const (
	StateOffered    TransferState = "OFFERED"
	StateAccepted   TransferState = "ACCEPTED"
	StateInProgress TransferState = "IN_PROGRESS"
	StatePaused     TransferState = "PAUSED"
	StateCompleted  TransferState = "COMPLETED"
	StateRejected   TransferState = "REJECTED"
	StateCancelled  TransferState = "CANCELLED"
	StateFailed     TransferState = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Transfer is a read-only status snapshot of one session.
type Transfer struct {
	ID               string        `json:"id"`
	Revision         uint64        `json:"revision"`
	OfferID          string        `json:"offer_id"`
	Role             TransferRole  `json:"role"`
	State            TransferState `json:"state"`
	Filename         string        `json:"filename"`
	PeerName         string        `json:"peer_name"`
	PeerEndpoint     string        `json:"peer_endpoint"`
	TotalBytes       int64         `json:"total_bytes"`
	BytesTransferred int64         `json:"bytes_transferred"`
	ResumeOffset     int64         `json:"resume_offset"`
	Progress         int           `json:"progress"`
	LocalPath        string        `json:"local_path"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Progress returns floor(100*done/total), clamped to [0,100]. A zero total is complete.
func Progress(done, total int64) int {
	if total <= 0 {
		return 100
	}
	if done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	hi, lo := bits.Mul64(uint64(done), 100)
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}
