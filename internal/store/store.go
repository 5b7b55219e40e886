// Package store defines the durable call record model. The relay is the
// single writer: it records every call attempt and its status transitions so
// the outcome stays visible across sessions, independent of the live socket.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle position of a call record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
)

// Terminal reports whether no further transition is allowed out of s.
// rejected, ended and missed are terminal. accepted is not: an accepted call
// still ends.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Statuses only move forward: pending/ringing → accepted,
// rejected or missed; accepted → ended. Terminal statuses admit nothing.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending, StatusRinging:
		switch next {
		case StatusRinging, StatusAccepted, StatusRejected, StatusEnded, StatusMissed:
			return next != s
		}
	case StatusAccepted:
		return next == StatusEnded
	}
	return false
}

// Call is one call attempt between two users.
type Call struct {
	ID       string
	CallerID string
	CalleeID string
	Status   Status

	// Offer and Answer are opaque session-description payloads. The relay
	// stores them verbatim; only the peers interpret them.
	Offer  json.RawMessage
	Answer json.RawMessage

	// ICECandidates accumulates trickled candidates in arrival order, for
	// out-of-band delivery when a peer is reachable only through the store.
	ICECandidates []json.RawMessage

	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound is returned when a call id has no record.
var ErrNotFound = errors.New("call not found")

// CallStore persists call records.
type CallStore interface {
	// CreateCall inserts a new record. CreatedAt/UpdatedAt are set by the store.
	CreateCall(ctx context.Context, call *Call) error

	// GetCall returns the record for id, or ErrNotFound.
	GetCall(ctx context.Context, id string) (*Call, error)

	// UpdateStatus applies a forward transition. Moving to accepted sets
	// started_at; moving to a terminal status sets ended_at. Updating an
	// already-terminal record is a no-op, not an error.
	UpdateStatus(ctx context.Context, id string, next Status) error

	// AppendCandidate stores one trickled candidate for later delivery.
	AppendCandidate(ctx context.Context, id string, candidate json.RawMessage) error

	Close() error
}
