// Package proto defines the relay wire protocol. Every frame is a JSON
// object with a "type" discriminator; remaining fields depend on the type.
// Session descriptions and ICE candidates are opaque blobs to the relay and
// travel as raw JSON.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates relay messages. The set is closed: the router and the
// client dispatcher switch over it exhaustively, and anything else is
// answered with an error frame.
type Type string

// Client → relay.
const (
	TypeConnect      Type = "connect"
	TypeCallUser     Type = "call-user"
	TypeAnswerCall   Type = "answer-call"
	TypeRejectCall   Type = "reject-call"
	TypeEndCall      Type = "end-call"
	TypeICECandidate Type = "ice-candidate" // also relay → client
	TypePing         Type = "ping"          // either direction
	TypePong         Type = "pong"          // either direction
)

// Relay → client.
const (
	TypeConnectionEstablished Type = "connection-established"
	TypeConnected             Type = "connected"
	TypeIncomingCall          Type = "incoming-call"
	TypeCallFailed            Type = "call-failed"
	TypeCallAccepted          Type = "call-accepted"
	TypeCallRejected          Type = "call-rejected"
	TypeCallEnded             Type = "call-ended"
	TypeError                 Type = "error"
)

// Error codes carried by error frames.
const (
	ErrCodeMalformed    = "malformed_message"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeUnauthorized = "unauthorized"
)

// Call is the call summary attached to incoming-call frames.
type Call struct {
	ID         string `json:"id"`
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
	Status     string `json:"status"`
}

// Message is the wire envelope. Fields are flat, matching the historical
// protocol; unused fields are omitted. Which fields are meaningful for a
// given type is enforced by Validate.
type Message struct {
	Type Type `json:"type"`

	UserID   string `json:"userId,omitempty"`
	Token    string `json:"token,omitempty"`
	SocketID string `json:"socketId,omitempty"`

	CallID       string `json:"callId,omitempty"`
	CallerID     string `json:"callerId,omitempty"`
	ReceiverID   string `json:"receiverId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Call *Call `json:"call,omitempty"`

	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	ErrorText string `json:"message,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Decode parses a raw frame and validates the fields required by its type.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message without type")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the required fields for client-originated types. Relay
// replies are built internally and are not validated on the way out.
func (m Message) Validate() error {
	switch m.Type {
	case TypeConnect:
		if m.UserID == "" {
			return fmt.Errorf("connect: userId is required")
		}
	case TypeCallUser:
		if m.CallID == "" || m.CallerID == "" || m.ReceiverID == "" {
			return fmt.Errorf("call-user: callId, callerId and receiverId are required")
		}
		if len(m.Offer) == 0 {
			return fmt.Errorf("call-user: offer is required")
		}
	case TypeAnswerCall:
		if m.CallID == "" || m.TargetUserID == "" {
			return fmt.Errorf("answer-call: callId and targetUserId are required")
		}
		if len(m.Answer) == 0 {
			return fmt.Errorf("answer-call: answer is required")
		}
	case TypeRejectCall, TypeEndCall:
		if m.CallID == "" || m.TargetUserID == "" {
			return fmt.Errorf("%s: callId and targetUserId are required", m.Type)
		}
	case TypeICECandidate:
		if m.CallID == "" || len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate: callId and candidate are required")
		}
	}
	return nil
}

// Now returns the timestamp format used on the wire.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ErrorMessage builds an error frame for the sender of a bad message.
func ErrorMessage(code, text string) Message {
	return Message{
		Type:      TypeError,
		Code:      code,
		ErrorText: text,
		Timestamp: Now(),
	}
}
