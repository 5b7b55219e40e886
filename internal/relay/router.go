package relay

import (
	"context"

	"github.com/rs/zerolog"

	"ringlink/internal/auth"
	"ringlink/proto"
	"ringlink/internal/store"
)

// Router dispatches decoded signaling messages. It is stateless: all
// connection state lives in the Registry, all call state in the store.
type Router struct {
	reg      *Registry
	store    store.CallStore // nil disables durable call records
	verifier *auth.Verifier  // nil means the declared user id is trusted
	log      *zerolog.Logger
}

// NewRouter builds a router. store and verifier may be nil.
func NewRouter(reg *Registry, st store.CallStore, verifier *auth.Verifier, logger *zerolog.Logger) *Router {
	return &Router{reg: reg, store: st, verifier: verifier, log: logger}
}

// HandleFrame decodes one raw inbound frame and dispatches it. Malformed
// frames earn the sender an error reply; the connection stays open and no
// state is mutated.
func (r *Router) HandleFrame(ctx context.Context, conn *Conn, data []byte) {
	conn.Touch()

	msg, err := proto.Decode(data)
	if err != nil {
		r.log.Warn().Err(err).Str("socket_id", conn.SocketID()).Msg("malformed message")
		conn.Send(proto.ErrorMessage(proto.ErrCodeMalformed, "Invalid message format"))
		return
	}

	r.HandleMessage(ctx, conn, msg)
}

// HandleMessage routes one validated message.
func (r *Router) HandleMessage(ctx context.Context, conn *Conn, msg proto.Message) {
	switch msg.Type {
	case proto.TypeConnect:
		r.handleConnect(conn, msg)

	case proto.TypePing:
		conn.Send(proto.Message{Type: proto.TypePong, Timestamp: proto.Now()})

	case proto.TypePong:
		// Touch already happened in HandleFrame; nothing else to do.

	case proto.TypeCallUser:
		r.handleCallUser(ctx, conn, msg)

	case proto.TypeAnswerCall:
		r.updateStatus(ctx, msg.CallID, store.StatusAccepted)
		r.forward(conn, msg.TargetUserID, proto.Message{
			Type:      proto.TypeCallAccepted,
			CallID:    msg.CallID,
			Answer:    msg.Answer,
			Timestamp: proto.Now(),
		})

	case proto.TypeRejectCall:
		r.updateStatus(ctx, msg.CallID, store.StatusRejected)
		r.forward(conn, msg.TargetUserID, proto.Message{
			Type:      proto.TypeCallRejected,
			CallID:    msg.CallID,
			Timestamp: proto.Now(),
		})

	case proto.TypeEndCall:
		r.updateStatus(ctx, msg.CallID, store.StatusEnded)
		r.forward(conn, msg.TargetUserID, proto.Message{
			Type:      proto.TypeCallEnded,
			CallID:    msg.CallID,
			Timestamp: proto.Now(),
		})

	case proto.TypeICECandidate:
		r.handleICECandidate(ctx, conn, msg)

	default:
		r.log.Debug().Str("type", string(msg.Type)).Str("socket_id", conn.SocketID()).Msg("unknown message type")
		conn.Send(proto.ErrorMessage(proto.ErrCodeUnknownType, "Unknown message type: "+string(msg.Type)))
	}
}

// Disconnect removes conn from the registry. Safe to call for connections
// that never registered.
func (r *Router) Disconnect(conn *Conn) {
	userID := conn.UserID()
	r.reg.Unregister(conn)
	if userID != "" {
		r.log.Info().Str("user_id", userID).Str("socket_id", conn.SocketID()).Msg("user disconnected")
	}
}

func (r *Router) handleConnect(conn *Conn, msg proto.Message) {
	userID := msg.UserID
	if r.verifier != nil {
		verified, err := r.verifier.Verify(msg.Token)
		if err != nil {
			r.log.Warn().Err(err).Str("socket_id", conn.SocketID()).Msg("connect with invalid token")
			conn.Send(proto.ErrorMessage(proto.ErrCodeUnauthorized, "Invalid token"))
			return
		}
		userID = verified
	}

	r.reg.Register(userID, conn)
	r.log.Info().Str("user_id", userID).Str("socket_id", conn.SocketID()).Msg("user connected")

	conn.Send(proto.Message{
		Type:      proto.TypeConnected,
		UserID:    userID,
		SocketID:  conn.SocketID(),
		Timestamp: proto.Now(),
	})
}

func (r *Router) handleCallUser(ctx context.Context, conn *Conn, msg proto.Message) {
	if r.store != nil {
		call := &store.Call{
			ID:       msg.CallID,
			CallerID: msg.CallerID,
			CalleeID: msg.ReceiverID,
			Status:   store.StatusPending,
			Offer:    msg.Offer,
		}
		if err := r.store.CreateCall(ctx, call); err != nil {
			r.log.Warn().Err(err).Str("call_id", msg.CallID).Msg("failed to record call")
		}
	}

	delivered := r.forward(conn, msg.ReceiverID, proto.Message{
		Type: proto.TypeIncomingCall,
		Call: &proto.Call{
			ID:         msg.CallID,
			CallerID:   msg.CallerID,
			ReceiverID: msg.ReceiverID,
			Status:     string(store.StatusPending),
		},
		Offer:     msg.Offer,
		Timestamp: proto.Now(),
	})
	if !delivered {
		r.updateStatus(ctx, msg.CallID, store.StatusMissed)
		conn.Send(proto.Message{
			Type:      proto.TypeCallFailed,
			Reason:    "User offline",
			CallID:    msg.CallID,
			Timestamp: proto.Now(),
		})
	}
}

func (r *Router) handleICECandidate(ctx context.Context, conn *Conn, msg proto.Message) {
	if msg.TargetUserID == "" {
		conn.Send(proto.ErrorMessage(proto.ErrCodeMalformed, "ice-candidate: targetUserId is required"))
		return
	}

	delivered := r.forward(conn, msg.TargetUserID, proto.Message{
		Type:      proto.TypeICECandidate,
		CallID:    msg.CallID,
		Candidate: msg.Candidate,
		Timestamp: proto.Now(),
	})
	if !delivered && r.store != nil {
		// Target has no live socket right now; keep the candidate with the
		// call record so it can trickle out of band.
		if err := r.store.AppendCandidate(ctx, msg.CallID, msg.Candidate); err != nil {
			r.log.Debug().Err(err).Str("call_id", msg.CallID).Msg("failed to persist candidate")
		}
	}
}

// forward delivers msg to the live connection of targetUserID. Returns
// false when the target is offline or its send fails.
func (r *Router) forward(from *Conn, targetUserID string, msg proto.Message) bool {
	target, ok := r.reg.Lookup(targetUserID)
	if !ok {
		r.log.Debug().
			Str("target_user_id", targetUserID).
			Str("type", string(msg.Type)).
			Str("from_socket", from.SocketID()).
			Msg("target offline")
		return false
	}
	return target.Send(msg)
}

func (r *Router) updateStatus(ctx context.Context, callID string, next store.Status) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateStatus(ctx, callID, next); err != nil {
		r.log.Debug().Err(err).Str("call_id", callID).Str("status", string(next)).Msg("failed to update call status")
	}
}
