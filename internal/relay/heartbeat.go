package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ringlink/proto"
)

// Heartbeat pings every registered connection at a fixed interval and reaps
// connections with no inbound traffic for idleMultiplier intervals. A missed
// single pong never kills a connection; only sustained silence does.
type Heartbeat struct {
	reg      *Registry
	router   *Router
	interval time.Duration
	idleFor  time.Duration
	log      *zerolog.Logger
}

// NewHeartbeat builds a supervisor. idleMultiplier values below 2 are raised
// to 2 so a connection always survives at least one full ping cycle.
func NewHeartbeat(reg *Registry, router *Router, interval time.Duration, idleMultiplier int, logger *zerolog.Logger) *Heartbeat {
	if idleMultiplier < 2 {
		idleMultiplier = 2
	}
	return &Heartbeat{
		reg:      reg,
		router:   router,
		interval: interval,
		idleFor:  time.Duration(idleMultiplier) * interval,
		log:      logger,
	}
}

// Run blocks until ctx is done, probing on every tick.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Heartbeat) sweep() {
	cutoff := time.Now().Add(-h.idleFor)

	for _, conn := range h.reg.Conns() {
		if conn.LastSeen().Before(cutoff) {
			h.log.Info().
				Str("socket_id", conn.SocketID()).
				Str("user_id", conn.UserID()).
				Msg("reaping idle connection")
			conn.Close()
			h.router.Disconnect(conn)
			continue
		}
		conn.Send(proto.Message{Type: proto.TypePing, Timestamp: proto.Now()})
	}
}
