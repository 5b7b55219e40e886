// Package http exposes the relay over the network: a WebSocket endpoint for
// signaling and a small REST surface for health and call-record reads.
package http

import (
	"encoding/json"
	"errors"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ringlink/internal/config"
	"ringlink/internal/relay"
	"ringlink/internal/store"
)

// NewServer builds the HTTP server: GET /ws upgrades into the signaling
// relay, the /api routes serve read-only state.
func NewServer(router *relay.Router, reg *relay.Registry, st store.CallStore, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", healthHandler)

	api := engine.Group("/api")
	h := &apiHandlers{store: st, reg: reg, log: logger}
	api.GET("/calls/:id", h.getCall)
	api.GET("/online", h.listOnline)

	ws := NewWSHandler(router, logger)
	engine.GET("/ws", gin.WrapH(ws))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

// ErrorResponse is the JSON error body for REST endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

type apiHandlers struct {
	store store.CallStore
	reg   *relay.Registry
	log   *zerolog.Logger
}

// CallResponse is a call record in API responses. Offer, answer and
// candidates are returned as stored, so a client catching up on a call it
// missed while offline gets the full negotiation payload back.
type CallResponse struct {
	ID            string            `json:"id"`
	CallerID      string            `json:"caller_id"`
	CalleeID      string            `json:"callee_id"`
	Status        string            `json:"status"`
	Offer         json.RawMessage   `json:"offer,omitempty"`
	Answer        json.RawMessage   `json:"answer,omitempty"`
	ICECandidates []json.RawMessage `json:"ice_candidates,omitempty"`
	StartedAt     *string           `json:"started_at,omitempty"`
	EndedAt       *string           `json:"ended_at,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func callToResponse(call *store.Call) CallResponse {
	resp := CallResponse{
		ID:            call.ID,
		CallerID:      call.CallerID,
		CalleeID:      call.CalleeID,
		Status:        string(call.Status),
		Offer:         call.Offer,
		Answer:        call.Answer,
		ICECandidates: call.ICECandidates,
		CreatedAt:     call.CreatedAt.Format(timeLayout),
		UpdatedAt:     call.UpdatedAt.Format(timeLayout),
	}
	if call.StartedAt != nil {
		startedAt := call.StartedAt.Format(timeLayout)
		resp.StartedAt = &startedAt
	}
	if call.EndedAt != nil {
		endedAt := call.EndedAt.Format(timeLayout)
		resp.EndedAt = &endedAt
	}
	return resp
}

// getCall handles GET /api/calls/:id.
func (h *apiHandlers) getCall(c *gin.Context) {
	if h.store == nil {
		c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "call records disabled"})
		return
	}

	call, err := h.store.GetCall(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "call not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read call")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(stdhttp.StatusOK, callToResponse(call))
}

// listOnline handles GET /api/online.
func (h *apiHandlers) listOnline(c *gin.Context) {
	ids := h.reg.OnlineUserIDs()
	c.JSON(stdhttp.StatusOK, gin.H{"online": ids})
}
