package client

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// EngineState mirrors the peer connection lifecycle.
type EngineState int

const (
	EngineNew EngineState = iota
	EngineConnecting
	EngineConnected
	EngineDisconnected
	EngineFailed
	EngineClosed
)

func (s EngineState) String() string {
	switch s {
	case EngineNew:
		return "new"
	case EngineConnecting:
		return "connecting"
	case EngineConnected:
		return "connected"
	case EngineDisconnected:
		return "disconnected"
	case EngineFailed:
		return "failed"
	case EngineClosed:
		return "closed"
	}
	return "unknown"
}

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// EngineConfig configures one negotiation. Media is required; the rest has
// working defaults.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	Media      MediaSource

	// OnLocalCandidate receives gathered local candidates for signaling.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnRemoteTrack fires once per remote track, so an audio+video call
	// delivers two callbacks.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnStateChange receives engine state transitions. Invoked on a fresh
	// goroutine; implementations may call back into the engine.
	OnStateChange func(EngineState)

	Logger *zerolog.Logger
}

// Engine drives a single WebRTC negotiation over a pion peer connection.
// One engine serves one call; after End it cannot be reused.
//
// Remote candidates that arrive before the remote description are queued and
// applied in arrival order once the description lands. This matters on the
// callee side, where the caller starts trickling candidates the moment the
// offer is sent.
type Engine struct {
	pc    *webrtc.PeerConnection
	media MediaSource
	log   *zerolog.Logger

	onLocalCandidate func(webrtc.ICECandidateInit)
	onStateChange    func(EngineState)

	mu           sync.Mutex
	state        EngineState
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	releaseMedia func()
	ended        bool

	seenTracks map[string]bool

	// addCandidate defaults to pc.AddICECandidate; tests swap it for a
	// recorder.
	addCandidate func(webrtc.ICECandidateInit) error
}

// NewEngine builds the peer connection with the codecs the media source
// provides and default interceptors.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Media == nil {
		return nil, fmt.Errorf("engine: media source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := cfg.Media.Configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("configure codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = defaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{
		pc:               pc,
		media:            cfg.Media,
		log:              logger,
		onLocalCandidate: cfg.OnLocalCandidate,
		onStateChange:    cfg.OnStateChange,
		state:            EngineNew,
	}
	e.addCandidate = pc.AddICECandidate

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || e.onLocalCandidate == nil {
			return
		}
		e.onLocalCandidate(c.ToJSON())
	})
	if cfg.OnRemoteTrack != nil {
		onTrack := cfg.OnRemoteTrack
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			// pion can re-announce a track after renegotiation; each
			// distinct track is surfaced exactly once.
			if e.markTrackSeen(track.ID()) {
				return
			}
			onTrack(track, receiver)
		})
	}
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		e.mu.Lock()
		e.setStateLocked(engineStateOf(st))
		e.mu.Unlock()
	})
	return e, nil
}

// CreateOffer acquires local media, attaches it, and produces the local
// offer. On media failure the engine is torn down and the error wraps
// ErrMediaAccessDenied.
func (e *Engine) CreateOffer(withVideo bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return webrtc.SessionDescription{}, fmt.Errorf("engine: already ended")
	}
	if err := e.attachMediaLocked(withVideo); err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	e.setStateLocked(EngineConnecting)
	return offer, nil
}

// CreateAnswer acquires local media, applies the remote offer, flushes any
// queued candidates, and produces the local answer.
func (e *Engine) CreateAnswer(offer webrtc.SessionDescription, withVideo bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return webrtc.SessionDescription{}, fmt.Errorf("engine: already ended")
	}
	if err := e.attachMediaLocked(withVideo); err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, err
	}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	e.flushPendingLocked()
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		e.endLocked()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	e.setStateLocked(EngineConnecting)
	return answer, nil
}

// ApplyAnswer installs the remote answer on the offering side and flushes any
// queued candidates.
func (e *Engine) ApplyAnswer(answer webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return fmt.Errorf("engine: already ended")
	}
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	e.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, queueing it if the remote
// description has not landed yet. Candidates after End are discarded.
func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return nil
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		return nil
	}
	return e.addCandidate(c)
}

// State reports the current engine state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// End stops local media and closes the peer connection. Safe to call more
// than once.
func (e *Engine) End() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked()
}

func (e *Engine) endLocked() {
	if e.ended {
		return
	}
	e.ended = true
	e.pending = nil
	if e.releaseMedia != nil {
		e.releaseMedia()
		e.releaseMedia = nil
	}
	if err := e.pc.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close peer connection")
	}
	e.setStateLocked(EngineClosed)
}

func (e *Engine) attachMediaLocked(withVideo bool) error {
	tracks, release, err := e.media.Acquire(withVideo)
	if err != nil {
		return err
	}
	e.releaseMedia = release
	for _, track := range tracks {
		if _, err := e.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

// markTrackSeen records a remote track id, reporting whether it was already
// known.
func (e *Engine) markTrackSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seenTracks == nil {
		e.seenTracks = make(map[string]bool)
	}
	if e.seenTracks[id] {
		return true
	}
	e.seenTracks[id] = true
	return false
}

func (e *Engine) flushPendingLocked() {
	e.remoteSet = true
	for _, c := range e.pending {
		if err := e.addCandidate(c); err != nil {
			e.log.Warn().Err(err).Msg("apply queued candidate")
		}
	}
	e.pending = nil
}

func (e *Engine) setStateLocked(s EngineState) {
	if e.state == s || e.state == EngineClosed {
		return
	}
	e.state = s
	if e.onStateChange != nil {
		go e.onStateChange(s)
	}
}

func engineStateOf(st webrtc.PeerConnectionState) EngineState {
	switch st {
	case webrtc.PeerConnectionStateNew:
		return EngineNew
	case webrtc.PeerConnectionStateConnecting:
		return EngineConnecting
	case webrtc.PeerConnectionStateConnected:
		return EngineConnected
	case webrtc.PeerConnectionStateDisconnected:
		return EngineDisconnected
	case webrtc.PeerConnectionStateFailed:
		return EngineFailed
	case webrtc.PeerConnectionStateClosed:
		return EngineClosed
	}
	return EngineNew
}
