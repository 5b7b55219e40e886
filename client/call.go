package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"ringlink/proto"
)

// CallState tracks where the local user is in a call.
type CallState int

const (
	CallIdle CallState = iota
	CallOutgoing
	CallIncoming
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoing:
		return "outgoing"
	case CallIncoming:
		return "incoming"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

var (
	// ErrBusy reports that a call is already in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrNoIncomingCall reports that Accept or Reject was called with no
	// incoming call pending.
	ErrNoIncomingCall = errors.New("no incoming call")
)

const defaultRingTimeout = 30 * time.Second

// Signaler is the slice of Transport the manager needs. Declared here so
// tests can drive the manager without a socket.
type Signaler interface {
	Send(msg proto.Message)
	On(typ proto.Type, h Handler) (off func())
}

// CallInfo identifies a call and its parties.
type CallInfo struct {
	ID         string
	CallerID   string
	ReceiverID string
}

// negotiator is the slice of Engine the manager drives. Tests substitute a
// fake.
type negotiator interface {
	CreateOffer(withVideo bool) (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription, withVideo bool) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	End()
}

type engineFactory func(onCandidate func(webrtc.ICECandidateInit), onState func(EngineState)) (negotiator, error)

// ManagerConfig configures a Manager. UserID, Signaler and Media are
// required.
type ManagerConfig struct {
	UserID   string
	Signaler Signaler
	Media    MediaSource

	ICEServers  []webrtc.ICEServer
	RingTimeout time.Duration

	// OnRemoteTrack is forwarded to each call's engine.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	Logger *zerolog.Logger
}

// Manager runs the call state machine on top of a signaler and a negotiation
// engine. At most one call exists at a time: a second incoming call while
// busy is rejected automatically, and an unanswered incoming call is rejected
// after the ring timeout. After any teardown the manager returns to idle and
// can place or take the next call.
type Manager struct {
	cfg       ManagerConfig
	log       *zerolog.Logger
	newEngine engineFactory

	mu           sync.Mutex
	state        CallState
	current      *CallInfo
	peerID       string
	engine       negotiator
	pendingOffer json.RawMessage
	ringTimer    *time.Timer
	closed       bool

	stateSubs    map[int]func(CallState)
	incomingSubs map[int]func(CallInfo)
	nextID       int

	// events serializes state notifications so listeners observe
	// transitions in the order they happened.
	events chan CallState

	offs []func()
}

// NewManager wires the manager into the signaler. Call Close to detach.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("manager: UserID is required")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("manager: Signaler is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("manager: Media is required")
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	m := &Manager{
		cfg:          cfg,
		log:          logger,
		stateSubs:    make(map[int]func(CallState)),
		incomingSubs: make(map[int]func(CallInfo)),
		events:       make(chan CallState, 32),
	}
	go m.dispatchStates()
	m.newEngine = func(onCandidate func(webrtc.ICECandidateInit), onState func(EngineState)) (negotiator, error) {
		return NewEngine(EngineConfig{
			ICEServers:       cfg.ICEServers,
			Media:            cfg.Media,
			OnLocalCandidate: onCandidate,
			OnStateChange:    onState,
			OnRemoteTrack:    cfg.OnRemoteTrack,
			Logger:           logger,
		})
	}

	m.offs = []func(){
		cfg.Signaler.On(proto.TypeIncomingCall, m.handleIncoming),
		cfg.Signaler.On(proto.TypeCallAccepted, m.handleAccepted),
		cfg.Signaler.On(proto.TypeCallRejected, m.handleRemoteFinish),
		cfg.Signaler.On(proto.TypeCallFailed, m.handleRemoteFinish),
		cfg.Signaler.On(proto.TypeCallEnded, m.handleRemoteFinish),
		cfg.Signaler.On(proto.TypeICECandidate, m.handleCandidate),
	}
	return m, nil
}

// StartCall places a call to receiverID. The offer is created before any
// signaling goes out, so a media failure never leaves the callee ringing.
func (m *Manager) StartCall(receiverID string, withVideo bool) (CallInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return CallInfo{}, fmt.Errorf("manager: closed")
	}
	if m.state != CallIdle {
		return CallInfo{}, ErrBusy
	}

	callID := uuid.New().String()
	eng, gate, err := m.startEngineLocked(callID, receiverID)
	if err != nil {
		return CallInfo{}, err
	}
	offer, err := eng.CreateOffer(withVideo)
	if err != nil {
		eng.End()
		return CallInfo{}, err
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		eng.End()
		return CallInfo{}, fmt.Errorf("encode offer: %w", err)
	}

	info := CallInfo{ID: callID, CallerID: m.cfg.UserID, ReceiverID: receiverID}
	m.current = &info
	m.peerID = receiverID
	m.engine = eng
	m.setStateLocked(CallOutgoing)

	m.cfg.Signaler.Send(proto.Message{
		Type:       proto.TypeCallUser,
		CallID:     callID,
		CallerID:   m.cfg.UserID,
		ReceiverID: receiverID,
		Offer:      offerJSON,
		Timestamp:  proto.Now(),
	})
	gate.release()
	return info, nil
}

// Accept answers the pending incoming call. On media failure the call is
// rejected so the caller is not left ringing, and the error wraps
// ErrMediaAccessDenied.
func (m *Manager) Accept(withVideo bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallIncoming || m.current == nil {
		return ErrNoIncomingCall
	}
	m.stopRingTimerLocked()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(m.pendingOffer, &offer); err != nil {
		m.sendRejectLocked()
		m.finishLocked()
		return fmt.Errorf("decode offer: %w", err)
	}

	eng, gate, err := m.startEngineLocked(m.current.ID, m.peerID)
	if err != nil {
		m.sendRejectLocked()
		m.finishLocked()
		return err
	}
	answer, err := eng.CreateAnswer(offer, withVideo)
	if err != nil {
		eng.End()
		m.sendRejectLocked()
		m.finishLocked()
		return err
	}
	answerJSON, err := json.Marshal(answer)
	if err != nil {
		eng.End()
		m.sendRejectLocked()
		m.finishLocked()
		return fmt.Errorf("encode answer: %w", err)
	}

	m.engine = eng
	m.cfg.Signaler.Send(proto.Message{
		Type:         proto.TypeAnswerCall,
		CallID:       m.current.ID,
		TargetUserID: m.peerID,
		Answer:       answerJSON,
		Timestamp:    proto.Now(),
	})
	gate.release()
	m.setStateLocked(CallActive)
	return nil
}

// Reject declines the pending incoming call.
func (m *Manager) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallIncoming || m.current == nil {
		return ErrNoIncomingCall
	}
	m.stopRingTimerLocked()
	m.sendRejectLocked()
	m.finishLocked()
	return nil
}

// End hangs up the current call, whatever stage it is in. A pending incoming
// call is rejected rather than ended. No-op when idle.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case CallIncoming:
		m.stopRingTimerLocked()
		m.sendRejectLocked()
	case CallOutgoing, CallActive:
		m.sendEndLocked()
	default:
		return
	}
	m.finishLocked()
}

// State reports the current call state.
func (m *Manager) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the call in progress, if any.
func (m *Manager) Current() (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return CallInfo{}, false
	}
	return *m.current, true
}

// OnStateChange registers a state listener. Each teardown delivers CallEnded
// followed by CallIdle. The returned function removes the listener.
func (m *Manager) OnStateChange(f func(CallState)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.stateSubs[id] = f
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// OnIncomingCall registers a listener fired when a call starts ringing.
func (m *Manager) OnIncomingCall(f func(CallInfo)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.incomingSubs[id] = f
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.incomingSubs, id)
	}
}

// Close hangs up any call in progress and detaches from the signaler.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	switch m.state {
	case CallIncoming:
		m.stopRingTimerLocked()
		m.sendRejectLocked()
		m.finishLocked()
	case CallOutgoing, CallActive:
		m.sendEndLocked()
		m.finishLocked()
	}
	offs := m.offs
	m.offs = nil
	// All event pushes happen under mu and are guarded by the closed flag
	// and the cleared call state, so no send can follow this close.
	close(m.events)
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

func (m *Manager) handleIncoming(msg proto.Message) {
	if msg.Call == nil || len(msg.Offer) == 0 {
		m.log.Warn().Msg("incoming-call without call or offer, ignoring")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.state != CallIdle {
		// Busy: decline without disturbing the call in progress.
		m.cfg.Signaler.Send(proto.Message{
			Type:         proto.TypeRejectCall,
			CallID:       msg.Call.ID,
			TargetUserID: msg.Call.CallerID,
			Timestamp:    proto.Now(),
		})
		return
	}

	info := CallInfo{ID: msg.Call.ID, CallerID: msg.Call.CallerID, ReceiverID: msg.Call.ReceiverID}
	m.current = &info
	m.peerID = msg.Call.CallerID
	m.pendingOffer = msg.Offer
	m.setStateLocked(CallIncoming)

	callID := info.ID
	m.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringTimeout(callID) })

	for _, f := range m.incomingSubs {
		go f(info)
	}
}

func (m *Manager) handleAccepted(msg proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallOutgoing || m.current == nil || m.current.ID != msg.CallID {
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Answer, &answer); err != nil {
		m.log.Warn().Err(err).Msg("call-accepted with bad answer")
		m.sendEndLocked()
		m.finishLocked()
		return
	}
	if err := m.engine.ApplyAnswer(answer); err != nil {
		m.log.Warn().Err(err).Msg("apply answer")
		m.sendEndLocked()
		m.finishLocked()
		return
	}
	m.setStateLocked(CallActive)
}

// handleRemoteFinish covers call-rejected, call-failed and call-ended: the
// other side (or the relay) finished the call, nothing to send back.
func (m *Manager) handleRemoteFinish(msg proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != msg.CallID {
		return
	}
	if msg.Reason != "" {
		m.log.Info().Str("reason", msg.Reason).Str("call_id", msg.CallID).Msg("call finished by relay")
	}
	m.stopRingTimerLocked()
	m.finishLocked()
}

func (m *Manager) handleCandidate(msg proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Candidates for a finished or unknown call are stale; drop them.
	if m.engine == nil || m.current == nil || m.current.ID != msg.CallID {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &c); err != nil {
		m.log.Warn().Err(err).Msg("bad remote candidate")
		return
	}
	if err := m.engine.AddRemoteCandidate(c); err != nil {
		m.log.Warn().Err(err).Msg("add remote candidate")
	}
}

func (m *Manager) ringTimeout(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != CallIncoming || m.current == nil || m.current.ID != callID {
		return
	}
	m.log.Info().Str("call_id", callID).Msg("incoming call timed out")
	m.sendRejectLocked()
	m.finishLocked()
}

// handleEngineState reacts to transport-level call death. A failed peer
// connection while ringing or talking counts as a hang-up.
func (m *Manager) handleEngineState(callID string, st EngineState) {
	if st != EngineFailed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != callID {
		return
	}
	if m.state != CallOutgoing && m.state != CallActive {
		return
	}
	m.log.Warn().Str("call_id", callID).Msg("peer connection failed")
	m.sendEndLocked()
	m.finishLocked()
}

// candidateGate holds locally gathered candidates until the frame that
// introduces the call (call-user or answer-call) has been sent. ICE
// gathering starts the moment the local description is set, so a fast host
// candidate could otherwise reach the peer before it knows the call id and
// be dropped as stale.
type candidateGate struct {
	mu   sync.Mutex
	open bool
	held []webrtc.ICECandidateInit
	send func(webrtc.ICECandidateInit)
}

func (g *candidateGate) submit(c webrtc.ICECandidateInit) {
	g.mu.Lock()
	if !g.open {
		g.held = append(g.held, c)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.send(c)
}

func (g *candidateGate) release() {
	g.mu.Lock()
	g.open = true
	held := g.held
	g.held = nil
	g.mu.Unlock()
	for _, c := range held {
		g.send(c)
	}
}

func (m *Manager) startEngineLocked(callID, peerID string) (negotiator, *candidateGate, error) {
	gate := &candidateGate{
		send: func(c webrtc.ICECandidateInit) { m.sendCandidate(callID, peerID, c) },
	}
	eng, err := m.newEngine(
		gate.submit,
		func(st EngineState) { m.handleEngineState(callID, st) },
	)
	if err != nil {
		return nil, nil, err
	}
	return eng, gate, nil
}

func (m *Manager) sendCandidate(callID, peerID string, c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		m.log.Warn().Err(err).Msg("encode candidate")
		return
	}
	m.cfg.Signaler.Send(proto.Message{
		Type:         proto.TypeICECandidate,
		CallID:       callID,
		TargetUserID: peerID,
		Candidate:    data,
		Timestamp:    proto.Now(),
	})
}

func (m *Manager) sendRejectLocked() {
	m.cfg.Signaler.Send(proto.Message{
		Type:         proto.TypeRejectCall,
		CallID:       m.current.ID,
		TargetUserID: m.peerID,
		Timestamp:    proto.Now(),
	})
}

func (m *Manager) sendEndLocked() {
	m.cfg.Signaler.Send(proto.Message{
		Type:         proto.TypeEndCall,
		CallID:       m.current.ID,
		TargetUserID: m.peerID,
		Timestamp:    proto.Now(),
	})
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// finishLocked releases everything belonging to the current call and returns
// the manager to idle.
func (m *Manager) finishLocked() {
	if m.engine != nil {
		m.engine.End()
		m.engine = nil
	}
	m.current = nil
	m.peerID = ""
	m.pendingOffer = nil
	m.stopRingTimerLocked()

	m.pushLocked(CallEnded)
	m.state = CallIdle
	m.pushLocked(CallIdle)
}

func (m *Manager) setStateLocked(s CallState) {
	if m.state == s {
		return
	}
	m.state = s
	m.pushLocked(s)
}

func (m *Manager) pushLocked(s CallState) {
	select {
	case m.events <- s:
	default:
		m.log.Warn().Str("state", s.String()).Msg("state listener backlog full, notification dropped")
	}
}

// dispatchStates fans state events out to listeners, one at a time and in
// order. It exits when Close closes the channel.
func (m *Manager) dispatchStates() {
	for s := range m.events {
		m.mu.Lock()
		subs := make([]func(CallState), 0, len(m.stateSubs))
		for _, f := range m.stateSubs {
			subs = append(subs, f)
		}
		m.mu.Unlock()
		for _, f := range subs {
			f(s)
		}
	}
}
