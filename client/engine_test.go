package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{Media: StaticSource{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.End)
	return e
}

// candidateRecorder replaces the peer connection's AddICECandidate so tests
// can observe application order without real ICE.
func recordCandidates(e *Engine) *[]string {
	var seen []string
	e.addCandidate = func(c webrtc.ICECandidateInit) error {
		seen = append(seen, c.Candidate)
		return nil
	}
	return &seen
}

func cand(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate-%d", n)}
}

func TestEngineQueuesCandidatesUntilRemoteDescription(t *testing.T) {
	offerer := newTestEngine(t)
	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	answerer := newTestEngine(t)
	seen := recordCandidates(answerer)

	// Candidates trickle in before the offer lands.
	for i := 0; i < 3; i++ {
		if err := answerer.AddRemoteCandidate(cand(i)); err != nil {
			t.Fatalf("queue candidate %d: %v", i, err)
		}
	}
	if len(*seen) != 0 {
		t.Fatalf("candidates applied before remote description: %v", *seen)
	}

	if _, err := answerer.CreateAnswer(offer, false); err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if got, want := *seen, []string{"candidate-0", "candidate-1", "candidate-2"}; len(got) != len(want) {
		t.Fatalf("flushed %d candidates, want %d: %v", len(got), len(want), got)
	}
	for i, c := range *seen {
		if c != fmt.Sprintf("candidate-%d", i) {
			t.Fatalf("candidate %d applied out of order: %v", i, *seen)
		}
	}

	// After the flush new candidates apply immediately, and the queued ones
	// are not replayed.
	if err := answerer.AddRemoteCandidate(cand(3)); err != nil {
		t.Fatalf("late candidate: %v", err)
	}
	if len(*seen) != 4 || (*seen)[3] != "candidate-3" {
		t.Fatalf("late candidate mishandled: %v", *seen)
	}
}

func TestEngineFlushesQueueOnApplyAnswer(t *testing.T) {
	offerer := newTestEngine(t)
	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	answerer := newTestEngine(t)
	answer, err := answerer.CreateAnswer(offer, false)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}

	seen := recordCandidates(offerer)
	if err := offerer.AddRemoteCandidate(cand(0)); err != nil {
		t.Fatalf("queue candidate: %v", err)
	}
	if len(*seen) != 0 {
		t.Fatal("candidate applied before answer")
	}

	if err := offerer.ApplyAnswer(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
	if len(*seen) != 1 || (*seen)[0] != "candidate-0" {
		t.Fatalf("queue not flushed on answer: %v", *seen)
	}
}

func TestEngineEndIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.CreateOffer(false); err != nil {
		t.Fatalf("create offer: %v", err)
	}

	e.End()
	e.End()
	if got := e.State(); got != EngineClosed {
		t.Fatalf("state after End = %v, want closed", got)
	}

	// Candidates after End are silently discarded.
	seen := recordCandidates(e)
	if err := e.AddRemoteCandidate(cand(0)); err != nil {
		t.Fatalf("candidate after End: %v", err)
	}
	if len(*seen) != 0 {
		t.Fatalf("candidate applied after End: %v", *seen)
	}
}

// A video call carries two remote tracks; each must surface exactly once,
// while pion's post-renegotiation re-announcements stay suppressed.
func TestEngineSurfacesEachRemoteTrackOnce(t *testing.T) {
	e := newTestEngine(t)

	if seen := e.markTrackSeen("audio-track"); seen {
		t.Fatal("first audio announcement suppressed")
	}
	if seen := e.markTrackSeen("video-track"); seen {
		t.Fatal("second distinct track suppressed")
	}
	if seen := e.markTrackSeen("audio-track"); !seen {
		t.Fatal("re-announced track delivered twice")
	}
	if seen := e.markTrackSeen("video-track"); !seen {
		t.Fatal("re-announced track delivered twice")
	}
}

type deniedSource struct{}

func (deniedSource) Configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (deniedSource) Acquire(bool) ([]webrtc.TrackLocal, func(), error) {
	return nil, nil, fmt.Errorf("%w: device busy", ErrMediaAccessDenied)
}

func TestEngineMediaDeniedTearsDown(t *testing.T) {
	e, err := NewEngine(EngineConfig{Media: deniedSource{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_, err = e.CreateOffer(true)
	if !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("CreateOffer error = %v, want ErrMediaAccessDenied", err)
	}
	if got := e.State(); got != EngineClosed {
		t.Fatalf("state after denied media = %v, want closed", got)
	}
}

type releaseTrackingSource struct {
	released bool
}

func (s *releaseTrackingSource) Configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *releaseTrackingSource) Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error) {
	tracks, _, err := StaticSource{}.Acquire(withVideo)
	return tracks, func() { s.released = true }, err
}

func TestEngineEndReleasesMedia(t *testing.T) {
	src := &releaseTrackingSource{}
	e, err := NewEngine(EngineConfig{Media: src})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := e.CreateOffer(false); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	e.End()
	if !src.released {
		t.Fatal("media not released on End")
	}
}
