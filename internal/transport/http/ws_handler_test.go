package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"ringlink/internal/config"
	"ringlink/internal/log"
	"ringlink/proto"
	"ringlink/internal/relay"
	"ringlink/internal/store/sqlite"
)

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := relay.NewRegistry()
	router := relay.NewRouter(reg, st, nil, log.Nop())

	server := NewServer(router, reg, st, config.Config{
		Addr:              ":0",
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
	}, log.Nop())

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dialAndConnect(t *testing.T, ctx context.Context, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	// First frame is always connection-established.
	var greeting proto.Message
	if err := wsjson.Read(ctx, conn, &greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != proto.TypeConnectionEstablished || greeting.SocketID == "" {
		t.Fatalf("bad greeting: %+v", greeting)
	}

	if err := wsjson.Write(ctx, conn, proto.Message{Type: proto.TypeConnect, UserID: userID}); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	ack := readType(t, ctx, conn, proto.TypeConnected)
	if ack.UserID != userID {
		t.Fatalf("bad connected ack: %+v", ack)
	}
	return conn
}

// readType reads frames until one of the wanted type arrives, skipping
// server pings and other noise.
func readType(t *testing.T, ctx context.Context, conn *websocket.Conn, want proto.Type) proto.Message {
	t.Helper()

	for {
		var msg proto.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
		if msg.Type == proto.TypePing {
			_ = wsjson.Write(ctx, conn, proto.Message{Type: proto.TypePong})
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestCallFlowEndToEnd(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialAndConnect(t, ctx, ts, "alice")
	bob := dialAndConnect(t, ctx, ts, "bob")

	// Alice calls Bob.
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 alice"}`)
	if err := wsjson.Write(ctx, alice, proto.Message{
		Type: proto.TypeCallUser, CallID: "call-1",
		CallerID: "alice", ReceiverID: "bob", Offer: offer,
	}); err != nil {
		t.Fatalf("send call-user: %v", err)
	}

	incoming := readType(t, ctx, bob, proto.TypeIncomingCall)
	if incoming.Call == nil || incoming.Call.ID != "call-1" || string(incoming.Offer) != string(offer) {
		t.Fatalf("bad incoming-call: %+v", incoming)
	}

	// Bob answers.
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0 bob"}`)
	if err := wsjson.Write(ctx, bob, proto.Message{
		Type: proto.TypeAnswerCall, CallID: "call-1", TargetUserID: "alice", Answer: answer,
	}); err != nil {
		t.Fatalf("send answer-call: %v", err)
	}

	accepted := readType(t, ctx, alice, proto.TypeCallAccepted)
	if accepted.CallID != "call-1" || string(accepted.Answer) != string(answer) {
		t.Fatalf("bad call-accepted: %+v", accepted)
	}

	// Candidates trickle both ways.
	cand := json.RawMessage(`{"candidate":"candidate:0 1 UDP 1 10.0.0.1 5000 typ host"}`)
	if err := wsjson.Write(ctx, alice, proto.Message{
		Type: proto.TypeICECandidate, CallID: "call-1", TargetUserID: "bob", Candidate: cand,
	}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	fwd := readType(t, ctx, bob, proto.TypeICECandidate)
	if string(fwd.Candidate) != string(cand) {
		t.Fatalf("candidate not forwarded verbatim: %s", fwd.Candidate)
	}

	// Bob hangs up; Alice hears about it.
	if err := wsjson.Write(ctx, bob, proto.Message{
		Type: proto.TypeEndCall, CallID: "call-1", TargetUserID: "alice",
	}); err != nil {
		t.Fatalf("send end-call: %v", err)
	}
	ended := readType(t, ctx, alice, proto.TypeCallEnded)
	if ended.CallID != "call-1" {
		t.Fatalf("bad call-ended: %+v", ended)
	}

	// The record is queryable over REST.
	resp, err := ts.Client().Get(ts.URL + "/api/calls/call-1")
	if err != nil {
		t.Fatalf("get call record: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var rec CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode call record: %v", err)
	}
	if rec.Status != "ended" || rec.CallerID != "alice" || rec.CalleeID != "bob" {
		t.Fatalf("bad call record: %+v", rec)
	}
}

func TestOfflineTargetOverSocket(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialAndConnect(t, ctx, ts, "alice")

	if err := wsjson.Write(ctx, alice, proto.Message{
		Type: proto.TypeCallUser, CallID: "call-1",
		CallerID: "alice", ReceiverID: "ghost",
		Offer: json.RawMessage(`{"type":"offer"}`),
	}); err != nil {
		t.Fatalf("send call-user: %v", err)
	}

	failed := readType(t, ctx, alice, proto.TypeCallFailed)
	if failed.Reason != "User offline" || failed.CallID != "call-1" {
		t.Fatalf("bad call-failed: %+v", failed)
	}
}

// Negotiation payloads held for an offline target must come back with the
// call record, or persisting them would be pointless.
func TestCallRecordCarriesNegotiationPayloads(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialAndConnect(t, ctx, ts, "alice")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 alice"}`)
	if err := wsjson.Write(ctx, alice, proto.Message{
		Type: proto.TypeCallUser, CallID: "call-1",
		CallerID: "alice", ReceiverID: "ghost", Offer: offer,
	}); err != nil {
		t.Fatalf("send call-user: %v", err)
	}
	readType(t, ctx, alice, proto.TypeCallFailed)

	// Ghost is offline, so the candidate lands in the call record.
	cand := json.RawMessage(`{"candidate":"candidate:0 1 UDP 1 10.0.0.1 5000 typ host"}`)
	if err := wsjson.Write(ctx, alice, proto.Message{
		Type: proto.TypeICECandidate, CallID: "call-1", TargetUserID: "ghost", Candidate: cand,
	}); err != nil {
		t.Fatalf("send candidate: %v", err)
	}

	var rec CallResponse
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := ts.Client().Get(ts.URL + "/api/calls/call-1")
		if err != nil {
			t.Fatalf("get call record: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&rec)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode call record: %v", err)
		}
		if len(rec.ICECandidates) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if string(rec.Offer) != string(offer) {
		t.Fatalf("offer not returned: %s", rec.Offer)
	}
	if len(rec.ICECandidates) != 1 || string(rec.ICECandidates[0]) != string(cand) {
		t.Fatalf("candidates not returned: %v", rec.ICECandidates)
	}
	if rec.Status != "missed" {
		t.Fatalf("status = %s, want missed", rec.Status)
	}
}

func TestReconnectDisplacesOldSocket(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialAndConnect(t, ctx, ts, "alice")
	second := dialAndConnect(t, ctx, ts, "alice")
	bob := dialAndConnect(t, ctx, ts, "bob")

	// Calls to alice now land on the second socket.
	if err := wsjson.Write(ctx, bob, proto.Message{
		Type: proto.TypeCallUser, CallID: "call-1",
		CallerID: "bob", ReceiverID: "alice",
		Offer: json.RawMessage(`{"type":"offer"}`),
	}); err != nil {
		t.Fatalf("send call-user: %v", err)
	}
	incoming := readType(t, ctx, second, proto.TypeIncomingCall)
	if incoming.Call.ID != "call-1" {
		t.Fatalf("bad incoming-call on new socket: %+v", incoming)
	}

	// The displaced socket is closed by the server.
	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	for {
		var msg proto.Message
		if err := wsjson.Read(readCtx, first, &msg); err != nil {
			return // closed as expected
		}
		if msg.Type == proto.TypeIncomingCall {
			t.Fatal("displaced socket received the call")
		}
	}
}

func TestOnlineEndpoint(t *testing.T) {
	ts := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialAndConnect(t, ctx, ts, "alice")
	dialAndConnect(t, ctx, ts, "bob")

	resp, err := ts.Client().Get(ts.URL + "/api/online")
	if err != nil {
		t.Fatalf("get online: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Online []string `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if len(body.Online) != 2 {
		t.Fatalf("got %d online users, want 2: %v", len(body.Online), body.Online)
	}
}
