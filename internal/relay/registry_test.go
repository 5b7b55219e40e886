package relay

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	conn := NewConn()

	reg.Register("alice", conn)

	got, ok := reg.Lookup("alice")
	if !ok || got != conn {
		t.Fatalf("lookup after register failed")
	}
	if conn.UserID() != "alice" {
		t.Errorf("conn user id = %q, want alice", conn.UserID())
	}
}

func TestRegisterLastConnectWins(t *testing.T) {
	reg := NewRegistry()
	first := NewConn()
	second := NewConn()

	reg.Register("alice", first)
	displaced := reg.Register("alice", second)

	if displaced != first {
		t.Fatalf("expected first conn to be displaced")
	}
	select {
	case <-first.Done():
	default:
		t.Error("displaced connection should be closed")
	}

	got, ok := reg.Lookup("alice")
	if !ok || got != second {
		t.Fatalf("lookup should return the newest connection")
	}

	// The displaced conn must be gone from the reverse map: unregistering it
	// must not evict the new connection.
	reg.Unregister(first)
	if _, ok := reg.Lookup("alice"); !ok {
		t.Error("unregistering a displaced conn removed the live entry")
	}
}

func TestUnregisterClearsBothDirections(t *testing.T) {
	reg := NewRegistry()
	conn := NewConn()

	reg.Register("alice", conn)
	reg.Unregister(conn)

	if _, ok := reg.Lookup("alice"); ok {
		t.Error("lookup should miss after unregister")
	}
	if len(reg.Conns()) != 0 {
		t.Error("reverse map should be empty after unregister")
	}

	// Idempotent for unknown handles.
	reg.Unregister(conn)
	reg.Unregister(NewConn())
}

func TestRegisterSameConnNewUser(t *testing.T) {
	reg := NewRegistry()
	conn := NewConn()

	reg.Register("alice", conn)
	reg.Register("alice2", conn)

	if _, ok := reg.Lookup("alice"); ok {
		t.Error("old forward entry should be cleared when a conn re-registers")
	}
	got, ok := reg.Lookup("alice2")
	if !ok || got != conn {
		t.Error("new forward entry missing")
	}
	if len(reg.Conns()) != 1 {
		t.Errorf("expected exactly one registered conn, got %d", len(reg.Conns()))
	}
}

func TestOnlineUserIDs(t *testing.T) {
	reg := NewRegistry()
	reg.Register("alice", NewConn())
	reg.Register("bob", NewConn())

	ids := reg.OnlineUserIDs()
	if len(ids) != 2 {
		t.Fatalf("got %d online users, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Errorf("unexpected online set: %v", ids)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	reg := NewRegistry()
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				c := NewConn()
				reg.Register("user", c)
				reg.Unregister(c)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// Whatever interleaving happened, the reverse map must hold no dangling
	// entries once everything unregistered.
	if n := len(reg.Conns()); n != 0 {
		t.Errorf("dangling reverse-map entries after churn: %d", n)
	}
}
