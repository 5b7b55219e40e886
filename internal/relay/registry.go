package relay

import "sync"

// Registry is the bidirectional map between stable user ids and live
// connections. A user has at most one active connection: registering a new
// one closes the old (last-connect-wins). Both maps live under a single
// mutex so forward and reverse entries never disagree.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*Conn
	byConn map[*Conn]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Conn),
		byConn: make(map[*Conn]string),
	}
}

// Register binds userID to conn, displacing and closing any prior
// connection for that user. Returns the displaced connection, if any.
func (r *Registry) Register(userID string, conn *Conn) *Conn {
	r.mu.Lock()
	prior := r.byUser[userID]
	if prior == conn {
		r.mu.Unlock()
		return nil
	}
	if prior != nil {
		delete(r.byConn, prior)
	}
	// A connection re-registering under a new id must not leave its old
	// forward entry behind.
	if oldUser, ok := r.byConn[conn]; ok && oldUser != userID {
		delete(r.byUser, oldUser)
	}
	r.byUser[userID] = conn
	r.byConn[conn] = userID
	r.mu.Unlock()

	conn.setUserID(userID)
	if prior != nil {
		prior.Close()
	}
	return prior
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

// Unregister removes conn from both directions, whoever owned it.
// Unknown connections are ignored.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	// Only clear the forward entry if it still points at this conn; a
	// reconnect may already have replaced it.
	if r.byUser[userID] == conn {
		delete(r.byUser, userID)
	}
}

// OnlineUserIDs returns the ids of all currently registered users.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Conns returns a snapshot of all registered connections.
func (r *Registry) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Conn, 0, len(r.byConn))
	for conn := range r.byConn {
		conns = append(conns, conn)
	}
	return conns
}
