package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Registry binds userIds to live connections and enforces the per-IP
// connection cap (spec.md §4.2). The zero value is not usable; use New.
type Registry struct {
	maxPerIP int

	mu       sync.Mutex
	perIP    map[string]int
	byUser   map[string]*Conn
	byUserIP map[string]string // userID -> admitted IP, for Release bookkeeping
}

// New creates a Registry admitting at most maxPerIP simultaneous
// connections from any one IP.
func New(maxPerIP int) *Registry {
	return &Registry{
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
		byUser:   make(map[string]*Conn),
		byUserIP: make(map[string]string),
	}
}

// Accept admits a new connection from ip, incrementing its counter. It
// returns false if ip is already at the per-IP cap; the caller must refuse
// the upgrade with close code 1008 in that case.
func (r *Registry) Accept(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.perIP[ip] >= r.maxPerIP {
		return false
	}
	r.perIP[ip]++
	return true
}

// Release decrements ip's counter and unbinds conn if it is still the
// connection bound for its userID. Must be called exactly once per
// successful Accept, typically in the connection's defer chain.
func (r *Registry) Release(ip string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.perIP[ip] > 0 {
		r.perIP[ip]--
		if r.perIP[ip] == 0 {
			delete(r.perIP, ip)
		}
	}

	for userID, bound := range r.byUser {
		if bound == conn {
			delete(r.byUser, userID)
			delete(r.byUserIP, userID)
		}
	}
}

// Bind records userID's live connection. Per spec.md §9's "duplicate join"
// open question, this spec inherits the source's behavior: a prior
// connection already bound to userID is NOT closed here — it is simply no
// longer reachable via Lookup, so it stops receiving routed frames but its
// own read loop (and eventual close) proceeds independently.
func (r *Registry) Bind(userID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev != conn {
		slog.Warn("rebinding connection for user, orphaning previous connection", "user_id", userID)
	}
	r.byUser[userID] = conn
	r.byUserIP[userID] = conn.IP()
}

// BoundCount returns the number of userIds currently bound to a live
// connection, used by the /api/health endpoint.
func (r *Registry) BoundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Lookup returns the connection currently bound to userID, if any.
func (r *Registry) Lookup(userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Unbind removes userID's binding only if conn is still the bound
// connection (guards against a stale unbind racing a rebind).
func (r *Registry) Unbind(userID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byUser[userID]; ok && current == conn {
		delete(r.byUser, userID)
		delete(r.byUserIP, userID)
	}
}

// snapshot is a (userID, conn) pair taken under lock for iteration outside
// it — the heartbeat sweep must not hold the registry lock while pinging or
// closing sockets.
type snapshot struct {
	userID string
	conn   *Conn
}

func (r *Registry) snapshotBound() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshot, 0, len(r.byUser))
	for userID, c := range r.byUser {
		out = append(out, snapshot{userID, c})
	}
	return out
}

// HeartbeatSweep runs until ctx is canceled, pinging every bound connection
// every interval and invoking onTimeout for any connection idle for at
// least 2*interval (spec.md §4.2, §5). onTimeout is expected to trigger
// SessionController.onConnectionClose and then close the socket.
func (r *Registry) HeartbeatSweep(ctx context.Context, interval time.Duration, onTimeout func(userID string, conn *Conn)) {
	timeout := 2 * interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.snapshotBound() {
				if s.conn.IdleFor() >= timeout {
					slog.Info("heartbeat timeout, closing connection", "user_id", s.userID)
					onTimeout(s.userID, s.conn)
					continue
				}
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := s.conn.Ping(pingCtx)
				cancel()
				if err != nil {
					slog.Debug("heartbeat ping failed", "user_id", s.userID, "error", err)
				}
			}
		}
	}
}

// CloseCode re-exports the subset of websocket close codes the wire layer
// needs, so callers outside this package don't import coder/websocket just
// for constants.
const (
	CloseNormal          = websocket.StatusNormalClosure
	CloseAdmissionLimit  = websocket.StatusCode(1008)
	CloseInternal        = websocket.StatusInternalError
)
