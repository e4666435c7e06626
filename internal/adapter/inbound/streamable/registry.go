package streamable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/idcodec"
	"github.com/modulegate/gateway/internal/domain/ratelimit"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/transform"
	"github.com/modulegate/gateway/internal/service"
)

// ProfileRuntime is the static, once-built-at-startup configuration Manager
// needs to stand up a new session against one profile: the ProfileDesc
// ProfileSupervisor.Attach/Reconfigure consume, plus the session-scoped
// policy knobs (capability gating, notification filtering, id namespacing)
// that SessionBroker and the forward sink need per request.
type ProfileRuntime struct {
	Desc                service.ProfileDesc
	Engine              *transform.Engine
	ToolPolicies        map[string]broker.ToolPolicy
	CapabilityPolicy    broker.CapabilityPolicy
	NotificationFilters map[string]service.NotificationFilter // by upstream id
	AllowedIdentityIDs  map[string]bool                       // empty = any identity
	IDMode              idcodec.Mode
	EventMode           idcodec.EventMode
	SignProxiedIDs      bool
	LimiterConfig       ratelimit.WindowConfig
	ToolCallTimeout     time.Duration // profile-level tools/call deadline cap; zero = default
}

// sessionEntry is the live, per-downstream-session state Manager tracks
// between a POST "initialize" and the session's eventual DELETE/expiry.
type sessionEntry struct {
	profileID string
	session   *broker.Session
	broker    *service.SessionBroker
	writer    *sseWriter
	toolSrcs  map[string]toolsource.Source

	lastActive atomic.Int64 // unix nanos of the last downstream request
}

// touch records downstream activity, deferring idle expiry.
func (e *sessionEntry) touch() {
	e.lastActive.Store(time.Now().UnixNano())
}

// idleFor reports how long the session has gone without downstream
// activity.
func (e *sessionEntry) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastActive.Load()))
}

// sessionRegistry is a concurrency-safe map of live sessions, keyed to one
// sessionEntry per session id, since each session owns exactly one broker
// and one sseWriter for its lifetime.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*sessionEntry)}
}

func (r *sessionRegistry) put(id string, e *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = e
}

func (r *sessionRegistry) get(id string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// snapshot returns the current session ids and entries, for the idle
// sweeper.
func (r *sessionRegistry) snapshot() map[string]*sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*sessionEntry, len(r.sessions))
	for id, e := range r.sessions {
		out[id] = e
	}
	return out
}

func (r *sessionRegistry) delete(id string) (*sessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return e, ok
}
