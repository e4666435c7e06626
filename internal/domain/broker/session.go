package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/modulegate/gateway/internal/domain/idcodec"
)

// Session is the per-downstream-session state: one struct per active MCP
// session, mutated only by the service-layer Broker that owns it. All
// fields below are guarded by mu; callers outside this package must go
// through the accessor methods.
type Session struct {
	mu sync.Mutex

	ID           string
	ProfileID    string
	AuthKeyID    string
	SigningKey   []byte
	CreatedAt    time.Time
	state        State
	downstream   map[string]bool // capability name -> allowed, negotiated at initialize
	perUpstream  map[string]*UpstreamState
	outgoing     map[string]ProxiedOrigin // ProxiedId -> origin
	inFlight     map[string]RouteTarget   // downstream request id (string form) -> route
	lastCatalog  CatalogView
	lastEventIDs map[string]string // upstreamID -> last SSE event id seen, for resume
}

// NewSession creates a Session in state New.
func NewSession(id, profileID, authKeyID string, signingKey []byte) *Session {
	return &Session{
		ID:           id,
		ProfileID:    profileID,
		AuthKeyID:    authKeyID,
		SigningKey:   signingKey,
		CreatedAt:    time.Now().UTC(),
		state:        StateNew,
		downstream:   make(map[string]bool),
		perUpstream:  make(map[string]*UpstreamState),
		outgoing:     make(map[string]ProxiedOrigin),
		inFlight:     make(map[string]RouteTarget),
		lastEventIDs: make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// validTransitions enumerates the session state machine's legal edges.
var validTransitions = map[State]map[State]bool{
	StateNew:         {StateInitialized: true, StateAborted: true, StateClosing: true},
	StateInitialized: {StateActive: true, StateClosing: true, StateAborted: true},
	StateActive:      {StateClosing: true, StateAborted: true},
	StateClosing:     {StateClosed: true, StateAborted: true},
	StateClosed:      {},
	StateAborted:     {},
}

// Transition moves the session to next if the edge is legal or a no-op
// (transitioning to the current state); transitions are idempotent.
// Returns false if the edge is illegal.
func (s *Session) Transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return true
	}
	if s.state.terminal() {
		return false
	}
	if !validTransitions[s.state][next] {
		return false
	}
	s.state = next
	return true
}

// CapabilityPolicy controls which MCP server capabilities (and the
// notification/method families gated behind them) are exposed to a
// downstream session.
// Recognized capability names: "tools", "resources", "prompts", "logging",
// "resources-subscribe", "tools-list-changed", "resources-list-changed",
// "prompts-list-changed".
type CapabilityPolicy struct {
	Allow []string
	Deny  []string
}

// Allowed reports whether name survives this policy: present in Allow (or
// Allow is empty, meaning "allow everything not denied") and absent from
// Deny.
func (p CapabilityPolicy) Allowed(name string) bool {
	for _, d := range p.Deny {
		if d == name {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if a == name {
			return true
		}
	}
	return false
}

// SetCapability records a negotiated downstream capability decision.
func (s *Session) SetCapability(name string, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downstream[name] = allowed
}

// CapabilityAllowed reports whether a capability was negotiated as allowed.
// Unknown capabilities default to false (deny by omission).
func (s *Session) CapabilityAllowed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downstream[name]
}

// SetUpstreamLive records a per-session view of an upstream's liveness.
func (s *Session) SetUpstreamLive(upstreamID string, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.perUpstream[upstreamID]
	if !ok {
		st = &UpstreamState{UpstreamID: upstreamID}
		s.perUpstream[upstreamID] = st
	}
	st.Live = live
}

// LiveUpstreams returns the ids of upstreams this session currently
// considers live.
func (s *Session) LiveUpstreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.perUpstream))
	for id, st := range s.perUpstream {
		if st.Live {
			ids = append(ids, id)
		}
	}
	return ids
}

// RegisterRoute records the RouteTarget for an in-flight downstream
// request id, returning false if one is already registered for that id
// (spec invariant: "each downstream in-flight request id maps to at most
// one RouteTarget at a time").
func (s *Session) RegisterRoute(downstreamReqID string, target RouteTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[downstreamReqID]; exists {
		return false
	}
	s.inFlight[downstreamReqID] = target
	return true
}

// ResolveRoute removes and returns the RouteTarget for a completed or
// cancelled downstream request id.
func (s *Session) ResolveRoute(downstreamReqID string) (RouteTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.inFlight[downstreamReqID]
	if ok {
		delete(s.inFlight, downstreamReqID)
	}
	return target, ok
}

// PeekRoute returns the RouteTarget for a request id without removing it,
// for cancellation forwarding.
func (s *Session) PeekRoute(downstreamReqID string) (RouteTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.inFlight[downstreamReqID]
	return target, ok
}

// EncodeOutgoingProxiedID namespaces and signs an upstream server-request
// id for delivery to the downstream client, recording the origin so a
// subsequent downstream response can be routed back via
// DecodeIncomingProxiedResponse.
func (s *Session) EncodeOutgoingProxiedID(upstreamID string, upstreamIDValue any, mode idcodec.Mode, sign bool) (string, error) {
	proxied, err := idcodec.EncodeServerRequestID(upstreamID, upstreamIDValue, mode, sign, s.SigningKey)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.outgoing[proxied] = ProxiedOrigin{UpstreamID: upstreamID, CreatedAt: time.Now().UTC()}
	s.mu.Unlock()
	return proxied, nil
}

// DecodeIncomingProxiedResponse resolves a downstream response's proxied
// request id back to its originating upstream and the upstream's own raw
// request id value, verifying the signature if sign is set. The origin is
// consumed (one response per proxied request).
func (s *Session) DecodeIncomingProxiedResponse(proxiedID string, mode idcodec.Mode, sign bool) (upstreamID string, idValue json.RawMessage, ok bool) {
	_, value, err := idcodec.DecodeServerRequestID(proxiedID, mode, sign, s.SigningKey)
	if err != nil {
		return "", nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	origin, found := s.outgoing[proxiedID]
	if !found {
		return "", nil, false
	}
	delete(s.outgoing, proxiedID)
	return origin.UpstreamID, value, true
}

// SetLastEventID records the most recently forwarded SSE event id for an
// upstream, for resume bookkeeping.
func (s *Session) SetLastEventID(upstreamID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventIDs[upstreamID] = eventID
}

// LastCatalog returns the session's last advertised catalog view.
func (s *Session) LastCatalog() CatalogView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCatalog
}

// SetLastCatalog records a newly advertised catalog view.
func (s *Session) SetLastCatalog(v CatalogView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCatalog = v
}
