package broker

import (
	"time"

	"github.com/modulegate/gateway/internal/domain/catalog"
)

// State is the downstream session lifecycle:
// New → Initialized → Active → (Closing → Closed | Aborted).
type State int

const (
	StateNew State = iota
	StateInitialized
	StateActive
	StateClosing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// terminal reports whether s has no valid outgoing transition.
func (s State) terminal() bool {
	return s == StateClosed || s == StateAborted
}

// RouteKind tags where an in-flight downstream request was routed.
type RouteKind int

const (
	RouteLocal RouteKind = iota
	RouteUpstream
)

// RouteTarget records where an in-flight downstream request id was routed,
// so a later notifications/cancelled can be forwarded correctly.
type RouteTarget struct {
	Kind       RouteKind
	UpstreamID string // set iff Kind == RouteUpstream
	Cancel     func()
}

// ProxiedOrigin is what a Session remembers about one outgoing proxied
// server-request id, keyed by the ProxiedId string handed to the
// downstream client: which upstream it came from and when, so a downstream
// response can be routed back. The upstream-side id value is not stored
// here; it is recovered by decoding the ProxiedId itself.
type ProxiedOrigin struct {
	UpstreamID string
	CreatedAt  time.Time
}

// UpstreamState tracks one upstream connection's liveness within a
// session's view, independent of the underlying upstream.Client's own
// state machine (which is shared across sessions via ProfileSupervisor).
type UpstreamState struct {
	UpstreamID string
	Live       bool
}

// CatalogView is the last catalog this session advertised, plus the hash
// ContractWatch diffs against on rebuild.
type CatalogView struct {
	Catalog      catalog.MergedCatalog
	ContractHash string
}
