package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/catalog"
	"github.com/modulegate/gateway/internal/domain/contract"
)

// ContractEventStore is the durable sink for detected contract changes;
// contract.Watch keeps the in-memory detection state and bounded replay
// ring, the store keeps history across restarts. Implemented by
// internal/adapter/outbound/sqlite.ContractEventStore.
type ContractEventStore interface {
	Append(ctx context.Context, ev contract.Event) error
	Since(ctx context.Context, profileID string, lastSeen int64) ([]contract.Event, error)
}

// sessionTarget is one live downstream session ContractNotifier can push a
// list_changed notification to.
type sessionTarget struct {
	session *broker.Session
	writer  DownstreamWriter
}

// ContractNotifier observes catalog rebuilds for a profile, diffs each
// kind's contract hash against the last one contract.Watch observed for
// that profile, and on a change pushes notifications/*/list_changed frames
// to every session registered for the profile.
type ContractNotifier struct {
	watch *contract.Watch
	store ContractEventStore // nil means in-memory only

	mu       sync.Mutex
	sessions map[string]map[string]sessionTarget // profileID -> sessionID -> target

	logger *slog.Logger
}

// NewContractNotifier creates a notifier backed by the given watch log.
func NewContractNotifier(watch *contract.Watch, logger *slog.Logger) *ContractNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContractNotifier{
		watch:    watch,
		sessions: make(map[string]map[string]sessionTarget),
		logger:   logger,
	}
}

// SetEventStore attaches a durable event store; every detected change is
// appended there, and Replay prefers it over the in-memory ring. Must be
// called before any catalog rebuild, typically right after construction.
func (n *ContractNotifier) SetEventStore(store ContractEventStore) {
	n.store = store
}

// Register associates a live session with the profile whose catalog it
// tracks, so a future rebuild can notify it.
func (n *ContractNotifier) Register(profileID string, sess *broker.Session, writer DownstreamWriter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	byProfile, ok := n.sessions[profileID]
	if !ok {
		byProfile = make(map[string]sessionTarget)
		n.sessions[profileID] = byProfile
	}
	byProfile[sess.ID] = sessionTarget{session: sess, writer: writer}
}

// Unregister drops a session, called on session close.
func (n *ContractNotifier) Unregister(profileID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if byProfile, ok := n.sessions[profileID]; ok {
		delete(byProfile, sessionID)
	}
}

// targets snapshots the live sessions for a profile.
func (n *ContractNotifier) targets(profileID string) map[string]sessionTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]sessionTarget, len(n.sessions[profileID]))
	for id, t := range n.sessions[profileID] {
		out[id] = t
	}
	return out
}

// kindHashes extracts per-kind content from a merged catalog and hashes
// each independently, so a resources-only change doesn't trigger a spurious
// tools/list_changed notification.
func kindHashes(cat catalog.MergedCatalog) map[contract.Kind]string {
	return map[contract.Kind]string{
		contract.KindTools:     catalog.HashTools(cat.Tools),
		contract.KindResources: catalog.HashTools(cat.Resources),
		contract.KindPrompts:   catalog.HashTools(cat.Prompts),
	}
}

// OnCatalogRebuilt is called after ProfileSupervisor rebuilds a profile's
// merged catalog. It observes each kind's hash; for any kind whose hash
// changed since this profile was last observed, it fans out a
// notifications/*/list_changed frame to every registered session and
// records the rebuilt catalog as each session's CatalogView.
func (n *ContractNotifier) OnCatalogRebuilt(profileID string, cat catalog.MergedCatalog) []contract.Event {
	var changed []contract.Event
	for kind, hash := range kindHashes(cat) {
		ev, ok := n.watch.Observe(profileID, kind, hash)
		if !ok {
			continue
		}
		changed = append(changed, ev)
		if n.store != nil {
			if err := n.store.Append(context.Background(), ev); err != nil {
				n.logger.Warn("contract notifier: persist event", "profile_id", profileID, "kind", kind, "error", err)
			}
		}
		n.broadcast(profileID, kind)
	}

	if len(changed) > 0 {
		view := broker.CatalogView{Catalog: cat, ContractHash: cat.ContractHash()}
		for _, t := range n.targets(profileID) {
			t.session.SetLastCatalog(view)
		}
	}
	return changed
}

func (n *ContractNotifier) broadcast(profileID string, kind contract.Kind) {
	frame := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}{JSONRPC: "2.0", Method: kind.NotificationMethod()}

	raw, err := json.Marshal(frame)
	if err != nil {
		n.logger.Error("contract notifier: marshal list_changed frame", "error", err)
		return
	}

	for sessID, t := range n.targets(profileID) {
		if err := t.writer.WriteFrame(DownstreamFrame{Raw: raw}); err != nil {
			n.logger.Warn("contract notifier: dropping list_changed notification",
				"profile_id", profileID, "session_id", sessID, "kind", kind, "error", err)
		}
	}
}

// Replay returns every contract event for profileID with id > lastSeen, for
// a session resuming after a reconnect to catch up on what it missed. The
// durable store, when attached, serves history the in-memory ring may have
// already evicted; a store read failure falls back to the ring.
func (n *ContractNotifier) Replay(profileID string, lastSeen int64) []contract.Event {
	if n.store != nil {
		events, err := n.store.Since(context.Background(), profileID, lastSeen)
		if err == nil {
			return events
		}
		n.logger.Warn("contract notifier: replay from store", "profile_id", profileID, "error", err)
	}
	return n.watch.Since(profileID, lastSeen)
}
