package streamable

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modulegate/gateway/internal/domain/auth"
	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/ratelimit"
	"github.com/modulegate/gateway/internal/service"
)

// Manager owns the set of configured profiles and every live session across
// all of them; it is the single type cmd/gatewayd wires into net/http's
// mux for the /{profile_id}/mcp route.
type Manager struct {
	supervisor  *service.ProfileSupervisor
	notifier    *service.ContractNotifier
	limiter     *ratelimit.FixedWindowLimiter
	apiKeys     *auth.APIKeyService
	profilesMu  sync.RWMutex
	profiles    map[string]*ProfileRuntime
	sessions    *sessionRegistry
	signingKeys map[string][]byte // per-profile HMAC key for idcodec signing
	metrics     *rpcMetrics
	logger      *slog.Logger
}

// NewManager builds a Manager. signingKeys supplies one HMAC key per profile
// id (idcodec.EncodeServerRequestID/DecodeServerRequestID); callers
// typically generate one random key per profile at startup and persist it
// nowhere else, since it only needs to be stable for the process lifetime.
func NewManager(
	supervisor *service.ProfileSupervisor,
	notifier *service.ContractNotifier,
	limiter *ratelimit.FixedWindowLimiter,
	apiKeys *auth.APIKeyService,
	profiles map[string]*ProfileRuntime,
	signingKeys map[string][]byte,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		supervisor:  supervisor,
		notifier:    notifier,
		limiter:     limiter,
		apiKeys:     apiKeys,
		profiles:    profiles,
		sessions:    newSessionRegistry(),
		signingKeys: signingKeys,
		metrics:     newRPCMetrics(),
		logger:      logger,
	}
}

// Profile returns the ProfileRuntime for profileID and whether it exists.
// Safe for concurrent use with UpdateProfile.
func (m *Manager) Profile(profileID string) (*ProfileRuntime, bool) {
	m.profilesMu.RLock()
	defer m.profilesMu.RUnlock()
	rt, ok := m.profiles[profileID]
	return rt, ok
}

// UpdateProfile swaps in a freshly rebuilt ProfileRuntime for profileID, for
// use by cmd/gatewayd's config-reload watcher. Sessions already attached to
// the old runtime keep running against the SessionBroker/catalog snapshot
// they were built with; only new sessions see the updated runtime.
func (m *Manager) UpdateProfile(profileID string, rt *ProfileRuntime) {
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()
	m.profiles[profileID] = rt
}

// authorize validates the bearer API key on r's Authorization header and
// checks it against profile's AllowedIdentityIDs. This is the one place
// raw credentials are handled: the rest of the package only ever sees the
// resulting identity id as Session.AuthKeyID.
func (m *Manager) authorize(ctx context.Context, rawKey string, rt *ProfileRuntime) (identityID string, err error) {
	if m.apiKeys == nil {
		return "anonymous", nil // no APIKeyService configured: every caller is "anonymous"
	}
	if rawKey == "" {
		return "", fmt.Errorf("missing API key")
	}
	identity, err := m.apiKeys.Validate(ctx, rawKey)
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}
	if len(rt.AllowedIdentityIDs) > 0 && !rt.AllowedIdentityIDs[identity.ID] {
		return "", fmt.Errorf("identity %q not permitted on this profile", identity.ID)
	}
	return identity.ID, nil
}

// newSession stands up a fresh broker.Session plus its SessionBroker and
// sseWriter for profileID, attaching the profile in ProfileSupervisor
// (idempotent: a no-op beyond refcounting if other sessions already hold it
// open) and registering for both contract-change and upstream-notification
// fan-out.
func (m *Manager) newSession(ctx context.Context, profileID, identityID string, rt *ProfileRuntime, fallbackCaps map[string]bool) (*sessionEntry, map[string]bool, error) {
	if err := m.supervisor.Attach(ctx, rt.Desc); err != nil {
		return nil, nil, fmt.Errorf("attach profile: %w", err)
	}

	// Prefer the capabilities the profile's Ready upstreams actually
	// advertised; on a cold attach (no upstream Ready yet, connects are
	// async) fall back to the caller's conservative assumption.
	upstreamCaps := m.supervisor.UpstreamCaps(profileID)
	if len(upstreamCaps) == 0 {
		upstreamCaps = fallbackCaps
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate session id: %w", err)
	}

	signingKey := m.signingKeys[profileID]
	sess := broker.NewSession(sessionID, profileID, identityID, signingKey)

	cat, routes, _ := m.supervisor.Snapshot(profileID)

	b := service.NewSessionBroker(sess, m.limiter, rt.LimiterConfig, rt.Engine, cat, rt.Desc.ToolSources, routes, rt.ToolPolicies, m.logger)
	b.ConfigureProxiedIDs(rt.IDMode, rt.SignProxiedIDs)
	b.SetToolCallTimeout(rt.ToolCallTimeout)

	// Negotiate capabilities before building the forward sink, since
	// NotificationFilter.LoggingDenied (suppressing notifications/message)
	// depends on the session's negotiated "logging" capability.
	caps := b.Initialize(rt.CapabilityPolicy, upstreamCaps)
	loggingDenied := b.LoggingDenied()
	filters := make(map[string]service.NotificationFilter, len(rt.NotificationFilters))
	for upstreamID, f := range rt.NotificationFilters {
		f.LoggingDenied = loggingDenied
		filters[upstreamID] = f
	}

	entry := &sessionEntry{
		profileID: profileID,
		session:   sess,
		broker:    b,
		writer:    newSSEWriter(),
		toolSrcs:  rt.Desc.ToolSources,
	}
	entry.touch()

	// A downstream that stops draining its SSE stream for the whole
	// backpressure deadline gets its session aborted rather than silently
	// shedding frames forever.
	entry.writer.setAbortHook(func() {
		m.logger.Warn("aborting session: downstream writer backpressured past deadline",
			"session_id", sessionID, "profile_id", profileID)
		sess.Transition(broker.StateAborted)
		go m.closeSession(sessionID)
	})

	m.sessions.put(sessionID, entry)

	if m.notifier != nil {
		m.notifier.Register(profileID, sess, entry.writer)
	}
	forwardSink := service.NewForwardSink(b, entry.writer, filters, rt.IDMode, rt.EventMode, rt.SignProxiedIDs, m.logger)
	m.supervisor.RegisterSession(profileID, sessionID, forwardSink)

	return entry, caps, nil
}

// closeSession tears a session down: unregisters it from fan-out, detaches
// the profile refcount, and closes its SSE writer so any blocked GET
// returns.
func (m *Manager) closeSession(sessionID string) {
	entry, ok := m.sessions.delete(sessionID)
	if !ok {
		return
	}
	m.supervisor.UnregisterSession(entry.profileID, sessionID)
	if m.notifier != nil {
		m.notifier.Unregister(entry.profileID, sessionID)
	}
	m.supervisor.Detach(entry.profileID)
	entry.writer.close()
}

// StartExpiry launches the idle-session sweeper: a session with no
// downstream request or SSE attach for longer than idle is destroyed, per
// the session lifecycle rule that a session "survives for an idle timeout."
// Returns immediately; the sweeper stops when ctx is cancelled.
func (m *Manager) StartExpiry(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(idle / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				for id, entry := range m.sessions.snapshot() {
					if entry.idleFor(now) >= idle {
						m.logger.Info("expiring idle session", "session_id", id, "profile_id", entry.profileID)
						m.closeSession(id)
					}
				}
			}
		}
	}()
}

// newSessionID generates a random 32-byte session identifier, hex-encoded.
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
