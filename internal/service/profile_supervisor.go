package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/catalog"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/transform"
	"github.com/modulegate/gateway/internal/domain/upstream"
)

// UpstreamDesc is the static description of one upstream a profile attaches,
// independent of any downstream session: enough to build a Transport and
// register it in the merged catalog.
type UpstreamDesc struct {
	ID             string
	InitializeArgs []byte
	AllowlistKeys  map[string]bool
}

// UpstreamTransportFactory constructs a fresh Transport for one upstream.
// Called once per connect/reconnect attempt, since a Transport is torn down
// on disconnect and cannot be reused.
type UpstreamTransportFactory func(ctx context.Context, desc UpstreamDesc) (upstream.Transport, error)

// ProfileDesc is the static, profile-scoped configuration ProfileSupervisor
// needs to stand a profile up: its upstreams (each with its own allowlist
// keys), local tool sources, and transform profile.
type ProfileDesc struct {
	ProfileID   string
	Upstreams   []UpstreamDesc
	ToolSources map[string]toolsource.Source
	Engine      *transform.Engine
}

// profileRuntime holds the live, per-profile state ProfileSupervisor
// manages: one upstream.Client per attached upstream, reconnect bookkeeping,
// and the last rebuilt catalog.
type profileRuntime struct {
	mu           sync.Mutex
	desc         ProfileDesc
	clients      map[string]*upstream.Client
	retries      map[string]int
	cancelRetry  map[string]context.CancelFunc
	lastCatalog  catalog.MergedCatalog
	refCount     int       // number of sessions currently attached
	idleSince    time.Time // zero while refCount > 0
	sessionSinks map[string]upstream.EventSink
}

// ProfileSupervisor manages UpstreamClient lifecycle per profile,
// independent of any individual downstream session: connect with retries
// under backoff, idle teardown once no session references a profile, and
// catalog rebuild + ContractWatch notification after each successful
// connect, upstream list_changed notification, and Reconfigure.
//
// Retries follow a failed transport creation or initialize handshake only.
// A client that reached Ready and later goes Degraded (transport failure or
// missed pings) is not reconnected, and its tools leave the catalog only at
// the next rebuild.
//
// Reconnects use broker.ToolPolicy's jittered 25ms-base/2s-cap backoff,
// the same curve applied to tool-call retries.
type ProfileSupervisor struct {
	mu        sync.Mutex
	profiles  map[string]*profileRuntime
	transport UpstreamTransportFactory
	policy    broker.ToolPolicy
	notifier  *ContractNotifier
	idleAfter time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

const defaultIdleTeardown = 120 * time.Second

// NewProfileSupervisor creates a supervisor. idleAfter is the duration a
// profile may sit with zero attached sessions before its upstream clients
// are torn down (0 uses the 120s default).
func NewProfileSupervisor(transport UpstreamTransportFactory, notifier *ContractNotifier, idleAfter time.Duration, logger *slog.Logger) *ProfileSupervisor {
	if idleAfter <= 0 {
		idleAfter = defaultIdleTeardown
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := &ProfileSupervisor{
		profiles:  make(map[string]*profileRuntime),
		transport: transport,
		policy:    broker.DefaultToolPolicy,
		notifier:  notifier,
		idleAfter: idleAfter,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	go ps.idleSweeper()
	return ps
}

// Attach registers a session's interest in profileID, standing up its
// upstream clients on first attach and cancelling any pending idle teardown.
// desc is only consulted on first attach; a later attach while the profile
// is already running reuses the existing runtime (see Reconfigure to push
// a config change to a running profile).
func (ps *ProfileSupervisor) Attach(ctx context.Context, desc ProfileDesc) error {
	ps.mu.Lock()
	rt, ok := ps.profiles[desc.ProfileID]
	if !ok {
		rt = &profileRuntime{
			desc:         desc,
			clients:      make(map[string]*upstream.Client),
			retries:      make(map[string]int),
			cancelRetry:  make(map[string]context.CancelFunc),
			sessionSinks: make(map[string]upstream.EventSink),
		}
		ps.profiles[desc.ProfileID] = rt
	}
	ps.mu.Unlock()

	rt.mu.Lock()
	rt.refCount++
	rt.idleSince = time.Time{}
	alreadyRunning := len(rt.clients) > 0
	rt.mu.Unlock()

	if alreadyRunning {
		return nil
	}

	for _, d := range desc.Upstreams {
		ps.connect(rt, d)
	}
	return nil
}

// Detach records that one fewer session references profileID. Once
// refCount reaches zero, idleSweeper will tear the profile's clients down
// after idleAfter has elapsed with no further Attach.
func (ps *ProfileSupervisor) Detach(profileID string) {
	ps.mu.Lock()
	rt, ok := ps.profiles[profileID]
	ps.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	if rt.refCount > 0 {
		rt.refCount--
	}
	if rt.refCount == 0 {
		rt.idleSince = time.Now()
	}
	rt.mu.Unlock()
}

// RegisterSession attaches sink as the fan-out target for every upstream
// notification/server-request this profile's clients receive, for one
// downstream session. Typically sink is a SessionBroker's forward sink
// (NewForwardSink), so every live session gets SSE fan-in from all of a
// profile's upstreams merged onto its own stream.
func (ps *ProfileSupervisor) RegisterSession(profileID, sessionID string, sink upstream.EventSink) {
	ps.mu.Lock()
	rt, ok := ps.profiles[profileID]
	ps.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.sessionSinks[sessionID] = sink
	rt.mu.Unlock()
}

// UnregisterSession removes a session's fan-out registration, called when
// its SSE stream closes or the session ends.
func (ps *ProfileSupervisor) UnregisterSession(profileID, sessionID string) {
	ps.mu.Lock()
	rt, ok := ps.profiles[profileID]
	ps.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	delete(rt.sessionSinks, sessionID)
	rt.mu.Unlock()
}

// Reconfigure applies a config change to a running profile:
// it atomically swaps the stored ProfileDesc, tears down and reconnects
// only the upstreams whose InitializeArgs changed (a cheap byte-compare
// stand-in for "connection parameters changed", since InitializeArgs is
// the one thing UpstreamDesc carries that affects the wire handshake), and
// leaves unchanged upstreams' live connections untouched. A no-op if
// profileID isn't currently running (nothing to swap).
func (ps *ProfileSupervisor) Reconfigure(desc ProfileDesc) {
	ps.mu.Lock()
	rt, ok := ps.profiles[desc.ProfileID]
	ps.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	prev := rt.desc
	rt.desc = desc
	prevArgs := make(map[string]string, len(prev.Upstreams))
	for _, u := range prev.Upstreams {
		prevArgs[u.ID] = string(u.InitializeArgs)
	}
	var toReconnect []UpstreamDesc
	next := make(map[string]bool, len(desc.Upstreams))
	for _, u := range desc.Upstreams {
		next[u.ID] = true
		if prevArgs[u.ID] != string(u.InitializeArgs) {
			toReconnect = append(toReconnect, u)
		}
	}
	var toRemove []string
	for id := range prevArgs {
		if !next[id] {
			toRemove = append(toRemove, id)
		}
	}
	stale := make([]*upstream.Client, 0, len(toReconnect)+len(toRemove))
	for _, u := range toReconnect {
		if c, ok := rt.clients[u.ID]; ok {
			stale = append(stale, c)
			delete(rt.clients, u.ID)
		}
	}
	for _, id := range toRemove {
		if c, ok := rt.clients[id]; ok {
			stale = append(stale, c)
			delete(rt.clients, id)
		}
	}
	rt.mu.Unlock()

	for _, c := range stale {
		if err := c.Close(ps.ctx); err != nil {
			ps.logger.Warn("profile supervisor: close upstream client during reconfigure", "error", err)
		}
	}
	for _, u := range toReconnect {
		ps.connect(rt, u)
	}

	ps.rebuildCatalog(rt)
}

// Snapshot returns the merged catalog and a routing table the SessionBroker
// can use to dispatch tools/call for a currently-attached profile.
func (ps *ProfileSupervisor) Snapshot(profileID string) (catalog.MergedCatalog, map[string]UpstreamRoute, bool) {
	ps.mu.Lock()
	rt, ok := ps.profiles[profileID]
	ps.mu.Unlock()
	if !ok {
		return catalog.MergedCatalog{}, nil, false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	routes := make(map[string]UpstreamRoute, len(rt.clients))
	for id, c := range rt.clients {
		if c.State() == upstream.StateReady {
			routes[id] = c
		}
	}
	return rt.lastCatalog, routes, true
}

// UpstreamCaps returns the union of every Ready upstream's advertised
// server capabilities for a profile, for the downstream initialize
// negotiation. Empty when no upstream is Ready yet (connects are async).
func (ps *ProfileSupervisor) UpstreamCaps(profileID string) map[string]bool {
	ps.mu.Lock()
	rt, ok := ps.profiles[profileID]
	ps.mu.Unlock()
	if !ok {
		return nil
	}

	rt.mu.Lock()
	clients := make([]*upstream.Client, 0, len(rt.clients))
	for _, c := range rt.clients {
		clients = append(clients, c)
	}
	rt.mu.Unlock()

	merged := make(map[string]bool)
	for _, c := range clients {
		if c.State() != upstream.StateReady {
			continue
		}
		for name, ok := range c.ServerCapabilities() {
			if ok {
				merged[name] = true
			}
		}
	}
	return merged
}

func (ps *ProfileSupervisor) connect(rt *profileRuntime, desc UpstreamDesc) {
	transport, err := ps.transport(ps.ctx, desc)
	if err != nil {
		ps.logger.Error("profile supervisor: create transport", "upstream_id", desc.ID, "error", err)
		ps.scheduleRetry(rt, desc)
		return
	}

	sink := &profileEventSink{ps: ps, rt: rt, upstreamID: desc.ID}
	client := upstream.NewClient(desc.ID, transport, sink)

	rt.mu.Lock()
	rt.clients[desc.ID] = client
	rt.mu.Unlock()

	go func() {
		if _, err := client.Initialize(ps.ctx, desc.InitializeArgs); err != nil {
			ps.logger.Warn("profile supervisor: initialize failed, upstream degraded",
				"upstream_id", desc.ID, "error", err)
			ps.scheduleRetry(rt, desc)
			return
		}
		ps.rebuildCatalog(rt)
	}()
}

// scheduleRetry backs off and reconnects a single upstream within a
// profile; a newer retry for the same upstream cancels any pending one.
func (ps *ProfileSupervisor) scheduleRetry(rt *profileRuntime, desc UpstreamDesc) {
	rt.mu.Lock()
	rt.retries[desc.ID]++
	attempt := rt.retries[desc.ID]
	retryCtx, cancel := context.WithCancel(ps.ctx)
	if prev, ok := rt.cancelRetry[desc.ID]; ok {
		prev()
	}
	rt.cancelRetry[desc.ID] = cancel
	rt.mu.Unlock()

	delay := ps.policy.BackoffDelay(attempt)
	ps.logger.Info("profile supervisor: scheduling reconnect", "upstream_id", desc.ID, "attempt", attempt, "delay", delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-retryCtx.Done():
			return
		}
		ps.connect(rt, desc)
	}()
}

// profileEventSink adapts an upstream.Client's EventSink callback into a
// catalog rebuild trigger for list_changed notifications and, eventually,
// forwarding into live sessions (wired by whatever registers itself via
// ContractNotifier.Register / a SessionBroker forward sink for this
// profile).
type profileEventSink struct {
	ps         *ProfileSupervisor
	rt         *profileRuntime
	upstreamID string
}

func (s *profileEventSink) HandleUpstreamFrame(upstreamID string, frame upstream.Frame) {
	// Catalog-affecting server notifications (tools/resources/prompts
	// list_changed from the upstream itself) trigger a rebuild.
	switch frame.Method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		s.ps.rebuildCatalog(s.rt)
	}

	// Fan the frame out to every session currently attached to this
	// profile: each registered sink is a SessionBroker's per-session
	// forward sink (NewForwardSink), which applies that session's own
	// NotificationFilter before re-emitting onto its SSE stream. This is
	// the N-upstreams-to-one-session merge point.
	s.rt.mu.Lock()
	sinks := make([]upstream.EventSink, 0, len(s.rt.sessionSinks))
	for _, sink := range s.rt.sessionSinks {
		sinks = append(sinks, sink)
	}
	s.rt.mu.Unlock()
	for _, sink := range sinks {
		sink.HandleUpstreamFrame(upstreamID, frame)
	}
}

// rebuildCatalog re-merges the profile's Ready upstreams' tools (fetched via
// tools/list) with its local tool sources, and reports the result to
// ContractWatch so affected sessions get list_changed notifications.
func (ps *ProfileSupervisor) rebuildCatalog(rt *profileRuntime) {
	rt.mu.Lock()
	clients := make(map[string]*upstream.Client, len(rt.clients))
	for id, c := range rt.clients {
		clients[id] = c
	}
	sources := rt.desc.ToolSources
	engine := rt.desc.Engine
	allowlist := mergedAllowlist(rt.desc.Upstreams)
	restricted := make(map[string]bool)
	for _, u := range rt.desc.Upstreams {
		if len(u.AllowlistKeys) > 0 {
			restricted[u.ID] = true
		}
	}
	rt.mu.Unlock()

	var raw, rawResources, rawPrompts []catalog.RawTool
	for id, c := range clients {
		if c.State() != upstream.StateReady {
			continue
		}
		tools, err := fetchUpstreamTools(ps.ctx, c)
		if err != nil {
			ps.logger.Warn("profile supervisor: tools/list failed", "upstream_id", id, "error", err)
			continue
		}
		for _, t := range tools {
			raw = append(raw, catalog.RawTool{
				SourceID:     id,
				SourceKind:   catalog.SourceUpstream,
				OriginalName: t.Name,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
			})
		}

		resources, err := fetchUpstreamListing(ps.ctx, c, "resources/list", "resources")
		if err != nil {
			ps.logger.Warn("profile supervisor: resources/list failed", "upstream_id", id, "error", err)
		}
		for _, d := range resources {
			rawResources = append(rawResources, catalog.RawTool{
				SourceID: id, SourceKind: catalog.SourceUpstream,
				OriginalName: d.Name, Description: d.Description, InputSchema: d.InputSchema,
			})
		}

		prompts, err := fetchUpstreamListing(ps.ctx, c, "prompts/list", "prompts")
		if err != nil {
			ps.logger.Warn("profile supervisor: prompts/list failed", "upstream_id", id, "error", err)
		}
		for _, d := range prompts {
			rawPrompts = append(rawPrompts, catalog.RawTool{
				SourceID: id, SourceKind: catalog.SourceUpstream,
				OriginalName: d.Name, Description: d.Description, InputSchema: d.InputSchema,
			})
		}
	}
	for id, src := range sources {
		descriptors, err := src.ListTools(ps.ctx)
		if err != nil {
			ps.logger.Warn("profile supervisor: local tool source ListTools failed", "source_id", id, "error", err)
			continue
		}
		for _, d := range descriptors {
			raw = append(raw, catalog.RawTool{
				SourceID:     id,
				SourceKind:   catalog.SourceLocal,
				OriginalName: d.Name,
				Description:  d.Description,
				InputSchema:  d.InputSchema,
			})
		}
	}

	// Sources without an allowlist of their own keep every tool, even when
	// another upstream's allowlist makes the merged key set non-empty.
	if len(allowlist) > 0 {
		for _, t := range raw {
			if !restricted[t.SourceID] {
				allowlist[t.SourceID+":"+t.OriginalName] = true
			}
		}
	}
	merged := catalog.Build(raw, rawResources, rawPrompts, engine, allowlist)

	rt.mu.Lock()
	rt.lastCatalog = merged
	rt.mu.Unlock()

	if ps.notifier != nil {
		ps.notifier.OnCatalogRebuilt(rt.desc.ProfileID, merged)
	}
}

func mergedAllowlist(upstreams []UpstreamDesc) map[string]bool {
	out := make(map[string]bool)
	for _, u := range upstreams {
		for k := range u.AllowlistKeys {
			out[k] = true
		}
	}
	return out
}

// fetchUpstreamTools calls tools/list on a Ready client and decodes the
// standard MCP {tools: [{name, description, inputSchema}]} envelope.
func fetchUpstreamTools(ctx context.Context, c *upstream.Client) ([]toolsource.Descriptor, error) {
	raw, err := c.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return decodeToolsListResult(raw)
}

// fetchUpstreamListing calls method (resources/list or prompts/list) on a
// Ready client and decodes the {<field>: [{name, description}]} envelope.
// An upstream that doesn't implement the method (no matching capability)
// simply contributes nothing to that catalog section — partial-upstream
// tolerance extends to optional listing methods too.
func fetchUpstreamListing(ctx context.Context, c *upstream.Client, method, field string) ([]toolsource.Descriptor, error) {
	raw, err := c.Request(ctx, method, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	items, ok := env[field]
	if !ok {
		return nil, nil
	}
	var entries []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(items, &entries); err != nil {
		return nil, fmt.Errorf("decode %s entries: %w", method, err)
	}
	out := make([]toolsource.Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, toolsource.Descriptor{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}
	return out, nil
}

// decodeToolsListResult unmarshals the standard MCP tools/list response
// shape into Descriptors.
func decodeToolsListResult(raw []byte) ([]toolsource.Descriptor, error) {
	var env struct {
		Tools []struct {
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			InputSchema  json.RawMessage `json:"inputSchema"`
			OutputSchema json.RawMessage `json:"outputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	out := make([]toolsource.Descriptor, 0, len(env.Tools))
	for _, t := range env.Tools {
		out = append(out, toolsource.Descriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	return out, nil
}

// Close tears down every managed profile's upstream clients and stops the
// idle sweeper.
func (ps *ProfileSupervisor) Close(ctx context.Context) error {
	ps.mu.Lock()
	profiles := make([]*profileRuntime, 0, len(ps.profiles))
	for _, rt := range ps.profiles {
		profiles = append(profiles, rt)
	}
	ps.profiles = make(map[string]*profileRuntime)
	ps.mu.Unlock()

	for _, rt := range profiles {
		ps.teardown(rt, ctx)
	}
	ps.cancel()
	return nil
}

func (ps *ProfileSupervisor) teardown(rt *profileRuntime, ctx context.Context) {
	rt.mu.Lock()
	clients := make([]*upstream.Client, 0, len(rt.clients))
	for _, c := range rt.clients {
		clients = append(clients, c)
	}
	for _, cancel := range rt.cancelRetry {
		cancel()
	}
	rt.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			ps.logger.Warn("profile supervisor: close upstream client", "error", err)
		}
	}
}

// idleSweeper periodically tears down profiles that have had zero attached
// sessions for longer than idleAfter.
func (ps *ProfileSupervisor) idleSweeper() {
	ticker := time.NewTicker(ps.idleAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ps.sweepIdle()
		case <-ps.ctx.Done():
			return
		}
	}
}

func (ps *ProfileSupervisor) sweepIdle() {
	now := time.Now()

	ps.mu.Lock()
	stale := make(map[string]*profileRuntime)
	for id, rt := range ps.profiles {
		rt.mu.Lock()
		idle := rt.refCount == 0 && !rt.idleSince.IsZero() && now.Sub(rt.idleSince) >= ps.idleAfter
		rt.mu.Unlock()
		if idle {
			stale[id] = rt
			delete(ps.profiles, id)
		}
	}
	ps.mu.Unlock()

	for id, rt := range stale {
		ps.logger.Info("profile supervisor: tearing down idle profile", "profile_id", id)
		ps.teardown(rt, ps.ctx)
	}
}
