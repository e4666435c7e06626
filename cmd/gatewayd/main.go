// Command gatewayd is the multi-tenant MCP Gateway daemon: it serves
// POST/GET/DELETE /{profile_id}/mcp for every profile in gatewayd.yaml,
// aggregating each profile's upstream MCP servers and local tool sources
// into one merged, transformed catalog.
//
// Boot sequence: config, auth/rate-limit stores, per-profile runtime
// construction, ProfileSupervisor/ContractNotifier wiring, then the HTTP
// listener with signal-driven graceful shutdown.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	streamablein "github.com/modulegate/gateway/internal/adapter/inbound/streamable"
	mcpclient "github.com/modulegate/gateway/internal/adapter/outbound/mcp"
	"github.com/modulegate/gateway/internal/adapter/outbound/memory"
	"github.com/modulegate/gateway/internal/adapter/outbound/sqlite"
	httptoolsource "github.com/modulegate/gateway/internal/adapter/outbound/toolsource/http"
	"github.com/modulegate/gateway/internal/adapter/outbound/toolsource/openapi"
	"github.com/modulegate/gateway/internal/config"
	"github.com/modulegate/gateway/internal/domain/auth"
	"github.com/modulegate/gateway/internal/domain/broker"
	"github.com/modulegate/gateway/internal/domain/contract"
	"github.com/modulegate/gateway/internal/domain/idcodec"
	"github.com/modulegate/gateway/internal/domain/ratelimit"
	"github.com/modulegate/gateway/internal/domain/toolsource"
	"github.com/modulegate/gateway/internal/domain/transform"
	"github.com/modulegate/gateway/internal/domain/upstream"
	"github.com/modulegate/gateway/internal/service"
	"github.com/modulegate/gateway/internal/telemetry"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "path to gatewayd.yaml (default: searches ./, $HOME/.gatewayd, /etc/gatewayd)")
	flag.Parse()

	config.InitGatewayViper(*configFile)
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd: failed to load config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if used := config.GatewayConfigFileUsed(); used != "" {
		logger.Info("loaded config", "file", used)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gatewayd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gatewayd stopped")
}

func run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	telemetryShutdown, err := telemetry.Setup(ctx, "gatewayd", version)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryShutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	authStore := memory.NewAuthStore()
	seedAuth(cfg, authStore)
	apiKeys := auth.NewAPIKeyService(authStore)

	var counterStore ratelimit.CounterStore = memory.NewCounterStore()
	if cfg.StateDB != "" {
		store, err := sqlite.OpenCounterStore(cfg.StateDB)
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		defer func() { _ = store.Close() }()
		counterStore = store
		logger.Info("rate-limit state persisted", "path", cfg.StateDB)
	}
	limiter := ratelimit.NewFixedWindowLimiter(counterStore)

	watch := contract.NewWatch(256, time.Now)
	notifier := service.NewContractNotifier(watch, logger)

	if cfg.ContractEventsDB != "" {
		eventStore, err := sqlite.OpenContractEventStore(cfg.ContractEventsDB)
		if err != nil {
			return fmt.Errorf("open contract events db: %w", err)
		}
		defer func() { _ = eventStore.Close() }()
		lastID, err := eventStore.LastID(ctx)
		if err != nil {
			return fmt.Errorf("read contract events db: %w", err)
		}
		watch.Seed(lastID)
		notifier.SetEventStore(eventStore)
		logger.Info("contract event log persisted", "path", cfg.ContractEventsDB, "last_id", lastID)
	}

	transportFactory := buildTransportFactory(cfg)
	idleTeardown, err := time.ParseDuration(cfg.IdleTeardown)
	if err != nil {
		idleTeardown = 120 * time.Second
	}
	supervisor := service.NewProfileSupervisor(transportFactory, notifier, idleTeardown, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = supervisor.Close(shutdownCtx)
	}()

	profiles := make(map[string]*streamablein.ProfileRuntime, len(cfg.Profiles))
	signingKeys := make(map[string][]byte, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		rt, err := buildProfileRuntime(p, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.ID, err)
		}
		profiles[p.ID] = rt
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate signing key for profile %q: %w", p.ID, err)
		}
		signingKeys[p.ID] = key
		logger.Info("profile configured", "profile_id", p.ID, "upstreams", len(p.Upstreams), "tool_sources", len(p.ToolSources))
	}

	mgr := streamablein.NewManager(supervisor, notifier, limiter, apiKeys, profiles, signingKeys, logger)

	sessionIdle, err := time.ParseDuration(cfg.SessionIdleTimeout)
	if err != nil {
		sessionIdle = 5 * time.Minute
	}
	mgr.StartExpiry(ctx, sessionIdle)

	if configPath := config.GatewayConfigFileUsed(); configPath != "" {
		watcher, err := watchConfig(configPath, logger, func(newCfg *config.GatewayConfig) error {
			return reconfigureProfiles(newCfg, supervisor, mgr, logger)
		})
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", mgr.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatewayd listening", "addr", cfg.Server.HTTPAddr, "profiles", len(profiles))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildTransportFactory returns the ProfileSupervisor callback that opens a
// real streamable-HTTP connection to one upstream, matching the upstream
// endpoint's InitializeArgs/Auth from config.
func buildTransportFactory(cfg *config.GatewayConfig) service.UpstreamTransportFactory {
	endpointsByKey := make(map[string]config.UpstreamEndpointConfig)
	for _, p := range cfg.Profiles {
		for _, u := range p.Upstreams {
			endpointsByKey[p.ID+"/"+u.ID] = u
		}
	}
	return func(ctx context.Context, desc service.UpstreamDesc) (upstream.Transport, error) {
		// desc.ID is the bare upstream id; ProfileSupervisor runs one
		// factory call per (profile, upstream) connect attempt but does not
		// thread the profile id through UpstreamDesc, so resolve by
		// upstream id alone (upstream ids need only be unique within a
		// profile, which the config schema already enforces via dive).
		for key, ep := range endpointsByKey {
			if strings.HasSuffix(key, "/"+desc.ID) {
				return mcpclient.NewStreamableClient(ep.URL, toEndpointAuth(ep.Auth)), nil
			}
		}
		return nil, fmt.Errorf("no upstream endpoint configured for %q", desc.ID)
	}
}

func toEndpointAuth(a config.EndpointAuthConfig) mcpclient.EndpointAuth {
	return mcpclient.EndpointAuth{
		Kind:        a.Kind,
		BearerToken: a.BearerToken,
		BasicUser:   a.BasicUser,
		BasicPass:   a.BasicPass,
		HeaderName:  a.HeaderName,
		HeaderValue: a.HeaderValue,
		QueryName:   a.QueryName,
		QueryValue:  a.QueryValue,
	}
}

// buildProfileRuntime compiles one ProfileConfig into the static
// ProfileRuntime streamable.Manager needs, building the transform engine,
// local tool sources, and session-scoped policy knobs. rateDefaults is the
// gateway-wide rate limit applied where the profile doesn't override.
func buildProfileRuntime(p config.ProfileConfig, rateDefaults config.RateLimitConfig) (*streamablein.ProfileRuntime, error) {
	overrides := make(transform.Overrides, len(p.Transform))
	for name, t := range p.Transform {
		params := make(map[string]transform.ParamOverride, len(t.Params))
		for pname, po := range t.Params {
			var def json.RawMessage
			if po.Default != "" {
				def = json.RawMessage(po.Default)
			}
			override := transform.ParamOverride{Rename: po.Rename, Default: def, TreatNullAsMissing: po.TreatNullAsMissing}
			if po.Hidden {
				visible := false
				override.Visible = &visible
			}
			params[pname] = override
		}
		overrides[name] = transform.ToolOverride{Rename: t.Rename, Description: t.Description, Params: params}
	}
	if err := overrides.ValidateDefaults(); err != nil {
		return nil, err
	}
	engine := transform.NewEngine(overrides)

	toolSources := make(map[string]toolsource.Source, len(p.ToolSources))
	for _, ts := range p.ToolSources {
		src, err := buildToolSource(ts)
		if err != nil {
			return nil, fmt.Errorf("tool source %q: %w", ts.ID, err)
		}
		toolSources[ts.ID] = src
	}

	upstreams := make([]service.UpstreamDesc, 0, len(p.Upstreams))
	for _, u := range p.Upstreams {
		allow := map[string]bool(nil)
		if len(u.Allowlist) > 0 {
			allow = make(map[string]bool, len(u.Allowlist))
			for _, name := range u.Allowlist {
				allow[u.ID+":"+name] = true
			}
		}
		upstreams = append(upstreams, service.UpstreamDesc{
			ID:             u.ID,
			InitializeArgs: []byte(u.InitializeArgs),
			AllowlistKeys:  allow,
		})
	}

	identityIDs := map[string]bool(nil)
	if len(p.AllowedIdentityIDs) > 0 {
		identityIDs = make(map[string]bool, len(p.AllowedIdentityIDs))
		for _, id := range p.AllowedIdentityIDs {
			identityIDs[id] = true
		}
	}

	notifFilters := make(map[string]service.NotificationFilter, len(p.Upstreams))
	defaultFilter := service.NotificationFilter{
		Allow:                 toSet(p.Notifications.Allow),
		Deny:                  toSet(p.Notifications.Deny),
		ServerRequestsAllowed: p.Notifications.ServerRequestsAllowed,
	}
	for _, u := range p.Upstreams {
		notifFilters[u.ID] = defaultFilter
	}

	rl := p.RateLimit
	if rl.UserRate == 0 {
		rl.UserRate = rateDefaults.UserRate
	}
	if rl.Quota == 0 {
		rl.Quota = rateDefaults.Quota
	}
	if !rl.FailOpen {
		rl.FailOpen = rateDefaults.FailOpen
	}
	limit := ratelimit.WindowConfig{Limit: rl.UserRate, Quota: rl.Quota, FailOpen: rl.FailOpen}

	policies := make(map[string]broker.ToolPolicy, len(p.ToolPolicies))
	for name, tp := range p.ToolPolicies {
		policies[name] = toToolPolicy(tp)
	}

	idMode := idcodec.ModeOpaque
	if p.Namespacing.RequestID == "readable" {
		idMode = idcodec.ModeReadable
	}
	eventMode := idcodec.EventModeUpstreamSlash
	if p.Namespacing.SSEEventID == "none" {
		eventMode = idcodec.EventModeNone
	}
	signIDs := p.SignedProxiedRequestIDs == nil || *p.SignedProxiedRequestIDs

	return &streamablein.ProfileRuntime{
		Desc: service.ProfileDesc{
			ProfileID:   p.ID,
			Upstreams:   upstreams,
			ToolSources: toolSources,
			Engine:      engine,
		},
		Engine:              engine,
		ToolPolicies:        policies,
		ToolCallTimeout:     time.Duration(p.ToolCallTimeoutSecs) * time.Second,
		CapabilityPolicy:    broker.CapabilityPolicy{Allow: p.Capabilities.Allow, Deny: p.Capabilities.Deny},
		NotificationFilters: notifFilters,
		AllowedIdentityIDs:  identityIDs,
		IDMode:              idMode,
		EventMode:           eventMode,
		SignProxiedIDs:      signIDs,
		LimiterConfig:       limit,
	}, nil
}

func toToolPolicy(tp config.ToolPolicyConfig) broker.ToolPolicy {
	policy := broker.ToolPolicy{
		MaximumAttempts:    tp.MaximumAttempts,
		InitialInterval:    time.Duration(tp.InitialIntervalMs) * time.Millisecond,
		BackoffCoefficient: tp.BackoffCoefficient,
		MaximumInterval:    time.Duration(tp.MaximumIntervalMs) * time.Millisecond,
		Timeout:            time.Duration(tp.TimeoutSecs) * time.Second,
	}
	if len(tp.NonRetryableErrorTypes) > 0 {
		policy.NonRetryableErrorKinds = make(map[toolsource.ErrorKind]bool, len(tp.NonRetryableErrorTypes))
		for _, kind := range tp.NonRetryableErrorTypes {
			policy.NonRetryableErrorKinds[toolsource.ErrorKind(kind)] = true
		}
	}
	return policy
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func buildToolSource(ts config.ToolSourceConfig) (toolsource.Source, error) {
	raw, err := json.Marshal(ts.Spec)
	if err != nil {
		return nil, err
	}
	switch ts.Kind {
	case "http":
		var spec httptoolsource.Spec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return httptoolsource.New(ts.ID, spec), nil
	case "openapi":
		var spec openapi.Spec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		return openapi.New(ts.ID, spec), nil
	default:
		return nil, fmt.Errorf("unknown tool source kind %q", ts.Kind)
	}
}

func seedAuth(cfg *config.GatewayConfig, store *memory.AuthStore) {
	for _, identityCfg := range cfg.Auth.Identities {
		roles := make([]auth.Role, len(identityCfg.Roles))
		for i, r := range identityCfg.Roles {
			roles[i] = auth.Role(r)
		}
		store.AddIdentity(&auth.Identity{ID: identityCfg.ID, Name: identityCfg.Name, Roles: roles})
	}
	for _, keyCfg := range cfg.Auth.APIKeys {
		hash := strings.TrimPrefix(keyCfg.KeyHash, "sha256:")
		store.AddKey(&auth.APIKey{Key: hash, IdentityID: keyCfg.IdentityID, CreatedAt: time.Now()})
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
