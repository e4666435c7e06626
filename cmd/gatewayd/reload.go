package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	streamablein "github.com/modulegate/gateway/internal/adapter/inbound/streamable"
	"github.com/modulegate/gateway/internal/config"
	"github.com/modulegate/gateway/internal/service"
)

// configWatcher reloads gatewayd.yaml when its directory changes and
// reconnects any upstream whose InitializeArgs changed, without
// restarting the daemon. A single gatewayd.yaml holds every profile's
// upstream set, so a reload re-derives every ProfileRuntime.
type configWatcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// watchConfig starts a background watcher on the directory containing the
// loaded config file. On any write/create event for that file it reloads
// the config and calls onReload with the new GatewayConfig. onReload is
// responsible for calling ProfileSupervisor.Reconfigure per profile; a
// reload error is logged and the previous config stays in effect.
func watchConfig(configPath string, logger *slog.Logger, onReload func(*config.GatewayConfig) error) (*configWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	dir := filepath.Dir(configPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config dir %s: %w", dir, err)
	}

	w := &configWatcher{fsWatcher: fw, done: make(chan struct{})}
	name := filepath.Base(configPath)
	go w.run(name, logger, onReload)
	logger.Info("config watcher started", "dir", dir, "file", name)
	return w, nil
}

func (w *configWatcher) run(name string, logger *slog.Logger, onReload func(*config.GatewayConfig) error) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			logger.Info("config file changed, reloading", "file", name)
			cfg, err := config.LoadGatewayConfig()
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if err := onReload(cfg); err != nil {
				logger.Error("config reload callback failed", "error", err)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *configWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

// reconfigureProfiles rebuilds each profile's ProfileRuntime from the
// reloaded config and calls ProfileSupervisor.Reconfigure so only upstreams
// whose InitializeArgs actually changed get reconnected.
func reconfigureProfiles(cfg *config.GatewayConfig, supervisor *service.ProfileSupervisor, mgr *streamablein.Manager, logger *slog.Logger) error {
	for _, p := range cfg.Profiles {
		rt, err := buildProfileRuntime(p, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("profile %s: rebuild runtime: %w", p.ID, err)
		}
		supervisor.Reconfigure(rt.Desc)
		mgr.UpdateProfile(p.ID, rt)
		logger.Info("profile reconfigured", "profile_id", p.ID, "upstreams", len(p.Upstreams))
	}
	return nil
}
