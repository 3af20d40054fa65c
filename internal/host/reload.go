package host

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/loykin/svcguard/internal/config"
	"github.com/loykin/svcguard/internal/supervisor"
)

// Reload applies cfg to the running host. Services whose settings changed
// are replaced by a fresh supervisor and, if they were running, started
// again. A gateway is also replaced when the API address it points at moved.
// Changes to mode, directories, global env, metrics or history take effect
// on the next process start only. Cleanup waits for a running Reload.
func (h *Host) Reload(ctx context.Context, cfg *config.Config) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.mu.RLock()
	old := h.cfg
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if old.Mode != cfg.Mode || old.ResourcesDir != cfg.ResourcesDir || old.DataDir != cfg.DataDir ||
		!reflect.DeepEqual(old.Env, cfg.Env) || !reflect.DeepEqual(old.EnvFiles, cfg.EnvFiles) {
		h.logger.Warn("host-level settings changed; restart svcguard to apply them")
	}

	profiles, err := h.buildProfiles(cfg)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	apiMoved := old.API.Host != cfg.API.Host || old.API.Port != cfg.API.Port

	var errs []error
	for _, name := range serviceOrder {
		svc, _ := cfg.Service(name)
		h.mu.RLock()
		cur, had := h.entries[name]
		h.mu.RUnlock()
		p, want := profiles[name]

		switch {
		case !had && !want:
			continue
		case had && !want:
			h.logger.Info("service disabled by reload", "service", name)
			errs = append(errs, h.replace(ctx, name, cur, nil, false))
			continue
		case had && reflect.DeepEqual(cur.svc, svc) && !(name == config.ServiceGateway && apiMoved):
			continue
		}

		next, err := h.newEntry(p, svc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		wasUp := had && isUp(cur.sup.Status().State)
		h.logger.Info("service settings changed", "service", name, "restart", wasUp)
		errs = append(errs, h.replace(ctx, name, cur, next, wasUp))
	}

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return errors.Join(errs...)
}

// replace swaps the entry of name. A nil next removes the service.
func (h *Host) replace(ctx context.Context, name string, cur, next *entry, start bool) error {
	var errs []error
	if cur != nil {
		errs = append(errs, cur.sup.Cleanup(ctx))
		cur.unsubscribe()
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if next != nil {
			errs = append(errs, next.sup.Cleanup(ctx))
			next.unsubscribe()
		}
		return errors.Join(append(errs, ErrClosed)...)
	}
	if next == nil {
		delete(h.entries, name)
	} else {
		h.entries[name] = next
	}
	h.mu.Unlock()
	if next != nil && start {
		if err := next.sup.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Watch reloads the host whenever its config file changes.
func (h *Host) Watch() error {
	path := h.Config().Path()
	return config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			h.logger.Error("config reload failed", "path", path, "error", err)
			return
		}
		if err := h.Reload(context.Background(), cfg); err != nil {
			h.logger.Error("config reload", "error", err)
		}
	})
}

func isUp(s supervisor.State) bool {
	return s == supervisor.Running || s == supervisor.Starting
}
