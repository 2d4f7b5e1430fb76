package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Principal is one whitelist entry.
type Principal struct {
	Address          string   `yaml:"address"`
	Name             string   `yaml:"name"`
	Role             string   `yaml:"role"`
	Active           bool     `yaml:"active"`
	Rule             string   `yaml:"rule,omitempty"`
	ExtraPermissions []string `yaml:"extra_permissions,omitempty"`
}

type whitelistFile struct {
	Principals []Principal `yaml:"principals"`
}

type compiledPrincipal struct {
	Principal
	rule *vm.Program
}

// Whitelist is a file-backed Authenticator. Entries are cached and refreshed
// when the cache TTL lapses; edits to the file are also picked up immediately
// when Watch is running.
type Whitelist struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu         sync.RWMutex
	principals map[string]*compiledPrincipal
	loadedAt   time.Time
}

// NewWhitelist creates a whitelist over the given file and loads it once.
// ttl controls periodic refresh; 0 disables TTL-based reloads.
func NewWhitelist(path string, ttl time.Duration, logger *slog.Logger) (*Whitelist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Whitelist{
		path:   path,
		ttl:    ttl,
		logger: logger,
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// ruleEnv declares the variables guard rules may reference.
func ruleEnv() map[string]interface{} {
	return map[string]interface{}{
		"address":        "",
		"hour":           0,
		"message_length": 0,
	}
}

// Reload re-reads and re-compiles the whitelist file.
func (w *Whitelist) Reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read whitelist %s: %w", w.path, err)
	}

	var file whitelistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse whitelist %s: %w", w.path, err)
	}

	principals := make(map[string]*compiledPrincipal, len(file.Principals))
	for _, p := range file.Principals {
		cp := &compiledPrincipal{Principal: p}
		if p.Rule != "" {
			program, err := expr.Compile(p.Rule, expr.Env(ruleEnv()), expr.AsBool())
			if err != nil {
				return fmt.Errorf("compile rule for %s: %w", p.Address, err)
			}
			cp.rule = program
		}
		principals[NormalizeAddress(p.Address)] = cp
	}

	w.mu.Lock()
	w.principals = principals
	w.loadedAt = time.Now()
	w.mu.Unlock()

	w.logger.Info("whitelist loaded", "path", w.path, "principals", len(principals))
	return nil
}

// Watch reloads the whitelist whenever the file changes, until ctx is done.
func (w *Whitelist) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("whitelist watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := w.Reload(); err != nil {
					w.logger.Error("whitelist reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("whitelist watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Authenticate reports whether the sender may interact with the agent.
func (w *Whitelist) Authenticate(_ context.Context, rc Context) (bool, error) {
	p, err := w.lookup(rc.Address)
	if err != nil {
		return false, err
	}
	if p == nil || !p.Active {
		return false, nil
	}

	if p.rule != nil {
		allowed, err := w.evalRule(p, rc)
		if err != nil {
			w.logger.Warn("guard rule evaluation failed, denying",
				"address", p.Address, "error", err)
			return false, nil
		}
		return allowed, nil
	}

	return true, nil
}

// Permissions returns the capability set of the sender: the role's default
// grant plus any per-principal extras. Unknown senders get nothing.
func (w *Whitelist) Permissions(_ context.Context, user string) ([]string, error) {
	p, err := w.lookup(user)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Active {
		return nil, nil
	}

	perms := PermissionsForRole(p.Role)
	for _, extra := range p.ExtraPermissions {
		found := false
		for _, have := range perms {
			if have == extra {
				found = true
				break
			}
		}
		if !found {
			perms = append(perms, extra)
		}
	}
	return perms, nil
}

func (w *Whitelist) lookup(user string) (*compiledPrincipal, error) {
	if err := w.ensureFresh(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.principals[NormalizeAddress(user)], nil
}

// ensureFresh reloads the file when the TTL has lapsed. Concurrent callers
// share a single reload via singleflight.
func (w *Whitelist) ensureFresh() error {
	if w.ttl <= 0 {
		return nil
	}
	w.mu.RLock()
	fresh := time.Since(w.loadedAt) < w.ttl
	w.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ := w.group.Do("reload", func() (interface{}, error) {
		return nil, w.Reload()
	})
	return err
}

func (w *Whitelist) evalRule(p *compiledPrincipal, rc Context) (bool, error) {
	out, err := expr.Run(p.rule, map[string]interface{}{
		"address":        p.Address,
		"hour":           rc.Hour,
		"message_length": rc.MessageLength,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule for %s returned %T, want bool", p.Address, out)
	}
	return allowed, nil
}

var addressDigits = regexp.MustCompile(`\D`)

// NormalizeAddress canonicalizes a channel address to "+<digits>" form so
// that variant spellings of the same number compare equal.
func NormalizeAddress(address string) string {
	digits := addressDigits.ReplaceAllString(address, "")
	if digits == "" {
		return address
	}
	return "+" + digits
}
