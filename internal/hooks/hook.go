package hooks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/idport/idport/internal/core"
)

// RuleHook evaluates the loaded rule set on every login. The rule set is
// swapped atomically on reload, so in-flight evaluations always see a
// consistent set.
type RuleHook struct {
	rules atomic.Pointer[RuleSet]
}

// NewRuleHook creates a hook over an already-compiled rule set.
func NewRuleHook(rs *RuleSet) *RuleHook {
	h := &RuleHook{}
	h.rules.Store(rs)
	return h
}

// NewRuleHookFromFile loads the rules file and returns a hook over it.
func NewRuleHookFromFile(path string) (*RuleHook, error) {
	rs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return NewRuleHook(rs), nil
}

// Replace swaps in a new rule set.
func (h *RuleHook) Replace(rs *RuleSet) {
	h.rules.Store(rs)
}

func hookEnv(tenant string, subjectID int64, clientID string, scopes []string) map[string]any {
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"tenant":     tenant,
		"subject_id": subjectID,
		"client_id":  clientID,
		"scopes":     scopes,
	}
}

func (h *RuleHook) VetoLogin(_ context.Context, attempt core.LoginAttempt) (*core.Veto, error) {
	rs := h.rules.Load()
	if rs == nil {
		return nil, nil
	}
	env := hookEnv(attempt.Tenant, attempt.SubjectID, attempt.ClientID, attempt.Scopes)

	for _, rule := range rs.Veto {
		out, err := expr.Run(rule.compiled, env)
		if err != nil {
			return nil, fmt.Errorf("evaluating veto rule '%s': %w", rule.Name, err)
		}
		if matched, ok := out.(bool); ok && matched {
			reason := rule.Reason
			if reason == "" {
				reason = "Login refused by policy"
			}
			return &core.Veto{Reason: reason, RedirectURL: rule.RedirectURL}, nil
		}
	}
	return nil, nil
}

func (h *RuleHook) CustomizeIDClaims(_ context.Context, cc core.ClaimsContext, claims map[string]any) error {
	rs := h.rules.Load()
	if rs == nil {
		return nil
	}
	env := hookEnv(cc.Tenant, cc.SubjectID, cc.ClientID, cc.Scopes)

	for _, rule := range rs.Claims {
		if rule.compiledWhen != nil {
			out, err := expr.Run(rule.compiledWhen, env)
			if err != nil {
				return fmt.Errorf("evaluating claim rule '%s': %w", rule.Name, err)
			}
			if matched, ok := out.(bool); !ok || !matched {
				continue
			}
		}
		value, err := expr.Run(rule.compiledValue, env)
		if err != nil {
			return fmt.Errorf("evaluating claim value for rule '%s': %w", rule.Name, err)
		}
		claims[rule.Claim] = value
	}
	return nil
}

// Watch reloads the rules file whenever it changes on disk. Events are
// debounced because editors fire several in a row for one save. A broken
// edit keeps the previous rule set active.
func (h *RuleHook) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching rules file: %w", err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		const debounce = 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove) {
					continue
				}
				if timer != nil {
					timer.Reset(debounce)
				} else {
					timer = time.NewTimer(debounce)
					fire = timer.C
				}

			case <-fire:
				timer = nil
				fire = nil
				rs, err := LoadRules(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).
						Msg("reloading hook rules failed, keeping previous set")
					continue
				}
				h.Replace(rs)
				log.Info().Str("path", path).
					Int("veto_rules", len(rs.Veto)).
					Int("claim_rules", len(rs.Claims)).
					Msg("hook rules reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}

var _ core.AuthHook = (*RuleHook)(nil)
