// Package reconciler drives a NAT backend towards the rule set implied
// by a State snapshot, choosing among three strategies depending on
// which resource kinds changed since the previous snapshot.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/metrics"
	"github.com/getbettr/epok/pkg/plan"
	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/types"
	"github.com/rs/zerolog"
)

// Backend is the NAT rule store the Reconciler converges: it can read
// the live rule set, apply new rules, and delete rules matching a
// predicate, keyed by a per-configuration rule id.
type Backend interface {
	ReadState(ctx context.Context) error
	ApplyRules(ctx context.Context, rules []plan.Rule) error
	// DeleteRules deletes every live rule line for which keep returns
	// false.
	DeleteRules(ctx context.Context, keep func(line string) bool) error
	ConfigHash() string
}

// Reconciler converges a Backend with successive State snapshots.
type Reconciler struct {
	backend Backend
	logger  zerolog.Logger
	mu      sync.Mutex
}

// New returns a Reconciler driving backend.
func New(backend Backend) *Reconciler {
	return &Reconciler{
		backend: backend,
		logger:  log.WithComponent("reconciler"),
	}
}

// Reconcile brings backend in line with the rules implied by cur,
// given that it was last converged against prev. It is a no-op if
// neither resource set changed.
//
// Three strategies apply, in order of precedence:
//
//   - Case A (nuclear): a Node or Interface changed. Every rule is
//     rebuilt and anything live that doesn't match one of the new
//     rule ids is deleted. Node and Interface changes ripple through
//     every rule's bucket position, so a partial update can't be
//     trusted to be complete.
//   - Case B (service): only Service resources changed. Rules are
//     rebuilt for the added/changed services only, and anything live
//     carrying a removed service's hash is deleted.
//   - Case C (pod): only Pod resources changed. Pod rules are rebuilt
//     wholesale (a single pod's bucket position can shift for
//     unrelated pods joining or leaving its port's bucket), and any
//     live pod rule not among the new ids is deleted.
//
// B and C can both fire in the same call; A supersedes both.
func (r *Reconciler) Reconcile(ctx context.Context, cur, prev *state.State) error {
	added, removed := cur.Diff(prev)
	if added.IsEmpty() && removed.IsEmpty() {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info().
		Int("added", countAll(added)).
		Int("removed", countAll(removed)).
		Msg("reconciling")

	if err := r.backend.ReadState(ctx); err != nil {
		return fmt.Errorf("reading nat state: %w", err)
	}

	if cur.KindChanged(prev, types.KindNode) || cur.KindChanged(prev, types.KindInterface) {
		return r.reconcileNuclear(ctx, cur)
	}

	if cur.KindChanged(prev, types.KindService) {
		if err := r.reconcileServices(ctx, cur, added, removed); err != nil {
			return err
		}
	}

	if cur.KindChanged(prev, types.KindPod) {
		if err := r.reconcilePods(ctx, cur); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) reconcileNuclear(ctx context.Context, cur *state.State) error {
	newRules := plan.MakeServiceRules(cur)
	newRules = append(newRules, plan.MakePodRules(cur)...)

	configHash := r.backend.ConfigHash()
	newRuleIDs := ruleIDs(newRules, configHash)

	r.logger.Info().Strs("new_rule_ids", newRuleIDs).Str("config_hash", configHash).Msg("nuclear reconcile")

	if err := r.backend.ApplyRules(ctx, newRules); err != nil {
		return fmt.Errorf("applying rules: %w", err)
	}
	return r.backend.DeleteRules(ctx, func(line string) bool {
		return containsAny(line, newRuleIDs)
	})
}

func (r *Reconciler) reconcileServices(ctx context.Context, cur, added, removed *state.State) error {
	addedServices := state.Get[types.Service](added, types.KindService)
	scoped := state.With(cur, types.KindService, addedServices)

	if err := r.backend.ApplyRules(ctx, plan.MakeServiceRules(scoped)); err != nil {
		return fmt.Errorf("applying service rules: %w", err)
	}

	var removedServiceHashes []string
	for _, svc := range state.Get[types.Service](removed, types.KindService) {
		removedServiceHashes = append(removedServiceHashes, svc.ServiceHash())
	}

	return r.backend.DeleteRules(ctx, func(line string) bool {
		return !containsAny(line, removedServiceHashes)
	})
}

func (r *Reconciler) reconcilePods(ctx context.Context, cur *state.State) error {
	newRules := plan.MakePodRules(cur)
	newRuleIDs := ruleIDs(newRules, r.backend.ConfigHash())

	if err := r.backend.ApplyRules(ctx, newRules); err != nil {
		return fmt.Errorf("applying pod rules: %w", err)
	}

	return r.backend.DeleteRules(ctx, func(line string) bool {
		if !strings.Contains(line, "pod::") {
			return true
		}
		return containsAny(line, newRuleIDs)
	})
}

// Cleanup deletes every live rule the backend reports, whatever config
// hash it carries and regardless of current state. Used by the one-shot
// cleanup command.
func (r *Reconciler) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.backend.ReadState(ctx); err != nil {
		return fmt.Errorf("reading nat state: %w", err)
	}
	return r.backend.DeleteRules(ctx, func(string) bool { return false })
}

func ruleIDs(rules []plan.Rule, configHash string) []string {
	ids := make([]string, len(rules))
	for i, rule := range rules {
		ids[i] = rule.RuleID(configHash)
	}
	return ids
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}

func countAll(s *state.State) int {
	n := len(state.Get[types.Interface](s, types.KindInterface))
	n += len(state.Get[types.Node](s, types.KindNode))
	n += len(state.Get[types.Service](s, types.KindService))
	n += len(state.Get[types.Pod](s, types.KindPod))
	return n
}
