// Package network is the NAT backend: it renders plan.Rule values into
// iptables command strings, reads the currently live rule set, and
// applies or deletes rules against it through an executor.Executor.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/getbettr/epok/pkg/executor"
	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/metrics"
	"github.com/getbettr/epok/pkg/plan"
	"github.com/getbettr/epok/pkg/types"
	"github.com/rs/zerolog"
)

// RuleMarker is the comment key grepped out of "iptables-save -t nat"
// to recover the live rule set this backend manages.
const RuleMarker = "epok_rule_id"

// ServiceMarker identifies the service or pod a rule was generated
// for, independent of RuleMarker's per-rule identity. Both markers are
// a recovery contract: they must survive upgrades and appear verbatim
// in every rule's comment.
const ServiceMarker = "epok_service_id"

// InvariantError reports a rule that violates a structural invariant
// of the NAT backend (e.g. a loopback rule with no local IP to bind
// to) rather than a transport or parse failure. Callers should treat
// it as fatal at startup and as a poisoned reconciliation pass at
// runtime.
type InvariantError struct {
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %v", e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// ValidateConfig checks, ahead of starting the operator, whether the
// given interface set can ever be rendered: a loopback interface
// requires a local IP to bind its OUTPUT selector to. Call this once
// at startup so a missing --local-ip fails fast instead of surfacing
// only on the first reconcile that needs a loopback rule.
func ValidateConfig(interfaces []types.Interface, localIP string) error {
	if localIP != "" {
		return nil
	}
	for _, iface := range interfaces {
		if iface.Name == "lo" {
			return &InvariantError{Err: fmt.Errorf("interface %q requires --local-ip", iface.Name)}
		}
	}
	return nil
}

// Backend maintains DNAT rules in the nat table via iptables, against
// either the local host or a remote one reachable through exec.
type Backend struct {
	exec      executor.Executor
	batchOpts executor.BatchOptions
	localIP   string
	extraIPs  string

	ruleState string
	logger    zerolog.Logger
}

// New returns a Backend that runs iptables commands through exec.
// localIP, when non-empty, is required to manage loopback ("lo")
// rules and is used to scope PREROUTING rules with "-d"; extraIPs is
// folded into ConfigHash so distinct host configurations never
// mistake each other's rules as already applied.
func New(exec executor.Executor, batchOpts executor.BatchOptions, localIP, extraIPs string) *Backend {
	return &Backend{
		exec:      exec,
		batchOpts: batchOpts,
		localIP:   localIP,
		extraIPs:  extraIPs,
		logger:    log.WithComponent("network"),
	}
}

// ReadState refreshes the backend's view of the live rule set. It must
// be called before ApplyRules or DeleteRules observe an up to date
// rule_state.
func (b *Backend) ReadState(ctx context.Context) error {
	out, err := b.exec.Run(ctx, fmt.Sprintf("sudo iptables-save -t nat | grep %s", RuleMarker))
	if err != nil {
		// grep exits non-zero when there are no matching lines, which is
		// the normal "no rules yet" case, not a transport failure.
		b.ruleState = ""
		return nil
	}
	b.ruleState = out
	return nil
}

// ConfigHash folds the host configuration (local IP, extra internal
// IPs) into a short, stable hash embedded in every rule id.
func (b *Backend) ConfigHash() string {
	raw := fmt.Sprintf("%s::%s", b.localIP, b.extraIPs)
	return truncatedSHA256(raw, 32)
}

// ApplyRules installs every rule in rules that isn't already present
// in rule_state (by rule id), largest node/bucket index first so that
// statistic-mode load balancing, which matches from the top of the
// chain down, sees the bucket in a stable priority order.
func (b *Backend) ApplyRules(ctx context.Context, rules []plan.Rule) error {
	configHash := b.ConfigHash()

	type indexed struct {
		rule plan.Rule
		nth  int
	}
	var pending []indexed
	for _, r := range rules {
		if strings.Contains(b.ruleState, r.RuleID(configHash)) {
			continue
		}
		pending = append(pending, indexed{rule: r, nth: r.Nth})
	}
	// Descending by Nth, stable otherwise.
	for i := 1; i < len(pending); i++ {
		for j := i; j > 0 && pending[j].nth > pending[j-1].nth; j-- {
			pending[j], pending[j-1] = pending[j-1], pending[j]
		}
	}

	var cmds []string
	for _, p := range pending {
		stmt, err := b.statement(p.rule, configHash)
		if err != nil {
			return err
		}
		cmds = append(cmds, fmt.Sprintf("sudo iptables -w -t nat -A %s", stmt))
	}
	if len(cmds) == 0 {
		return nil
	}
	b.logger.Info().Int("count", len(cmds)).Msg("applying rules")
	if err := executor.RunCommands(ctx, b.exec, cmds, b.batchOpts); err != nil {
		return err
	}
	metrics.RulesAppliedTotal.Add(float64(len(cmds)))
	metrics.RulesActive.Add(float64(len(cmds)))
	return nil
}

// DeleteRules deletes every live rule line for which keep returns
// false, by reissuing the line as a "-D" delete statement.
func (b *Backend) DeleteRules(ctx context.Context, keep func(line string) bool) error {
	var cmds []string
	for _, line := range strings.Split(b.ruleState, "\n") {
		if line == "" || keep(line) {
			continue
		}
		cmds = append(cmds, deleteStatement(line))
	}
	if len(cmds) == 0 {
		return nil
	}
	b.logger.Info().Int("count", len(cmds)).Msg("deleting rules")
	if err := executor.RunCommands(ctx, b.exec, cmds, b.batchOpts); err != nil {
		return err
	}
	metrics.RulesDeletedTotal.Add(float64(len(cmds)))
	metrics.RulesActive.Sub(float64(len(cmds)))
	return nil
}

// statement renders rule as the body of an iptables -A/-D invocation
// (everything after "-A"): chain, match selector, load-balancing
// clause, identifying comment and DNAT jump. It returns an
// InvariantError if rule targets the loopback interface without a
// local IP to bind the OUTPUT selector to.
func (b *Backend) statement(rule plan.Rule, configHash string) (string, error) {
	hostPort := rule.PortSpec.HostPort
	destPort := rule.PortSpec.DestPort

	dIP := ""
	if b.localIP != "" {
		dIP = fmt.Sprintf("-d %s", b.localIP)
	}
	sRange := ""
	if rule.AllowRange != "" {
		sRange = fmt.Sprintf("-s %s", rule.AllowRange)
	}

	proto, state := "-p tcp", "-m state --state NEW"
	if rule.PortSpec.Proto == types.ProtoUDP {
		proto, state = "-p udp", ""
	}

	var chain, selector string
	if rule.Interface.Name == "lo" {
		if b.localIP == "" {
			return "", &InvariantError{Err: fmt.Errorf("loopback rule for %s requires a local IP", rule.Comment)}
		}
		chain = "OUTPUT"
		selector = fmt.Sprintf("-o lo -d %s %s --dport %d %s", b.localIP, proto, hostPort, state)
	} else {
		chain = "PREROUTING"
		selector = fmt.Sprintf("-i %s %s %s %s --dport %d %s", rule.Interface.Name, sRange, dIP, proto, hostPort, state)
	}

	balance := ""
	if rule.Nth != 0 {
		balance = fmt.Sprintf("-m statistic --mode nth --every %d --packet 0", rule.Nth+1)
	}

	comment := fmt.Sprintf("-m comment --comment '%s; %s: %s; %s: %s'",
		rule.Comment, RuleMarker, rule.RuleID(configHash), ServiceMarker, rule.ServiceID)
	jump := fmt.Sprintf("-j DNAT --to-destination %s:%d", rule.DestAddr, destPort)

	return squeeze(fmt.Sprintf("%s %s %s %s %s", chain, selector, balance, comment, jump)), nil
}

// deleteStatement turns a live "-A CHAIN ..." rule line, as read from
// iptables-save, into the equivalent "sudo iptables -w -t nat -D ..."
// delete command.
func deleteStatement(line string) string {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "-A" {
		fields = fields[1:]
	}
	return fmt.Sprintf("sudo iptables -w -t nat -D %s", strings.Join(fields, " "))
}

// squeeze collapses runs of whitespace left behind by omitted
// optional clauses (d_ip, s_range, state, balance) into single
// spaces.
func squeeze(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func truncatedSHA256(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	hexSum := hex.EncodeToString(sum[:])
	if n < len(hexSum) {
		return hexSum[:n]
	}
	return hexSum
}
