package network

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/getbettr/epok/pkg/executor"
	"github.com/getbettr/epok/pkg/plan"
	"github.com/getbettr/epok/pkg/types"
)

type fakeExecutor struct {
	ran      []string
	readResp string
	readErr  error
}

func (f *fakeExecutor) Run(_ context.Context, cmd string) (string, error) {
	if strings.Contains(cmd, "iptables-save") {
		return f.readResp, f.readErr
	}
	f.ran = append(f.ran, cmd)
	return "", nil
}

func tcpRule(nth, outOf int, ifaceName string) plan.Rule {
	return plan.Rule{
		DestAddr:  "10.0.0.5",
		PortSpec:  types.PortSpec{HostPort: 123, DestPort: 456, Proto: types.ProtoTCP},
		Interface: types.Interface{Name: ifaceName},
		Nth:       nth,
		OutOf:     outOf,
		Comment:   "service: bar/foo; node: n0",
		RuleHash:  "service::abcd::1234567890abcdef",
		ServiceID: "abcd",
	}
}

func TestStatementPrerouting(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "", "")
	stmt, err := b.statement(tcpRule(0, 1, "eth0"), b.ConfigHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(stmt, "PREROUTING -i eth0") {
		t.Fatalf("expected PREROUTING chain, got %q", stmt)
	}
	if !strings.Contains(stmt, "-p tcp --dport 123 -m state --state NEW") {
		t.Fatalf("missing tcp selector clause: %q", stmt)
	}
	if strings.Contains(stmt, "-m statistic") {
		t.Fatalf("nth=0 should not carry a balance clause: %q", stmt)
	}
	if !strings.Contains(stmt, "-j DNAT --to-destination 10.0.0.5:456") {
		t.Fatalf("missing DNAT jump: %q", stmt)
	}
}

func TestStatementCarriesBothMarkers(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "", "")
	rule := tcpRule(0, 1, "eth0")
	stmt, err := b.statement(rule, b.ConfigHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stmt, RuleMarker+": "+rule.RuleID(b.ConfigHash())) {
		t.Fatalf("missing rule marker: %q", stmt)
	}
	if !strings.Contains(stmt, ServiceMarker+": "+rule.ServiceID) {
		t.Fatalf("missing service marker: %q", stmt)
	}
}

func TestStatementLoopback(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "192.168.1.10", "")
	stmt, err := b.statement(tcpRule(0, 1, "lo"), b.ConfigHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(stmt, "OUTPUT -o lo -d 192.168.1.10") {
		t.Fatalf("expected OUTPUT chain with local ip, got %q", stmt)
	}
}

func TestStatementLoopbackWithoutLocalIPIsInvariantError(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "", "")
	_, err := b.statement(tcpRule(0, 1, "lo"), b.ConfigHash())

	var invErr *InvariantError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected an InvariantError, got %v", err)
	}
}

func TestStatementBalance(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "", "")
	stmt, err := b.statement(tcpRule(2, 3, "eth0"), b.ConfigHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stmt, "-m statistic --mode nth --every 3 --packet 0") {
		t.Fatalf("expected nth=2 to balance with every=3, got %q", stmt)
	}
}

func TestStatementUDPOmitsState(t *testing.T) {
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "", "")
	rule := tcpRule(0, 1, "eth0")
	rule.PortSpec.Proto = types.ProtoUDP
	stmt, err := b.statement(rule, b.ConfigHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(stmt, "-m state") {
		t.Fatalf("udp rule should not carry a state match: %q", stmt)
	}
	if !strings.Contains(stmt, "-p udp") {
		t.Fatalf("expected udp proto flag: %q", stmt)
	}
}

func TestApplyRulesPropagatesInvariantError(t *testing.T) {
	exec := &fakeExecutor{}
	b := New(exec, executor.BatchOptions{}, "", "")

	r := tcpRule(0, 1, "lo")
	err := b.ApplyRules(context.Background(), []plan.Rule{r})

	var invErr *InvariantError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected an InvariantError, got %v", err)
	}
	if len(exec.ran) != 0 {
		t.Fatalf("expected no commands to run when a rule violates an invariant, got %+v", exec.ran)
	}
}

func TestDeleteStatementDropsLeadingAppendToken(t *testing.T) {
	line := "-A PREROUTING -i eth0 -p tcp --dport 123 -j DNAT --to-destination 10.0.0.5:456"
	got := deleteStatement(line)
	want := "sudo iptables -w -t nat -D PREROUTING -i eth0 -p tcp --dport 123 -j DNAT --to-destination 10.0.0.5:456"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestConfigHashDependsOnLocalIPAndExtraIPs(t *testing.T) {
	a := New(&fakeExecutor{}, executor.BatchOptions{}, "10.0.0.1", "").ConfigHash()
	b := New(&fakeExecutor{}, executor.BatchOptions{}, "10.0.0.2", "").ConfigHash()
	c := New(&fakeExecutor{}, executor.BatchOptions{}, "10.0.0.1", "").ConfigHash()

	if a == b {
		t.Fatal("different local IPs should hash differently")
	}
	if a != c {
		t.Fatal("identical inputs should hash identically")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-char truncated hash, got %d chars", len(a))
	}
}

func TestApplyRulesSkipsAlreadyPresent(t *testing.T) {
	exec := &fakeExecutor{}
	b := New(exec, executor.BatchOptions{}, "", "")
	b.ReadState(context.Background())

	r := tcpRule(0, 1, "eth0")
	b.ruleState = r.RuleID(b.ConfigHash())

	if err := b.ApplyRules(context.Background(), []plan.Rule{r}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.ran) != 0 {
		t.Fatalf("expected no commands for an already-applied rule, got %+v", exec.ran)
	}
}

func TestApplyRulesAppliesMissing(t *testing.T) {
	exec := &fakeExecutor{}
	b := New(exec, executor.BatchOptions{}, "", "")

	r := tcpRule(0, 1, "eth0")
	if err := b.ApplyRules(context.Background(), []plan.Rule{r}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.ran) != 1 {
		t.Fatalf("expected one apply command, got %+v", exec.ran)
	}
	if !strings.Contains(exec.ran[0], "iptables -w -t nat -A") {
		t.Fatalf("expected an append command, got %q", exec.ran[0])
	}
}

func TestDeleteRulesFiltersByPredicate(t *testing.T) {
	exec := &fakeExecutor{}
	b := New(exec, executor.BatchOptions{}, "", "")
	b.ruleState = "-A PREROUTING -m comment --comment 'epok_rule_id: keep-me' -j DNAT\n" +
		"-A PREROUTING -m comment --comment 'epok_rule_id: drop-me' -j DNAT"

	err := b.DeleteRules(context.Background(), func(line string) bool {
		return strings.Contains(line, "keep-me")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.ran) != 1 {
		t.Fatalf("expected a single delete command, got %+v", exec.ran)
	}
	if !strings.Contains(exec.ran[0], "drop-me") {
		t.Fatalf("expected to delete the drop-me rule, got %q", exec.ran[0])
	}
}

func TestValidateConfigRejectsLoopbackWithoutLocalIP(t *testing.T) {
	err := ValidateConfig([]types.Interface{{Name: "eth0"}, {Name: "lo"}}, "")

	var invErr *InvariantError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected an InvariantError, got %v", err)
	}
}

func TestValidateConfigAllowsLoopbackWithLocalIP(t *testing.T) {
	if err := ValidateConfig([]types.Interface{{Name: "lo"}}, "10.0.0.1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfigAllowsNoLoopbackWithoutLocalIP(t *testing.T) {
	if err := ValidateConfig([]types.Interface{{Name: "eth0"}}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
