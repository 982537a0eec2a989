// Package plan turns a State snapshot into the flat list of NAT rules
// that should exist, mirroring the node/service/interface cross
// product and the pod-bucket load-balancing scheme of the reference
// operator.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/types"
)

// Rule is one DNAT rule the backend should maintain: traffic arriving
// on Interface for PortSpec.HostPort should land on DestAddr:DestPort,
// load-balanced Nth-of-OutOf across its bucket.
type Rule struct {
	DestAddr   string
	AllowRange string
	PortSpec   types.PortSpec
	Interface  types.Interface
	Nth        int
	OutOf      int
	Comment    string
	RuleHash   string
	// ServiceID is the owning service's or pod's own identity hash,
	// embedded verbatim in the rule's SERVICE_MARKER comment field so
	// the recovery contract survives independently of RuleHash, which
	// also folds in bucket position and interface.
	ServiceID string
}

// RuleID is the globally unique identifier embedded in the live
// iptables rule's comment, used both to detect an already-applied
// rule and to drive deletion. It folds in configHash so that rules
// generated under a different local-IP/extra-IPs configuration never
// collide with (or get mistaken as already applied by) this run.
func (r Rule) RuleID(configHash string) string {
	return fmt.Sprintf("%s::%s", configHash, r.RuleHash)
}

// Plan builds every rule that should exist for the given state: the
// service cross product plus the per-pod load-balancing buckets.
func Plan(s *state.State) []Rule {
	rules := MakeServiceRules(s)
	rules = append(rules, MakePodRules(s)...)
	return rules
}

// MakeServiceRules builds the node x service x interface cross
// product, skipping external interfaces serving internal-only
// services. Each node is load-balanced by its position among active
// nodes (nth-of-outOf).
func MakeServiceRules(s *state.State) []Rule {
	var nodes []types.Node
	for _, n := range state.Get[types.Node](s, types.KindNode) {
		if n.Active() {
			nodes = append(nodes, n)
		}
	}
	services := state.Get[types.Service](s, types.KindService)
	interfaces := state.Get[types.Interface](s, types.KindInterface)

	numNodes := len(nodes)
	var rules []Rule

	for nodeIndex, node := range nodes {
		for _, svc := range services {
			for _, iface := range interfaces {
				if iface.IsExternal && svc.IsInternal {
					continue
				}
				for _, spec := range svc.ExternalPorts {
					rawHash := truncatedSHA256(fmt.Sprintf(
						"%s::%d::%d::%s::%v",
						node.Addr, nodeIndex, numNodes, iface.Name, iface.IsExternal,
					), 16)
					ruleHash := fmt.Sprintf("service::%s::%s", svc.ServiceHash(), rawHash)

					rules = append(rules, Rule{
						DestAddr:   node.Addr,
						AllowRange: svc.AllowRange,
						PortSpec:   spec,
						Interface:  iface,
						Nth:        nodeIndex,
						OutOf:      numNodes,
						Comment:    fmt.Sprintf("service: %s; node: %s", svc.FQN(), node.Name),
						RuleHash:   ruleHash,
						ServiceID:  svc.ServiceHash(),
					})
				}
			}
		}
	}
	return rules
}

// podBucketKey groups pods by the (host port, protocol) they answer
// on, so rules for that port are load-balanced across every active
// pod that declares it regardless of which service, if any, fronts
// them.
type podBucketKey struct {
	hostPort uint16
	proto    types.Proto
}

type podTarget struct {
	pod  types.Pod
	spec types.PortSpec
}

// MakePodRules buckets active pods by (host_port, proto), preserving
// discovery order, then load-balances each interface across every
// bucket. A pod offering N ports occupies N independent buckets.
func MakePodRules(s *state.State) []Rule {
	pods := state.Get[types.Pod](s, types.KindPod)
	interfaces := state.Get[types.Interface](s, types.KindInterface)

	buckets := make(map[podBucketKey][]podTarget)
	var bucketOrder []podBucketKey
	for _, p := range pods {
		if !p.Active() {
			continue
		}
		for _, spec := range p.ExternalPorts {
			key := podBucketKey{hostPort: spec.HostPort, proto: spec.Proto}
			if _, ok := buckets[key]; !ok {
				bucketOrder = append(bucketOrder, key)
			}
			buckets[key] = append(buckets[key], podTarget{pod: p, spec: spec})
		}
	}

	var rules []Rule
	for _, iface := range interfaces {
		for _, key := range bucketOrder {
			targets := buckets[key]
			outOf := len(targets)
			for nth, t := range targets {
				rawHash := truncatedSHA256(fmt.Sprintf(
					"%s::%d::%d::%s::%v",
					t.pod.Addr, nth, outOf, iface.Name, iface.IsExternal,
				), 16)
				ruleHash := fmt.Sprintf("pod::%s::%s", t.pod.PodHash(), rawHash)

				rules = append(rules, Rule{
					DestAddr:  t.pod.Addr,
					PortSpec:  t.spec,
					Interface: iface,
					Nth:       nth,
					OutOf:     outOf,
					Comment:   fmt.Sprintf("pod: %s; namespace: %s", t.pod.Name, t.pod.Namespace),
					RuleHash:  ruleHash,
					ServiceID: t.pod.PodHash(),
				})
			}
		}
	}
	return rules
}

func truncatedSHA256(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	hexSum := hex.EncodeToString(sum[:])
	if n < len(hexSum) {
		return hexSum[:n]
	}
	return hexSum
}
