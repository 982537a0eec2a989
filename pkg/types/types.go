package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// Annotation and label keys recognized on watched objects.
const (
	AnnotationExternalPorts = "epok.getbetter.ro/externalports"
	AnnotationInternal      = "epok.getbetter.ro/internal"
	AnnotationAllowRange    = "epok.getbetter.ro/allow-range"
	AnnotationNodeExclude   = "epok.getbetter.ro/exclude"
	LabelNodeExclude        = "epok_exclude"
)

// Kind tags a Resource for State partitioning. It replaces the source's
// runtime type-id dispatch with a plain comparable value.
type Kind int

const (
	KindInterface Kind = iota
	KindNode
	KindService
	KindPod
)

func (k Kind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindNode:
		return "node"
	case KindService:
		return "service"
	case KindPod:
		return "pod"
	default:
		return "unknown"
	}
}

// Resource is the shared capability every entity in the data model
// implements, giving State a uniform way to key, partition and filter
// without a tagged union.
type Resource interface {
	ID() string
	Kind() Kind
	Active() bool
}

// Proto is a transport protocol recognized in a PortSpec.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

// PortSpec is one host_port:dest_port[:proto] entry from an
// externalports annotation.
type PortSpec struct {
	HostPort uint16
	DestPort uint16
	Proto    Proto
}

func (p PortSpec) String() string {
	return fmt.Sprintf("%d::%d::%s", p.HostPort, p.DestPort, p.Proto)
}

// ParsePortSpecs parses the comma-separated externalports grammar:
// host:dest[:proto](,host:dest[:proto])*. A malformed element
// invalidates the entire list.
func ParsePortSpecs(s string) ([]PortSpec, error) {
	parts := strings.Split(s, ",")
	specs := make([]PortSpec, 0, len(parts))
	for _, part := range parts {
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("unexpected number of annotation parts: %q", part)
		}
		hostPort, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad host port %q: %w", fields[0], err)
		}
		destPort, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad dest port %q: %w", fields[1], err)
		}
		proto := ProtoTCP
		if len(fields) == 3 && fields[2] == "udp" {
			proto = ProtoUDP
		}
		specs = append(specs, PortSpec{
			HostPort: uint16(hostPort),
			DestPort: uint16(destPort),
			Proto:    proto,
		})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("malformed port spec: %q", s)
	}
	return specs, nil
}

// Interface is a named host interface that rules may be attached to.
// Identity is the name; the special name "lo" denotes the loopback and
// is only ever materialized by the caller when a local IP is known.
type Interface struct {
	Name       string
	IsExternal bool
}

func (i Interface) ID() string   { return i.Name }
func (i Interface) Kind() Kind   { return KindInterface }
func (i Interface) Active() bool { return true }

// Node is a cluster node eligible to receive DNATed traffic.
type Node struct {
	Name     string
	Addr     string
	IsActive bool
}

func (n Node) ID() string   { return n.Name }
func (n Node) Kind() Kind   { return KindNode }
func (n Node) Active() bool { return n.IsActive }

// Service is a namespaced workload declaring external port intents.
type Service struct {
	Name          string
	Namespace     string
	ExternalPorts []PortSpec
	IsInternal    bool
	AllowRange    string
}

func (s Service) ID() string   { return s.FQN() }
func (s Service) Kind() Kind   { return KindService }
func (s Service) Active() bool { return len(s.ExternalPorts) > 0 }

// FQN is the service's fully-qualified name, namespace/name.
func (s Service) FQN() string {
	return fmt.Sprintf("%s/%s", s.Namespace, s.Name)
}

// ServiceHash folds the fields that identify a service for cleanup
// purposes; any change to one of them is a replace, not an in-place
// edit of existing rules.
func (s Service) ServiceHash() string {
	var ports strings.Builder
	for i, p := range s.ExternalPorts {
		if i > 0 {
			ports.WriteString("::")
		}
		ports.WriteString(p.String())
	}
	raw := fmt.Sprintf("%s::%s::%v::%s", s.FQN(), ports.String(), s.IsInternal, s.AllowRange)
	return truncatedSHA256(raw, 32)
}

// Pod is a single workload instance declaring external port intents
// directly (as opposed to via a Service).
type Pod struct {
	Name          string
	Namespace     string
	Addr          string
	ExternalPorts []PortSpec
	IsReady       bool
}

func (p Pod) ID() string   { return p.Name }
func (p Pod) Kind() Kind   { return KindPod }
func (p Pod) Active() bool { return p.IsReady && len(p.ExternalPorts) > 0 }

// FQN is the pod's fully-qualified name, namespace/name.
func (p Pod) FQN() string {
	return fmt.Sprintf("%s/%s", p.Namespace, p.Name)
}

// PodHash folds the fields that identify a pod for rule bucketing.
func (p Pod) PodHash() string {
	var ports strings.Builder
	for i, s := range p.ExternalPorts {
		if i > 0 {
			ports.WriteString("::")
		}
		ports.WriteString(s.String())
	}
	return truncatedSHA256(fmt.Sprintf("%s::%s", p.FQN(), ports.String()), 32)
}

func truncatedSHA256(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	hexSum := hex.EncodeToString(sum[:])
	if n < len(hexSum) {
		return hexSum[:n]
	}
	return hexSum
}

// ParseError distinguishes a skippable condition (e.g. a pod without
// an IP yet) from an invalid one (a malformed annotation on an
// otherwise well-formed object).
type ParseError struct {
	Err       error
	ObjectID  string
	Skippable bool
}

func (e *ParseError) Error() string {
	if e.Skippable {
		return fmt.Sprintf("skipping %s: %v", e.ObjectID, e.Err)
	}
	return fmt.Sprintf("invalid object %s: %v", e.ObjectID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NodeFromCore parses a Node out of a corev1.Node.
func NodeFromCore(n *corev1.Node) (Node, error) {
	addr, err := nodeInternalIP(n.Status)
	if err != nil {
		return Node{}, &ParseError{Err: err, ObjectID: n.Name, Skippable: false}
	}
	_, excludedAnno := n.Annotations[AnnotationNodeExclude]
	_, excludedLabel := n.Labels[LabelNodeExclude]
	isActive := nodeReady(n.Status) && !excludedAnno && !excludedLabel
	return Node{Name: n.Name, Addr: addr, IsActive: isActive}, nil
}

func nodeInternalIP(status corev1.NodeStatus) (string, error) {
	for _, addr := range status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			return addr.Address, nil
		}
	}
	return "", fmt.Errorf("node missing an InternalIP address")
}

func nodeReady(status corev1.NodeStatus) bool {
	for _, cond := range status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// ServiceFromCore parses a Service out of a corev1.Service.
func ServiceFromCore(s *corev1.Service) (Service, error) {
	fqn := fmt.Sprintf("%s/%s", s.Namespace, s.Name)
	var ports []PortSpec
	if raw, ok := s.Annotations[AnnotationExternalPorts]; ok {
		parsed, err := ParsePortSpecs(raw)
		if err != nil {
			return Service{}, &ParseError{Err: err, ObjectID: fqn, Skippable: false}
		}
		ports = parsed
	}
	_, isInternal := s.Annotations[AnnotationInternal]
	return Service{
		Name:          s.Name,
		Namespace:     s.Namespace,
		ExternalPorts: ports,
		IsInternal:    isInternal,
		AllowRange:    s.Annotations[AnnotationAllowRange],
	}, nil
}

// PodFromCore parses a Pod out of a corev1.Pod.
func PodFromCore(p *corev1.Pod) (Pod, error) {
	fqn := fmt.Sprintf("%s/%s", p.Namespace, p.Name)
	if p.Status.PodIP == "" {
		return Pod{}, &ParseError{Err: fmt.Errorf("missing pod ip"), ObjectID: fqn, Skippable: true}
	}
	var ports []PortSpec
	if raw, ok := p.Annotations[AnnotationExternalPorts]; ok {
		parsed, err := ParsePortSpecs(raw)
		if err != nil {
			return Pod{}, &ParseError{Err: err, ObjectID: fqn, Skippable: false}
		}
		ports = parsed
	}
	return Pod{
		Name:          p.Name,
		Namespace:     p.Namespace,
		Addr:          p.Status.PodIP,
		ExternalPorts: ports,
		IsReady:       podReady(p.Status),
	}, nil
}

func podReady(status corev1.PodStatus) bool {
	for _, cond := range status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
