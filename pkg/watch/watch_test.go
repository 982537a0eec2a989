package watch

import (
	"testing"

	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/types"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8swatch "k8s.io/apimachinery/pkg/watch"
)

func readyNode(name string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Addresses:  []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.1"}},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

func TestNodeOpsAddedEmitsRemoveThenAdd(t *testing.T) {
	ops := nodeOps(k8swatch.Added, readyNode("n0"))
	if len(ops) != 2 {
		t.Fatalf("expected remove-then-add, got %d ops", len(ops))
	}

	s := state.New()
	state.ApplyAll(s, []state.Op{state.AddOp(types.Node{Name: "n0", Addr: "stale", IsActive: true})})
	state.ApplyAll(s, ops)

	got := state.Get[types.Node](s, types.KindNode)
	if len(got) != 1 || got[0].Addr != "10.0.0.1" {
		t.Fatalf("expected the stale node to be replaced, got %+v", got)
	}
}

func TestNodeOpsDeletedOnlyRemoves(t *testing.T) {
	ops := nodeOps(k8swatch.Deleted, readyNode("n0"))
	if len(ops) != 1 {
		t.Fatalf("expected a single remove op, got %d", len(ops))
	}

	s := state.New()
	state.ApplyAll(s, []state.Op{state.AddOp(types.Node{Name: "n0", Addr: "x", IsActive: true})})
	state.ApplyAll(s, ops)

	if len(state.Get[types.Node](s, types.KindNode)) != 0 {
		t.Fatal("expected node to be removed")
	}
}

func TestNodeOpsNotReadyOmitsAdd(t *testing.T) {
	n := readyNode("n0")
	n.Status.Conditions[0].Status = corev1.ConditionFalse
	ops := nodeOps(k8swatch.Modified, n)

	if len(ops) != 1 {
		t.Fatalf("expected only the remove op for a not-ready node, got %+v", ops)
	}
}

func TestNodeOpsMissingInternalIPIsSkipped(t *testing.T) {
	n := readyNode("n0")
	n.Status.Addresses = nil
	ops := nodeOps(k8swatch.Modified, n)

	if ops != nil {
		t.Fatalf("expected a malformed node to be skipped entirely, got %+v", ops)
	}
}

func TestServiceOpsUsesNamespacedID(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "foo",
			Namespace: "bar",
			Annotations: map[string]string{
				types.AnnotationExternalPorts: "123:456",
			},
		},
	}
	ops := serviceOps(k8swatch.Added, svc)
	if len(ops) != 2 {
		t.Fatalf("expected remove-then-add, got %+v", ops)
	}

	s := state.New()
	state.ApplyAll(s, ops)
	got := state.Get[types.Service](s, types.KindService)
	if len(got) != 1 || got[0].ID() != "bar/foo" {
		t.Fatalf("unexpected service state: %+v", got)
	}
}

func TestServiceOpsWithoutPortsIsInactive(t *testing.T) {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "foo", Namespace: "bar"}}
	ops := serviceOps(k8swatch.Added, svc)
	if len(ops) != 1 {
		t.Fatalf("expected only the remove op for a service with no declared ports, got %+v", ops)
	}
}

func TestPodOpsWithoutIPIsSkippable(t *testing.T) {
	// A parse error (here: no pod IP yet) produces empty Ops, leaving
	// whatever this pod's previous entry was, if any, untouched, rather
	// than evicting it from state.
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "p0", Namespace: "bar"}}
	ops := podOps(k8swatch.Added, pod)
	if ops != nil {
		t.Fatalf("expected a malformed pod to produce no ops, got %+v", ops)
	}
}

func TestPodOpsReadyEmitsRemoveThenAdd(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "p0",
			Namespace:   "bar",
			Annotations: map[string]string{types.AnnotationExternalPorts: "123:456"},
		},
		Status: corev1.PodStatus{
			PodIP:      "10.1.2.3",
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	ops := podOps(k8swatch.Added, pod)
	if len(ops) != 2 {
		t.Fatalf("expected remove-then-add, got %+v", ops)
	}
}

func TestUnknownObjectTypeIsIgnored(t *testing.T) {
	if ops := nodeOps(k8swatch.Added, &corev1.Pod{}); ops != nil {
		t.Fatalf("expected a type mismatch to be ignored, got %+v", ops)
	}
}
