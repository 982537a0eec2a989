// Package watch turns the cluster's Node, Service and Pod watch
// streams into a single ordered stream of state.Op values, retrying
// each underlying watch with exponential backoff when the apiserver
// connection drops.
package watch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/metrics"
	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/types"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8swatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// NewBackoff returns the retry schedule used to reconnect a dropped
// watch: 800ms initial, doubling up to a 30s ceiling, jittered, giving
// up after 60s without a successful reconnect.
func NewBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 800 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 1.0
	b.MaxElapsedTime = 60 * time.Second
	return b
}

// Stream watches Nodes, Services and Pods and writes every resulting
// state.Op to out until ctx is done; it never closes out. Each
// resource kind is watched and reconnected independently; one kind's
// connection trouble never blocks another's, and a kind whose backoff
// gives up stops sending while the others carry on.
func Stream(ctx context.Context, client kubernetes.Interface, out chan<- state.Op) {
	go watchLoop(ctx, "node", out, func(ctx context.Context) (k8swatch.Interface, error) {
		return client.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{})
	}, nodeOps)

	go watchLoop(ctx, "service", out, func(ctx context.Context) (k8swatch.Interface, error) {
		return client.CoreV1().Services(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
	}, serviceOps)

	go watchLoop(ctx, "pod", out, func(ctx context.Context) (k8swatch.Interface, error) {
		return client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
	}, podOps)
}

// watchLoop runs one watch session at a time, translating every event
// through toOps and retrying with backoff when the session ends
// early. The backoff resets after any session that sends at least one
// op to out, so a long-lived healthy watch never exhausts its budget
// over a connection that merely flaps occasionally.
func watchLoop(
	ctx context.Context,
	kind string,
	out chan<- state.Op,
	open func(context.Context) (k8swatch.Interface, error),
	toOps func(k8swatch.EventType, interface{}) []state.Op,
) {
	logger := log.WithComponent("watch").With().Str("kind", kind).Logger()
	b := backoff.WithContext(NewBackoff(), ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		w, err := open(ctx)
		if err != nil {
			metrics.WatchErrorsTotal.WithLabelValues(kind).Inc()
			d := b.NextBackOff()
			if d == backoff.Stop {
				logger.Error().Err(err).Msg("giving up reconnecting watch")
				return
			}
			logger.Warn().Err(err).Dur("retry_in", d).Msg("failed to open watch")
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
			continue
		}

		delivered := runSession(ctx, kind, w, toOps, out)
		if delivered {
			b.Reset()
		}
		if ctx.Err() != nil {
			return
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			logger.Error().Msg("giving up reconnecting watch")
			return
		}
		logger.Warn().Dur("retry_in", d).Msg("watch session ended, reconnecting")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func runSession(
	ctx context.Context,
	kind string,
	w k8swatch.Interface,
	toOps func(k8swatch.EventType, interface{}) []state.Op,
	out chan<- state.Op,
) bool {
	defer w.Stop()
	delivered := false
	for {
		select {
		case ev, ok := <-w.ResultChan():
			if !ok {
				return delivered
			}
			metrics.WatchEventsTotal.WithLabelValues(kind).Inc()
			for _, op := range toOps(ev.Type, ev.Object) {
				delivered = true
				select {
				case out <- op:
				case <-ctx.Done():
					return delivered
				}
			}
		case <-ctx.Done():
			return delivered
		}
	}
}

func nodeOps(evType k8swatch.EventType, obj interface{}) []state.Op {
	n, ok := obj.(*corev1.Node)
	if !ok {
		return nil
	}
	if evType == k8swatch.Deleted {
		return []state.Op{state.RemoveOp(types.KindNode, n.Name)}
	}
	parsed, err := types.NodeFromCore(n)
	if err != nil {
		return nil
	}
	ops := []state.Op{state.RemoveOp(types.KindNode, n.Name)}
	if parsed.Active() {
		ops = append(ops, state.AddOp(parsed))
	}
	return ops
}

func serviceOps(evType k8swatch.EventType, obj interface{}) []state.Op {
	s, ok := obj.(*corev1.Service)
	if !ok {
		return nil
	}
	id := s.Namespace + "/" + s.Name
	if evType == k8swatch.Deleted {
		return []state.Op{state.RemoveOp(types.KindService, id)}
	}
	parsed, err := types.ServiceFromCore(s)
	if err != nil {
		return nil
	}
	ops := []state.Op{state.RemoveOp(types.KindService, id)}
	if parsed.Active() {
		ops = append(ops, state.AddOp(parsed))
	}
	return ops
}

func podOps(evType k8swatch.EventType, obj interface{}) []state.Op {
	p, ok := obj.(*corev1.Pod)
	if !ok {
		return nil
	}
	if evType == k8swatch.Deleted {
		return []state.Op{state.RemoveOp(types.KindPod, p.Name)}
	}
	parsed, err := types.PodFromCore(p)
	if err != nil {
		return nil
	}
	ops := []state.Op{state.RemoveOp(types.KindPod, p.Name)}
	if parsed.Active() {
		ops = append(ops, state.AddOp(parsed))
	}
	return ops
}
