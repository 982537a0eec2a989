/*
Package reconciler converges a NAT Backend with a stream of State
snapshots.

Reconcile picks among three strategies based on which resource kinds
changed: a nuclear rebuild when a Node or Interface changed (every
rule's bucket position may have shifted), a scoped rebuild of just the
added/changed Service rules otherwise, and a wholesale rebuild of Pod
rules when only pods changed. The distinction exists because rule
bucket positions (Nth-of-OutOf) are recomputed from the full sibling
set on every change, so a partial update can silently miss a
reshuffled peer.
*/
package reconciler
