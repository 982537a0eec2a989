/*
Package types defines the core data structures of the reconciliation
engine: the four resource kinds (Interface, Node, Service, Pod) and
their stable identities, liveness predicates, and parsing from the
corev1 objects delivered by the watch client.

# Resource

Every kind implements Resource (ID, Kind, Active), giving State a
uniform, statically-dispatched way to store, partition and diff
heterogeneous entities without a runtime type switch.

# Identity and hashing

Node, Service and Pod identity is a plain string (name, or FQN for
namespaced kinds). ServiceHash and PodHash additionally fold in the
fields that participate in rule bucketing, so a change to ports,
internal-ness or the allow-range forces a clean replace of the rules
derived from that resource rather than an in-place edit.
*/
package types
