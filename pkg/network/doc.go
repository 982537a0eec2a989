/*
Package network renders a plan into the iptables nat table and keeps
it converged with it.

Rules are identified by a comment embedding RuleMarker and the rule's
id (a config hash plus a content hash of its target, bucket position
and interface), so a previous run's rules can be recognized without
keeping any local state across restarts: ReadState greps
"iptables-save -t nat" for RuleMarker, and ApplyRules/DeleteRules
diff against that text.
*/
package network
