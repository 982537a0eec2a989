// Package batch folds an ordered stream of shell command strings into
// joined batches bounded by a maximum length, respecting the host's
// ARG_MAX.
package batch

import "strings"

// Join greedily folds cmds into batches separated by sep, such that
// joining the result with sep reproduces joining cmds with sep
// (concatenation invariant), and any single command already at or over
// n bytes is emitted on its own without being split. A command joins
// the current batch while the batch's length plus the command's length
// stays below n; the separator being added is not counted, so a batch
// of several commands can reach n + len(sep) - 1 bytes.
func Join(cmds []string, sep string, n int) []string {
	if len(cmds) == 0 {
		return nil
	}

	var batches []string
	i := 0
	for i < len(cmds) {
		acc := cmds[i]
		i++
		if len(acc) > n {
			batches = append(batches, acc)
			continue
		}
		for i < len(cmds) {
			next := cmds[i]
			if len(acc)+len(next) >= n {
				break
			}
			acc = acc + sep + next
			i++
		}
		batches = append(batches, acc)
	}
	return batches
}

// DefaultBound returns the recommended batch size bound for a given
// ARG_MAX: 0.8 of it.
func DefaultBound(argMax int) int {
	return (argMax * 8) / 10
}

// Concat joins a list of strings with sep; used by tests to verify the
// concatenation invariant against Join's output.
func Concat(ss []string, sep string) string {
	return strings.Join(ss, sep)
}
