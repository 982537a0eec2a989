/*
Package log wraps zerolog to provide structured, component-scoped
logging for epok: a single global Logger, initialized once via
Init(), with helpers to derive child loggers carrying the fields a
caller wants attached to every line.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	reconcilerLog := log.WithComponent("reconciler")
	reconcilerLog.Info().Int("added", 3).Msg("reconciling")

	ruleLog := log.WithRule(rule.RuleID(configHash))
	ruleLog.Debug().Msg("applying rule")

# Levels

debug, info, warn, error, fatal (fatal exits the process after
logging). Use Info in production; Debug is intended for
troubleshooting only.
*/
package log
