// Package executor runs shell commands either on the local host or on
// a remote host over SSH, optionally folding many commands into fewer,
// larger shell invocations via pkg/batch.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/getbettr/epok/pkg/batch"
	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/metrics"
	"github.com/rs/zerolog"
)

// BatchOptions controls whether and how commands passed to RunCommands
// are folded into fewer shell invocations.
type BatchOptions struct {
	Enabled bool
	MaxSize int
}

// Executor runs a single shell command and returns its stdout.
type Executor interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// TransportError wraps a non-zero exit from the underlying shell,
// local or remote.
type TransportError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("command failed: %s: %v (stderr: %s)", e.Cmd, e.Err, e.Stderr)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Local runs commands on the machine the process itself is running
// on, via "sh -c".
type Local struct {
	logger zerolog.Logger
}

// NewLocal returns a Local executor.
func NewLocal() *Local {
	return &Local{logger: log.WithComponent("executor")}
}

func (l *Local) Run(ctx context.Context, cmd string) (string, error) {
	l.logger.Debug().Str("cmd", cmd).Msg("running command")

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", &TransportError{Cmd: cmd, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// SSH runs commands on a remote host reachable over SSH, using an
// identity file for authentication.
type SSH struct {
	Host    string
	Port    int
	KeyPath string
	logger  zerolog.Logger
}

// NewSSH returns an SSH executor targeting host:port, authenticating
// with the private key at keyPath.
func NewSSH(host string, port int, keyPath string) *SSH {
	return &SSH{Host: host, Port: port, KeyPath: keyPath, logger: log.WithComponent("executor")}
}

func (s *SSH) Run(ctx context.Context, cmd string) (string, error) {
	s.logger.Debug().Str("cmd", cmd).Str("host", s.Host).Msg("running command")

	var stdout, stderr bytes.Buffer
	args := []string{"-p", strconv.Itoa(s.Port), "-i", s.KeyPath, s.Host, cmd}
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", &TransportError{Cmd: cmd, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// RunCommands runs every command in cmds in order against e. When opts
// requests batching, consecutive commands are folded into joined "; "
// separated shell invocations bounded by opts.MaxSize before running,
// trading round-trips (especially significant over SSH) for fewer,
// larger commands.
func RunCommands(ctx context.Context, e Executor, cmds []string, opts BatchOptions) error {
	transport := transportLabel(e)

	if !opts.Enabled {
		for _, cmd := range cmds {
			timer := metrics.NewTimer()
			_, err := e.Run(ctx, cmd)
			timer.ObserveDurationVec(metrics.CommandDuration, transport)
			metrics.CommandBatchesTotal.WithLabelValues(transport).Inc()
			if err != nil {
				return err
			}
		}
		return nil
	}

	for _, joined := range batch.Join(cmds, "; ", opts.MaxSize) {
		timer := metrics.NewTimer()
		_, err := e.Run(ctx, joined)
		timer.ObserveDurationVec(metrics.CommandDuration, transport)
		metrics.CommandBatchesTotal.WithLabelValues(transport).Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

func transportLabel(e Executor) string {
	switch e.(type) {
	case *Local:
		return "local"
	case *SSH:
		return "ssh"
	default:
		return "unknown"
	}
}
