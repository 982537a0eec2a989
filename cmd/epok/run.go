package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/getbettr/epok/pkg/config"
	"github.com/getbettr/epok/pkg/debounce"
	"github.com/getbettr/epok/pkg/executor"
	"github.com/getbettr/epok/pkg/kube"
	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/metrics"
	"github.com/getbettr/epok/pkg/network"
	"github.com/getbettr/epok/pkg/reconciler"
	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/watch"
	"github.com/spf13/cobra"
)

func init() {
	for _, c := range []*cobra.Command{runCmd, cleanupCmd} {
		c.PersistentFlags().String("kubeconfig", "", "path to kubeconfig; defaults to in-cluster credentials, then the usual kubectl resolution")
		c.PersistentFlags().String("metrics-addr", "", "address to serve /metrics, /health, /ready and /live on; disabled when empty")
		must(v.BindPFlag("kubeconfig", c.PersistentFlags().Lookup("kubeconfig")))
		must(v.BindPFlag("metrics-addr", c.PersistentFlags().Lookup("metrics-addr")))
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

var runLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "run commands against the local host's iptables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperator(executor.NewLocal())
	},
}

var runSSHCmd = &cobra.Command{
	Use:   "ssh",
	Short: "run commands against a remote host over ssh",
	RunE: func(cmd *cobra.Command, args []string) error {
		sshOpts, err := config.SSHFromViper(v)
		if err != nil {
			return err
		}
		return runOperator(executor.NewSSH(sshOpts.Host, sshOpts.Port, sshOpts.KeyPath))
	},
}

func runOperator(exec executor.Executor) error {
	opts, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("parsing options: %w", err)
	}
	if err := network.ValidateConfig(opts.Interfaces, opts.LocalIP); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientset, err := kube.NewClientset(v.GetString("kubeconfig"))
	if err != nil {
		return fmt.Errorf("connecting to kubernetes: %w", err)
	}
	metrics.RegisterComponent("kube", true, "connected")

	backend := network.New(exec, executor.BatchOptions{Enabled: opts.BatchCommands, MaxSize: opts.BatchSize}, opts.LocalIP, opts.ExtraIPs)
	rec := reconciler.New(backend)

	cur := state.New()
	var ifaceOps []state.Op
	for _, iface := range opts.Interfaces {
		ifaceOps = append(ifaceOps, state.AddOp(iface))
	}
	state.ApplyAll(cur, ifaceOps)

	opsCh := make(chan state.Op, 64)
	watch.Stream(ctx, clientset, opsCh)
	metrics.RegisterComponent("watch", true, "started")

	deb := debounce.New(opsCh, debounce.DefaultDuration, debounce.DefaultCapacity)
	go deb.Run(ctx)

	collector := metrics.NewCollector(func() *state.State { return cur })
	collector.Start()
	defer collector.Stop()

	if addr := v.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	metrics.RegisterComponent("reconciler", true, "ready")
	logger.Info().Msg("operator started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil

		case ops, ok := <-deb.Out:
			if !ok {
				return nil
			}
			prev := cur.Clone()
			state.ApplyAll(cur, ops)
			if err := rec.Reconcile(ctx, cur, prev); err != nil {
				var invErr *network.InvariantError
				if errors.As(err, &invErr) {
					logger.Error().Err(err).Msg("reconcile pass poisoned by an invariant violation, retrying on next batch")
				} else {
					logger.Error().Err(err).Msg("reconcile failed")
				}
			}
		}
	}
}
