package main

import (
	"context"
	"fmt"

	"github.com/getbettr/epok/pkg/config"
	"github.com/getbettr/epok/pkg/executor"
	"github.com/getbettr/epok/pkg/log"
	"github.com/getbettr/epok/pkg/network"
	"github.com/getbettr/epok/pkg/reconciler"
	"github.com/spf13/cobra"
)

var cleanupLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "delete every rule this configuration manages from the local host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanup(executor.NewLocal())
	},
}

var cleanupSSHCmd = &cobra.Command{
	Use:   "ssh",
	Short: "delete every rule this configuration manages from a remote host over ssh",
	RunE: func(cmd *cobra.Command, args []string) error {
		sshOpts, err := config.SSHFromViper(v)
		if err != nil {
			return err
		}
		return cleanup(executor.NewSSH(sshOpts.Host, sshOpts.Port, sshOpts.KeyPath))
	},
}

func cleanup(exec executor.Executor) error {
	opts, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("parsing options: %w", err)
	}
	if err := network.ValidateConfig(opts.Interfaces, opts.LocalIP); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	backend := network.New(exec, executor.BatchOptions{Enabled: opts.BatchCommands, MaxSize: opts.BatchSize}, opts.LocalIP, opts.ExtraIPs)
	rec := reconciler.New(backend)

	logger := log.WithComponent("cleanup")
	logger.Info().Str("config_hash", backend.ConfigHash()).Msg("deleting every managed rule")

	return rec.Cleanup(context.Background())
}
