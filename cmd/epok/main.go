// Command epok keeps a set of iptables DNAT rules in sync with the
// Services and Pods that advertise forwarded ports in a Kubernetes
// cluster, reconciling through either a local or an SSH executor.
package main

import (
	"fmt"
	"os"

	"github.com/getbettr/epok/pkg/config"
	"github.com/getbettr/epok/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:     "epok",
	Short:   "epok keeps host iptables DNAT rules in sync with Kubernetes Services and Pods",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("epok version %s (%s)\n", Version, Commit))
	config.BindFlags(rootCmd.PersistentFlags(), v)
	cobra.OnInitialize(initLogging)

	runCmd.AddCommand(runLocalCmd, runSSHCmd)
	cleanupCmd.AddCommand(cleanupLocalCmd, cleanupSSHCmd)
	config.BindSSHFlags(runSSHCmd, v)
	config.BindSSHFlags(cleanupSSHCmd, v)

	rootCmd.AddCommand(runCmd, cleanupCmd)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(v.GetString("log-level"))})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the operator, continuously reconciling NAT rules",
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "tear down every rule this operator's configuration manages",
}
