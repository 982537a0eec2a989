// Package config parses the operator's command-line options, binding
// every flag to an EPOK_-prefixed environment variable via viper so
// the binary runs unchanged under systemd or a container entrypoint.
package config

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/getbettr/epok/pkg/batch"
	"github.com/getbettr/epok/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every option's environment variable carries,
// e.g. --batch-size binds to EPOK_BATCH_SIZE.
const EnvPrefix = "EPOK"

// DefaultSSHPort is used when none is given for the ssh executor.
const DefaultSSHPort = 22

// Options holds the fully resolved configuration for one operator run.
type Options struct {
	Interfaces []types.Interface
	LocalIP    string
	ExtraIPs   string

	BatchCommands bool
	BatchSize     int

	LogLevel string
}

// SSHOptions additionally configures the ssh executor variant.
type SSHOptions struct {
	Host    string
	Port    int
	KeyPath string
}

// BindFlags registers every shared option flag on flags and binds it
// to its EPOK_ environment variable through v. Pass a command's
// PersistentFlags() so every subcommand inherits the registration.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.StringP("interfaces", "i", "", "comma-separated list of interfaces to forward packets from")
	flags.String("external-interface", "", "name of the entry in --interfaces to mark as externally facing")
	flags.String("local-ip", "", "IP address of this host, required to manage loopback rules and scope PREROUTING rules")
	flags.String("extra-internal-ips", "", "comma-separated extra IPs considered internal for config hashing")
	flags.Bool("batch-commands", true, "batch the execution of iptables commands")
	flags.Int("batch-size", 0, "maximum command batch size in bytes; 0 derives it from the host's ARG_MAX")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	must(v.BindPFlag("interfaces", flags.Lookup("interfaces")))
	must(v.BindPFlag("external-interface", flags.Lookup("external-interface")))
	must(v.BindPFlag("local-ip", flags.Lookup("local-ip")))
	must(v.BindPFlag("extra-internal-ips", flags.Lookup("extra-internal-ips")))
	must(v.BindPFlag("batch-commands", flags.Lookup("batch-commands")))
	must(v.BindPFlag("batch-size", flags.Lookup("batch-size")))
	must(v.BindPFlag("log-level", flags.Lookup("log-level")))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// BindSSHFlags registers the ssh executor's own flags.
func BindSSHFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.StringP("ssh-host", "H", "", "remote host to run commands on")
	flags.IntP("ssh-port", "p", DefaultSSHPort, "remote ssh port")
	flags.StringP("ssh-key", "k", "", "path to the ssh private key")

	must(v.BindPFlag("ssh-host", flags.Lookup("ssh-host")))
	must(v.BindPFlag("ssh-port", flags.Lookup("ssh-port")))
	must(v.BindPFlag("ssh-key", flags.Lookup("ssh-key")))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// FromViper resolves Options from v, parsing the interfaces list and
// falling back to a host-derived batch size when none was given.
func FromViper(v *viper.Viper) (Options, error) {
	interfaces, err := ParseInterfaces(v.GetString("interfaces"), v.GetString("external-interface"))
	if err != nil {
		return Options{}, err
	}

	batchSize := v.GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = batch.DefaultBound(ArgMax())
	}

	return Options{
		Interfaces:    interfaces,
		LocalIP:       v.GetString("local-ip"),
		ExtraIPs:      v.GetString("extra-internal-ips"),
		BatchCommands: v.GetBool("batch-commands"),
		BatchSize:     batchSize,
		LogLevel:      v.GetString("log-level"),
	}, nil
}

// SSHFromViper resolves SSHOptions from v.
func SSHFromViper(v *viper.Viper) (SSHOptions, error) {
	opts := SSHOptions{
		Host:    v.GetString("ssh-host"),
		Port:    v.GetInt("ssh-port"),
		KeyPath: v.GetString("ssh-key"),
	}
	if opts.Host == "" {
		return SSHOptions{}, fmt.Errorf("ssh-host is required")
	}
	if opts.KeyPath == "" {
		return SSHOptions{}, fmt.Errorf("ssh-key is required")
	}
	return opts, nil
}

// ParseInterfaces parses a comma-separated interface list; externalName,
// when non-empty and present in the list, marks that one entry as the
// externally-facing interface.
func ParseInterfaces(raw, externalName string) ([]types.Interface, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("at least one interface is required")
	}
	var out []types.Interface
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, types.Interface{Name: name, IsExternal: name == externalName})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one interface is required")
	}
	return out, nil
}

// ArgMax samples the host's ARG_MAX via getconf, falling back to a
// conservative 8192 bytes when the query fails (e.g. non-Linux hosts
// or a sandboxed environment without getconf).
func ArgMax() int {
	out, err := exec.Command("getconf", "ARG_MAX").Output()
	if err != nil {
		return 8192
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || n <= 0 {
		return 8192
	}
	return n
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
