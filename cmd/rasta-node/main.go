// Command rasta-node runs a RaSTA transport node.
//
// A node binds the configured transport sockets, declares its redundancy
// channels, dials the channels marked for dialling and keeps them connected.
// Inbound connections and datagrams are matched to channels by sender
// address.
//
// Usage:
//
//	rasta-node run [--config rasta.yaml] [--interactive]
//	rasta-node config print [--config rasta.yaml]
//	rasta-node gencert --cn node-a --host 10.0.0.1 --out certs/node-a
//	rasta-node discover --kind tcp
//	rasta-node version
//
// SIGHUP starts a new protocol log file when protocol_log is set.
//
// Every configuration key can be overridden from the environment with the
// RASTA_ prefix, e.g. RASTA_LOG_LEVEL=debug.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/cert"
	"github.com/rasta-protocol/rasta-go/pkg/config"
	"github.com/rasta-protocol/rasta-go/pkg/discovery"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"github.com/rasta-protocol/rasta-go/pkg/version"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var rootCmd = &cobra.Command{
	Use:           "rasta-node",
	Short:         "RaSTA transport node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		interactive, _ := cmd.Flags().GetBool("interactive")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, interactive)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed certificate for TLS or DTLS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cn, _ := cmd.Flags().GetString("cn")
		hosts, _ := cmd.Flags().GetStringSlice("host")
		validity, _ := cmd.Flags().GetDuration("validity")
		out, _ := cmd.Flags().GetString("out")

		id, err := cert.GenerateSelfSigned(cn, hosts, validity)
		if err != nil {
			return err
		}
		certPath, keyPath := out+".crt", out+".key"
		if err := id.Write(certPath, keyPath); err != nil {
			return err
		}

		info, err := yaml.Marshal(cert.Info(id.Certificate))
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Certificate: %s\nKey:         %s\n\n%s", certPath, keyPath, info)
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse for transport sockets advertised by other nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		iface, _ := cmd.Flags().GetString("interface")

		kind, err := transport.ParseKind(kindName)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		b := discovery.NewBrowser(discovery.BrowserConfig{Interface: iface, BrowseTimeout: timeout})
		found, err := b.Browse(ctx, kind)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		n := 0
		for svc := range found {
			n++
			fmt.Fprintf(w, "%-24s node=%s socket=%d sec=%s port=%d %v\n",
				svc.Instance, svc.Node, svc.SocketID, svc.Security, svc.Port, svc.Addresses)
		}
		fmt.Fprintf(w, "%d socket(s) found\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and protocol versions",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "rasta-node %s\n", version.Build())
		fmt.Fprintf(w, "protocol:  %s\n", version.Current)
		fmt.Fprintf(w, "alpn:      %v\n", version.SupportedALPNProtocols())
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default: rasta.yaml, or $RASTA_CONFIG)")

	runCmd.Flags().BoolP("interactive", "i", false, "Start the interactive console")

	gencertCmd.Flags().String("cn", "rasta-node", "Certificate common name")
	gencertCmd.Flags().StringSlice("host", []string{"127.0.0.1"}, "IP addresses or DNS names the certificate is valid for")
	gencertCmd.Flags().Duration("validity", cert.DefaultValidity, "Certificate validity")
	gencertCmd.Flags().String("out", "rasta-node", "Output path prefix (<out>.crt, <out>.key)")

	discoverCmd.Flags().String("kind", "tcp", "Transport kind (tcp, udp)")
	discoverCmd.Flags().Duration("timeout", 5*time.Second, "Browse duration")
	discoverCmd.Flags().String("interface", "", "Network interface (default: all)")

	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(runCmd, configCmd, gencertCmd, discoverCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
