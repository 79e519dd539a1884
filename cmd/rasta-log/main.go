// Command rasta-log views and analyzes RaSTA transport protocol logs.
//
// Log files are written by rasta-node when protocol_log is set in its
// configuration. Naming the current file also reads the backups left by log
// rotation, oldest first; name a backup to read only that file.
//
// Usage:
//
//	rasta-log <command> [flags] <file.rlog>
//
// Examples:
//
//	# View all events
//	rasta-log view node.rlog
//
//	# View only session-layer events of channel 3
//	rasta-log view --layer session --channel 3 node.rlog
//
//	# Export to JSONL
//	rasta-log export --format jsonl node.rlog
//
//	# Filter by connection and save to new file
//	rasta-log filter --conn-id 0f6c1d2e-... -o filtered.rlog node.rlog
//
//	# Show statistics
//	rasta-log stats node.rlog
package main

import (
	"fmt"
	"os"

	"github.com/rasta-protocol/rasta-go/cmd/rasta-log/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "rasta-log",
	Short:         "RaSTA transport protocol log analyzer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var viewCmd = &cobra.Command{
	Use:   "view <file.rlog>",
	Short: "View log file in human-readable format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter commands.ViewFilter

		if s, _ := cmd.Flags().GetString("layer"); s != "" {
			l, err := commands.ParseLayerFlag(s)
			if err != nil {
				return err
			}
			filter.Layer = &l
		}
		if s, _ := cmd.Flags().GetString("direction"); s != "" {
			d, err := commands.ParseDirectionFlag(s)
			if err != nil {
				return err
			}
			filter.Direction = &d
		}
		if s, _ := cmd.Flags().GetString("category"); s != "" {
			c, err := commands.ParseCategoryFlag(s)
			if err != nil {
				return err
			}
			filter.Category = &c
		}
		if id, _ := cmd.Flags().GetInt("channel"); id >= 0 {
			filter.Channel = &id
		}

		return commands.RunView(args[0], filter, cmd.OutOrStdout())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file.rlog>",
	Short: "Export log file to JSONL or CSV format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		return commands.RunExport(args[0], format, output)
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter <file.rlog>",
	Short: "Filter log file and write to new file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var opts commands.FilterOptions
		opts.Output, _ = f.GetString("output")
		opts.ConnID, _ = f.GetString("conn-id")
		opts.Channel, _ = f.GetInt("channel")
		opts.Socket, _ = f.GetInt("socket")
		opts.TimeStart, _ = f.GetString("time-start")
		opts.TimeEnd, _ = f.GetString("time-end")
		opts.Layer, _ = f.GetString("layer")
		opts.Direction, _ = f.GetString("direction")
		opts.Category, _ = f.GetString("category")

		n, err := commands.RunFilter(args[0], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", n, opts.Output)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <file.rlog>",
	Short: "Show statistics about the log file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunStats(args[0], cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{viewCmd, filterCmd} {
		c.Flags().String("layer", "", "Filter by layer (socket, channel, session)")
		c.Flags().String("direction", "", "Filter by direction (in, out)")
		c.Flags().String("category", "", "Filter by category (data, state, error, diagnostics)")
		c.Flags().Int("channel", -1, "Filter by transport channel id")
	}

	exportCmd.Flags().String("format", "jsonl", "Output format (jsonl, csv)")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	filterCmd.Flags().StringP("output", "o", "", "Output file (required)")
	filterCmd.Flags().String("conn-id", "", "Filter by connection ID")
	filterCmd.Flags().Int("socket", -1, "Filter by transport socket id")
	filterCmd.Flags().String("time-start", "", "Filter by start time (RFC3339)")
	filterCmd.Flags().String("time-end", "", "Filter by end time (RFC3339)")
	_ = filterCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(viewCmd, exportCmd, filterCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
