// Command collabd runs the collaboration relay and a terminal participant
// for trying sessions by hand.
//
//	collabd serve --config collab.yaml
//	collabd edit --doc notes --name amy
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "collabd",
		Short:        "Real-time collaborative editing relay and client",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildEditCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		env        string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket relay",
		Long: `Start the websocket relay that fans collaboration events out to every
client subscribed to a document. /health and /metrics are served alongside
/ws. Shutdown is graceful on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, env, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&env, "env", "", "Environment name (dev, staging, prod)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

func buildEditCmd() *cobra.Command {
	var opts editOptions
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Join a document from the terminal",
		Long: `Join a document and edit it with line commands read from stdin:

  i <pos> <text>   insert text at pos
  d <pos> <len>    delete len characters at pos
  c <pos>          move the cursor
  s <start> <end>  select a range
  p                print the document
  w                list participants
  r                resync
  q                leave and quit

Remote changes are printed as they arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.contentID, "doc", "scratch", "Document to join")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User id (random when empty)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "websocket or redis, overrides transport.kind")
	return cmd
}
