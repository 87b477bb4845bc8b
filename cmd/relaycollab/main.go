package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error("relaycollab failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaycollab",
		Short: "Realtime collaboration server for agents and users",
		Long: `relaycollab serves shared graph and text documents to agents and users.

Agents submit operations over the websocket or the REST API; concurrent edits
are detected and resolved, the result is persisted, and every subscriber of
the document receives the change.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}
