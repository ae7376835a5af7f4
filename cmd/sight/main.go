package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "sight",
		Short: "sightline — transparent ACP observer",
		Long: "Sits between an editor and an ACP agent, forwards every byte,\n" +
			"and broadcasts a live model of the agent's working set to TCP observers.",
		SilenceUsage: true,
	}

	root.AddCommand(
		observeCmd(),
		snapshotCmd(),
		sessionsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
