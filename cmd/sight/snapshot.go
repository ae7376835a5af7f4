package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/sightline/internal/workspace"
)

func snapshotCmd() *cobra.Command {
	var rootFlag string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print a one-shot workspace tree snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := rootFlag
			if root == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				root = cwd
			}
			snap, err := workspace.Walk(root)
			if err != nil {
				return fmt.Errorf("walk %s: %w", root, err)
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}

	cmd.Flags().StringVar(&rootFlag, "root", "", "Workspace root (defaults to the working directory)")
	return cmd
}
