// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd constructs the fleetsync root Cobra command.
func NewRootCmd() *cobra.Command {
	version := os.Getenv("FLEETSYNC_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "fleetsync",
		Short:         "fleetsync - selective GitOps redeployment for a compose fleet",
		Long:          "fleetsync diffs two commits of a declarative fleet repository and redeploys only the services whose paths changed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of fleetsync",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fleetsync version %s\n", version)
		},
	})

	cmd.AddCommand(GetDeployCmd())
	cmd.AddCommand(GetPlanCmd())

	return cmd
}
