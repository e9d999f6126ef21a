package plugins

import (
	"github.com/spf13/cobra"
)

func NewPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"p"},
		Short:   "Inspect plugin units",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Discover and load every plugin unit, printing its routes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return listCmd()
		},
	}

	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Load one plugin file and print its routes or the load error",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return checkCmd(args[0])
		},
	}

	cmd.AddCommand(list, check)
	return cmd
}
