package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elainabot/elaina/cmd/elaina/internal"
	"github.com/elainabot/elaina/cmd/elaina/internal/gateway"
	"github.com/elainabot/elaina/cmd/elaina/internal/plugins"
	"github.com/elainabot/elaina/cmd/elaina/internal/version"
)

func NewElainaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "elaina",
		Short:   fmt.Sprintf("elaina - message routing and plugin gateway v%s", internal.GetVersion()),
		Example: "elaina gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		plugins.NewPluginsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewElainaCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
