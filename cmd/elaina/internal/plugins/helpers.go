package plugins

import (
	"fmt"

	"github.com/elainabot/elaina/cmd/elaina/internal"
	"github.com/elainabot/elaina/pkg/plugin"
	"github.com/elainabot/elaina/pkg/plugin/builtin"
	"github.com/elainabot/elaina/pkg/plugin/loader"
)

func listCmd() error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	registry := plugin.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		return err
	}

	table := plugin.NewTable()
	l := loader.New(table, registry, cfg.Plugins.Dirs...)
	report := l.LoadAll()

	for _, desc := range l.Descriptors() {
		fmt.Printf("%s (%s, %s)\n", desc.Name, desc.Source, desc.Status)
		if desc.LastErr != nil {
			fmt.Printf("    error: %v\n", desc.LastErr)
		}
		printRoutes(desc.Routes)
	}

	if report.Failed() {
		return fmt.Errorf("%d plugin(s) failed to load", len(report.Failures))
	}
	return nil
}

func checkCmd(path string) error {
	desc, err := loader.CheckFile(path)
	if err != nil {
		return fmt.Errorf("plugin check failed: %w", err)
	}

	fmt.Printf("%s: ok, %d route(s)\n", desc.Name, len(desc.Routes))
	printRoutes(desc.Routes)
	return nil
}

func printRoutes(routes []plugin.RouteEntry) {
	for _, r := range routes {
		extra := ""
		if r.BlacklistExempt {
			extra = " blacklist-exempt"
		}
		fmt.Printf("    %-30s tier=%s priority=%d%s\n", r.Pattern, r.Tier, r.Priority, extra)
	}
}
