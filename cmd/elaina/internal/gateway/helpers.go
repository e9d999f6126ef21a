package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/elainabot/elaina/cmd/elaina/internal"
	"github.com/elainabot/elaina/pkg/botapi"
	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/channels"
	"github.com/elainabot/elaina/pkg/config"
	"github.com/elainabot/elaina/pkg/dispatch"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/metrics"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
	"github.com/elainabot/elaina/pkg/plugin/builtin"
	"github.com/elainabot/elaina/pkg/plugin/loader"
	"github.com/elainabot/elaina/pkg/stats"
)

func gatewayCmd(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(parseLevel(cfg.LogLevel))
	}

	m := metrics.New(nil)
	if err := m.Register(); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	evaluator := permission.NewEvaluator(cfg.Access.Owners, cfg.Access.Admins, store)

	registry := plugin.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		return fmt.Errorf("registering builtin plugins: %w", err)
	}

	table := plugin.NewTable()
	pluginLoader := loader.New(table, registry, cfg.Plugins.Dirs...)

	report := pluginLoader.LoadAll()
	m.ReloadResult(!report.Failed())
	fmt.Printf("Plugins: %s\n", report)
	for name, loadErr := range report.Failures {
		fmt.Printf("  ! %s: %v\n", name, loadErr)
	}

	dispatcher, err := dispatch.New(table, evaluator, m, dispatch.Options{
		Policy:            dispatch.ParsePolicy(cfg.Dispatch.Policy),
		HandlerTimeout:    time.Duration(cfg.Dispatch.HandlerTimeoutSec) * time.Second,
		Maintenance:       cfg.Dispatch.Maintenance,
		DefaultReply:      cfg.Responses.DefaultReply,
		DefaultExclusions: cfg.Responses.DefaultExclusions,
		DeniedReply:       cfg.Responses.DeniedReply,
		MaintenanceReply:  cfg.Responses.MaintenanceReply,
	})
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.NewBus()
	runner := dispatch.NewRunner(dispatcher, msgBus, cfg.Dispatch.Concurrency)
	go runner.Run(ctx)

	var sender channels.Sender
	var tokens *botapi.TokenManager
	if cfg.BotAPI.Enabled {
		tokens = botapi.NewTokenManager(cfg.BotAPI.AppID, cfg.BotAPI.AppSecret)
		var opts []botapi.ClientOption
		if cfg.BotAPI.BaseURL != "" {
			opts = append(opts, botapi.WithBaseURL(cfg.BotAPI.BaseURL))
		} else if cfg.BotAPI.Sandbox {
			opts = append(opts, botapi.WithSandbox())
		}
		sender = botapi.NewClient(tokens, opts...)
	}

	watcher := loader.NewWatcher(pluginLoader,
		loader.WithPollInterval(time.Duration(cfg.Plugins.PollIntervalSec)*time.Second),
		loader.WithDebounce(time.Duration(cfg.Plugins.DebounceMillis)*time.Millisecond),
	)
	if cfg.Plugins.WatchEnabled {
		go runReloadLoop(ctx, watcher, pluginLoader, m)
	}

	chans := []channels.Channel{
		channels.NewWebhookChannel(
			cfg.Gateway.Addr(), cfg.Gateway.WebhookPath,
			msgBus, m, pluginLoader, dispatcher,
		),
	}
	if cfg.Socket.Enabled {
		if tokens == nil {
			return fmt.Errorf("socket transport requires botapi credentials")
		}
		chans = append(chans, channels.NewSocketChannel(channels.SocketConfig{
			URL:               cfg.Socket.URL,
			Intents:           cfg.Socket.Intents,
			ReconnectInterval: time.Duration(cfg.Socket.ReconnectInterval) * time.Second,
			MaxReconnectWait:  time.Duration(cfg.Socket.MaxReconnectWait) * time.Second,
		}, tokens, msgBus, m))
	}

	manager := channels.NewManager(msgBus, sender, chans...)
	manager.StartAll(ctx)

	if cfg.Stats.Enabled {
		reporter, err := stats.NewReporter(cfg.Stats.Schedule, cfg.Stats.ForceGC)
		if err != nil {
			return fmt.Errorf("configuring stats reporter: %w", err)
		}
		go reporter.Run(ctx)
	}

	fmt.Printf("Gateway listening on %s (webhook %s)\n", cfg.Gateway.Addr(), cfg.Gateway.WebhookPath)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.StopAll(shutdownCtx)
	msgBus.Close()
	pluginLoader.Close()

	fmt.Println("Gateway stopped")
	return nil
}

// buildStore picks the permission store backend. Without a database the
// in-memory store serves, which leaves blacklist and group-admin state
// process-local.
func buildStore(cfg *config.Config) (permission.Store, func(), error) {
	if !cfg.Database.Enabled {
		return permission.NewMemoryStore(), func() {}, nil
	}

	store, err := permission.OpenMySQLStore(cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("opening permission store: %w", err)
	}
	logger.InfoC("gateway", "mysql permission store connected")
	return store, func() { _ = store.Close() }, nil
}

// runReloadLoop applies watcher triggers. Reloads are serialized here; the
// loader publishes each resulting snapshot atomically.
func runReloadLoop(ctx context.Context, w *loader.Watcher, l *loader.Loader, m *metrics.Metrics) {
	for trigger := range w.Watch(ctx) {
		report := l.Reload(trigger.Plugin)
		m.ReloadResult(!report.Failed())
		logger.InfoCF("gateway", "reload finished", map[string]any{
			"plugin": trigger.Plugin,
			"reason": string(trigger.Reason),
			"result": report.String(),
		})
	}
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DEBUG
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
