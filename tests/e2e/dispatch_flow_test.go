package e2e

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/dispatch"
	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
	"github.com/elainabot/elaina/pkg/plugin/loader"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	code := m.Run()
	logger.SetOutput(os.Stderr)
	os.Exit(code)
}

const echoScript = `
plugin = {
    name = "echo",
    handlers = {
        {
            pattern = "^/echo (.+)",
            tier = "normal",
            handler = function(ev, args) return args[1] end,
        },
    },
}
`

// pipeline wires the full inbound-to-outbound path: a Lua plugin loaded from
// disk, permission evaluation, the route table and a running worker pool.
type pipeline struct {
	bus    *bus.Bus
	loader *loader.Loader
	cancel context.CancelFunc
	done   chan struct{}
}

func startPipeline(t *testing.T, store *permission.MemoryStore) *pipeline {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(echoScript), 0o600); err != nil {
		t.Fatal(err)
	}

	table := plugin.NewTable()
	l := loader.New(table, plugin.NewRegistry(), dir)
	if report := l.LoadAll(); report.Failed() {
		t.Fatalf("loading plugins: %v", report.Failures)
	}

	evaluator := permission.NewEvaluator(nil, nil, store)
	d, err := dispatch.New(table, evaluator, nil, dispatch.Options{
		Policy:         dispatch.PolicyFirst,
		HandlerTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	b := bus.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.NewRunner(d, b, 4).Run(ctx)
		close(done)
	}()

	p := &pipeline{bus: b, loader: l, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		b.Close()
		<-done
	})
	return p
}

func (p *pipeline) send(t *testing.T, userID, content string) {
	t.Helper()
	ev := event.Event{
		ID:        "e2e-" + content,
		Transport: event.TransportWebhook,
		Sender:    event.Identity{UserID: userID},
		Content:   content,
	}
	if err := p.bus.PublishInbound(context.Background(), ev); err != nil {
		t.Fatalf("publishing event: %v", err)
	}
}

func (p *pipeline) nextAction(t *testing.T) (event.OutboundAction, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.bus.SubscribeOutbound(ctx)
}

func TestDispatchFlow_EchoRoundTrip(t *testing.T) {
	p := startPipeline(t, permission.NewMemoryStore())

	p.send(t, "user-1", "/echo hello")

	action, ok := p.nextAction(t)
	if !ok {
		t.Fatal("no outbound action produced")
	}
	if action.Reply.Content != "hello" {
		t.Errorf("reply = %q, want %q", action.Reply.Content, "hello")
	}
	if action.Target.UserID != "user-1" {
		t.Errorf("target = %+v", action.Target)
	}
}

func TestDispatchFlow_BlacklistedSenderIsSilent(t *testing.T) {
	store := permission.NewMemoryStore()
	store.Block("banned-1")
	p := startPipeline(t, store)

	p.send(t, "banned-1", "/echo hello")
	// A permitted event after it proves the pipeline stayed live.
	p.send(t, "user-2", "/echo still works")

	action, ok := p.nextAction(t)
	if !ok {
		t.Fatal("pipeline produced nothing")
	}
	if action.Target.UserID != "user-2" || action.Reply.Content != "still works" {
		t.Errorf("blacklisted sender must produce no action, got %+v", action)
	}
}

func TestDispatchFlow_ReloadSwapsBehavior(t *testing.T) {
	p := startPipeline(t, permission.NewMemoryStore())

	p.send(t, "user-1", "/echo one")
	if action, ok := p.nextAction(t); !ok || action.Reply.Content != "one" {
		t.Fatalf("first round trip failed: %+v", action)
	}

	changed := `
plugin = {
    name = "echo",
    handlers = {
        {
            pattern = "^/echo (.+)",
            tier = "normal",
            handler = function(ev, args) return "changed: " .. args[1] end,
        },
    },
}
`
	descriptors := p.loader.Descriptors()
	if len(descriptors) != 1 {
		t.Fatalf("descriptors = %+v", descriptors)
	}
	if err := os.WriteFile(descriptors[0].Source, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	if report := p.loader.Reload("echo"); report.Failed() {
		t.Fatalf("reload: %v", report.Failures)
	}

	p.send(t, "user-1", "/echo two")
	action, ok := p.nextAction(t)
	if !ok {
		t.Fatal("no action after reload")
	}
	if action.Reply.Content != "changed: two" {
		t.Errorf("reply after reload = %q", action.Reply.Content)
	}
}
