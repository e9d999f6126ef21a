package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	code := m.Run()
	logger.SetOutput(os.Stderr)
	os.Exit(code)
}

func replyWith(text string) plugin.Handler {
	return func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		return event.TextReply(text), nil
	}
}

func routes(t *testing.T, name string, specs ...plugin.RouteSpec) []plugin.RouteEntry {
	t.Helper()
	desc, err := plugin.BuildDescriptor(name, "test", 1, specs)
	if err != nil {
		t.Fatalf("building routes: %v", err)
	}
	return desc.Routes
}

func newDispatcher(t *testing.T, table *plugin.Table, opts Options, owners ...string) *Dispatcher {
	t.Helper()
	evaluator := permission.NewEvaluator(owners, nil, permission.NewMemoryStore())
	d, err := New(table, evaluator, nil, opts)
	if err != nil {
		t.Fatalf("building dispatcher: %v", err)
	}
	return d
}

func tableWith(entries ...[]plugin.RouteEntry) *plugin.Table {
	table := plugin.NewTable()
	table.Publish(plugin.NewSnapshot(1, entries))
	return table
}

func ev(content string) event.Event {
	return event.Event{ID: "ev-1", Sender: event.Identity{UserID: "u-1"}, Content: content}
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	table := tableWith(
		routes(t, "general", plugin.RouteSpec{Pattern: `^/hi`, Priority: 1, Handler: replyWith("general greeting")}),
		routes(t, "specific", plugin.RouteSpec{Pattern: `^/hi there`, Priority: 0, Handler: replyWith("specific greeting")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("/hi there"))
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Reply.Content != "specific greeting" {
		t.Errorf("reply = %q, the priority-0 route must run first", actions[0].Reply.Content)
	}
	if actions[0].EventID != "ev-1" {
		t.Errorf("action must carry the event id, got %q", actions[0].EventID)
	}
}

func TestDispatch_FirstPolicyContinuesPastEmptyReply(t *testing.T) {
	quiet := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		return event.Reply{}, nil
	}
	table := tableWith(
		routes(t, "quiet", plugin.RouteSpec{Pattern: `^hi`, Priority: 0, Handler: quiet}),
		routes(t, "fallback", plugin.RouteSpec{Pattern: `^hi`, Priority: 1, Handler: replyWith("fallback")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 1 || actions[0].Reply.Content != "fallback" {
		t.Fatalf("an empty reply must pass the event to the next match, actions = %+v", actions)
	}
}

func TestDispatch_FirstPolicyStopsAfterReply(t *testing.T) {
	var secondRan bool
	second := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		secondRan = true
		return event.TextReply("second"), nil
	}
	table := tableWith(
		routes(t, "first", plugin.RouteSpec{Pattern: `^hi`, Priority: 0, Handler: replyWith("first")}),
		routes(t, "second", plugin.RouteSpec{Pattern: `^hi`, Priority: 1, Handler: second}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 1 || actions[0].Reply.Content != "first" {
		t.Fatalf("actions = %+v", actions)
	}
	if secondRan {
		t.Error("a produced reply must stop the walk")
	}
}

func TestDispatch_FirstPolicyStopsOnError(t *testing.T) {
	failing := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		return event.Reply{}, errors.New("boom")
	}
	var fallbackRan bool
	fallback := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		fallbackRan = true
		return event.TextReply("fallback"), nil
	}
	table := tableWith(
		routes(t, "failing", plugin.RouteSpec{Pattern: `^hi`, Priority: 0, Handler: failing}),
		routes(t, "fallback", plugin.RouteSpec{Pattern: `^hi`, Priority: 1, Handler: fallback}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 0 {
		t.Errorf("a handler error ends the event with no reply, actions = %+v", actions)
	}
	if fallbackRan {
		t.Error("errors are terminal, the next match must not run")
	}
}

func TestDispatch_Broadcast(t *testing.T) {
	table := tableWith(
		routes(t, "a", plugin.RouteSpec{Pattern: `^hi`, Handler: replyWith("a")}),
		routes(t, "b", plugin.RouteSpec{Pattern: `^hi`, Handler: replyWith("b")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyBroadcast})

	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 2 {
		t.Fatalf("broadcast should invoke both handlers, got %d actions", len(actions))
	}
}

func TestDispatch_SlashPrefixFallback(t *testing.T) {
	table := tableWith(
		routes(t, "menu", plugin.RouteSpec{Pattern: `^menu$`, Handler: replyWith("the menu")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("/menu"))
	if len(actions) != 1 || actions[0].Reply.Content != "the menu" {
		t.Fatalf("slash-prefixed text should reach the bare route, actions = %+v", actions)
	}
}

func TestDispatch_SlashPrefixPrefersExactMatch(t *testing.T) {
	table := tableWith(
		routes(t, "slash", plugin.RouteSpec{Pattern: `^/menu$`, Handler: replyWith("slash route")}),
		routes(t, "bare", plugin.RouteSpec{Pattern: `^menu$`, Handler: replyWith("bare route")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	actions := d.Dispatch(context.Background(), ev("/menu"))
	if len(actions) != 1 || actions[0].Reply.Content != "slash route" {
		t.Fatalf("exact match must win before the fallback, actions = %+v", actions)
	}
}

func TestDispatch_PanicIsolation(t *testing.T) {
	panicking := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		panic("plugin bug")
	}
	table := tableWith(
		routes(t, "bad", plugin.RouteSpec{Pattern: `^hi`, Handler: panicking}),
		routes(t, "good", plugin.RouteSpec{Pattern: `^hi`, Handler: replyWith("still here")}),
	)
	d := newDispatcher(t, table, Options{Policy: PolicyBroadcast})

	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 1 || actions[0].Reply.Content != "still here" {
		t.Fatalf("panic must be contained to its handler, actions = %+v", actions)
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	failing := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		return event.Reply{}, errors.New("boom")
	}
	table := tableWith(routes(t, "f", plugin.RouteSpec{Pattern: `^hi`, Handler: failing}))
	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	if actions := d.Dispatch(context.Background(), ev("hi")); len(actions) != 0 {
		t.Errorf("failed handler produces no actions, got %d", len(actions))
	}
}

func TestDispatch_HandlerTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		select {
		case <-ctx.Done():
			return event.Reply{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return event.TextReply("too late"), nil
		}
	}
	table := tableWith(routes(t, "slow", plugin.RouteSpec{Pattern: `^hi`, Handler: slow}))
	d := newDispatcher(t, table, Options{Policy: PolicyFirst, HandlerTimeout: 20 * time.Millisecond})

	start := time.Now()
	actions := d.Dispatch(context.Background(), ev("hi"))
	if len(actions) != 0 {
		t.Errorf("timed-out handler must not produce actions")
	}
	if time.Since(start) > time.Second {
		t.Error("dispatch should return at the deadline, not the handler's pace")
	}
}

func TestDispatch_DeniedReply(t *testing.T) {
	table := tableWith(routes(t, "admin",
		plugin.RouteSpec{Pattern: `^kick`, Tier: permission.TierAdmin, Handler: replyWith("kicked")}))
	d := newDispatcher(t, table, Options{Policy: PolicyFirst, DeniedReply: "not allowed"})

	actions := d.Dispatch(context.Background(), ev("kick them"))
	if len(actions) != 1 || actions[0].Reply.Content != "not allowed" {
		t.Fatalf("denied sender gets the denial reply, actions = %+v", actions)
	}
}

func TestDispatch_DefaultReplyAndExclusions(t *testing.T) {
	table := tableWith(routes(t, "p", plugin.RouteSpec{Pattern: `^menu`, Handler: replyWith("m")}))
	d := newDispatcher(t, table, Options{
		Policy:            PolicyFirst,
		DefaultReply:      "try 'menu'",
		DefaultExclusions: []string{`^ignored`},
	})

	actions := d.Dispatch(context.Background(), ev("what can you do"))
	if len(actions) != 1 || actions[0].Reply.Content != "try 'menu'" {
		t.Fatalf("unmatched text gets the default reply, actions = %+v", actions)
	}

	if actions := d.Dispatch(context.Background(), ev("ignored chatter")); len(actions) != 0 {
		t.Errorf("excluded text must not get the default reply")
	}
}

func TestDispatch_MaintenanceMode(t *testing.T) {
	table := tableWith(routes(t, "p", plugin.RouteSpec{Pattern: `^menu`, Handler: replyWith("m")}))
	d := newDispatcher(t, table, Options{
		Policy:           PolicyFirst,
		Maintenance:      true,
		MaintenanceReply: "down for maintenance",
	}, "owner-1")

	actions := d.Dispatch(context.Background(), ev("menu"))
	if len(actions) != 1 || actions[0].Reply.Content != "down for maintenance" {
		t.Fatalf("non-owner gets the maintenance reply, actions = %+v", actions)
	}

	ownerEv := event.Event{ID: "ev-2", Sender: event.Identity{UserID: "owner-1"}, Content: "menu"}
	actions = d.Dispatch(context.Background(), ownerEv)
	if len(actions) != 1 || actions[0].Reply.Content != "m" {
		t.Fatalf("owner bypasses maintenance mode, actions = %+v", actions)
	}

	d.SetMaintenance(false)
	if actions := d.Dispatch(context.Background(), ev("menu")); len(actions) != 1 || actions[0].Reply.Content != "m" {
		t.Error("dispatch resumes when maintenance is lifted")
	}
}

func TestDispatch_MaintenanceToggleDuringDispatch(t *testing.T) {
	table := tableWith(routes(t, "p", plugin.RouteSpec{Pattern: `^menu`, Handler: replyWith("m")}))
	d := newDispatcher(t, table, Options{Policy: PolicyFirst, MaintenanceReply: "down"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			d.SetMaintenance(i%2 == 0)
		}
	}()
	for i := 0; i < 500; i++ {
		d.Dispatch(context.Background(), ev("menu"))
	}
	<-done

	d.SetMaintenance(false)
	actions := d.Dispatch(context.Background(), ev("menu"))
	if len(actions) != 1 || actions[0].Reply.Content != "m" {
		t.Fatalf("dispatch resumes once maintenance is off, actions = %+v", actions)
	}
}

func TestDispatch_SnapshotPinnedAcrossReload(t *testing.T) {
	table := plugin.NewTable()

	invoked := make(chan struct{})
	release := make(chan struct{})
	pinned := func(_ context.Context, _ event.Event, _ permission.Tier, _ []string) (event.Reply, error) {
		close(invoked)
		<-release
		return event.TextReply("old generation"), nil
	}
	table.Publish(plugin.NewSnapshot(1, [][]plugin.RouteEntry{
		routes(t, "p", plugin.RouteSpec{Pattern: `^hi`, Handler: pinned}),
	}))

	d := newDispatcher(t, table, Options{Policy: PolicyFirst})

	done := make(chan []event.OutboundAction, 1)
	go func() { done <- d.Dispatch(context.Background(), ev("hi")) }()

	<-invoked
	// Reload lands mid-dispatch: the new generation has no routes at all.
	table.Publish(plugin.NewSnapshot(2, nil))
	close(release)

	actions := <-done
	if len(actions) != 1 || actions[0].Reply.Content != "old generation" {
		t.Fatalf("in-flight dispatch must complete on its pinned snapshot, actions = %+v", actions)
	}

	if more := d.Dispatch(context.Background(), ev("hi")); len(more) != 0 {
		t.Error("new dispatches see the new, empty generation")
	}
}

func TestDispatch_BlacklistedGetsNoDefaultReply(t *testing.T) {
	store := permission.NewMemoryStore()
	store.Block("u-1")
	evaluator := permission.NewEvaluator(nil, nil, store)

	table := plugin.NewTable()
	d, err := New(table, evaluator, nil, Options{Policy: PolicyFirst, DefaultReply: "hi there"})
	if err != nil {
		t.Fatal(err)
	}

	if actions := d.Dispatch(context.Background(), ev("anything")); len(actions) != 0 {
		t.Errorf("blacklisted sender must not receive the catch-all, got %d actions", len(actions))
	}
}
