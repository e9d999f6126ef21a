package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elainabot/elaina/pkg/bus"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/plugin"
	"github.com/elainabot/elaina/pkg/plugin/loader"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	code := m.Run()
	logger.SetOutput(os.Stderr)
	os.Exit(code)
}

const pingScript = `
plugin = {
    name = "ping",
    handlers = {
        {
            pattern = "^ping$",
            tier = "normal",
            handler = function(ev, args) return "pong" end,
        },
    },
}
`

type toggleSpy struct{ last bool }

func (s *toggleSpy) SetMaintenance(on bool) { s.last = on }

func newWebhookFixture(t *testing.T) (*WebhookChannel, *bus.Bus, *toggleSpy, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ping.lua"), []byte(pingScript), 0o600); err != nil {
		t.Fatal(err)
	}

	table := plugin.NewTable()
	l := loader.New(table, plugin.NewRegistry(), dir)
	if report := l.LoadAll(); report.Failed() {
		t.Fatalf("loading fixture plugins: %v", report.Failures)
	}

	b := bus.NewBus()
	t.Cleanup(b.Close)
	spy := &toggleSpy{}
	ch := NewWebhookChannel("127.0.0.1:0", "/webhook", b, nil, l, spy)
	return ch, b, spy, dir
}

func TestWebhook_ValidPayload(t *testing.T) {
	ch, b, _, _ := newWebhookFixture(t)

	body := `{"t":"GROUP_AT_MESSAGE_CREATE","d":{"author":{"member_openid":"u-1"},"group_openid":"g-1","content":"ping"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ch.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("accepted payload must land on the bus")
	}
	if ev.Content != "ping" || ev.Sender.UserID != "u-1" || ev.Sender.GroupID != "g-1" {
		t.Errorf("normalized event = %+v", ev)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	ch, _, _, _ := newWebhookFixture(t)

	for _, body := range []string{`not json`, `{"t":"X"}`, `{"d":{"content":"hi"}}`} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		rec := httptest.NewRecorder()
		ch.handleWebhook(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestWebhook_AdminReload(t *testing.T) {
	ch, _, _, dir := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/reload?plugin=ping", nil)
	rec := httptest.NewRecorder()
	ch.handleReload(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var report struct {
		Loaded   []string          `json:"loaded"`
		Failures map[string]string `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Loaded) != 1 || report.Loaded[0] != "ping" {
		t.Errorf("loaded = %v", report.Loaded)
	}

	// Break the script on disk; the reload response reports the failure.
	if err := os.WriteFile(filepath.Join(dir, "ping.lua"), []byte("syntax error ("), 0o600); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	ch.handleReload(rec, httptest.NewRequest(http.MethodPost, "/admin/reload?plugin=ping", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("broken reload status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if _, ok := report.Failures["ping"]; !ok {
		t.Errorf("failures = %v", report.Failures)
	}
}

func TestWebhook_PluginList(t *testing.T) {
	ch, _, _, _ := newWebhookFixture(t)

	rec := httptest.NewRecorder()
	ch.handlePlugins(rec, httptest.NewRequest(http.MethodGet, "/admin/plugins", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["name"] != "ping" || out[0]["status"] != "loaded" {
		t.Errorf("plugin list = %v", out)
	}
}

func TestWebhook_MaintenanceToggle(t *testing.T) {
	ch, _, spy, _ := newWebhookFixture(t)

	rec := httptest.NewRecorder()
	ch.handleMaintenance(rec, httptest.NewRequest(http.MethodPost, "/admin/maintenance?on=true", nil))
	if rec.Code != http.StatusOK || !spy.last {
		t.Errorf("toggle on: status %d, spy %t", rec.Code, spy.last)
	}

	rec = httptest.NewRecorder()
	ch.handleMaintenance(rec, httptest.NewRequest(http.MethodPost, "/admin/maintenance?on=false", nil))
	if rec.Code != http.StatusOK || spy.last {
		t.Errorf("toggle off: status %d, spy %t", rec.Code, spy.last)
	}

	rec = httptest.NewRecorder()
	ch.handleMaintenance(rec, httptest.NewRequest(http.MethodPost, "/admin/maintenance?on=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad value: status %d", rec.Code)
	}
}

func TestWebhook_StartStop(t *testing.T) {
	ch, _, _, _ := newWebhookFixture(t)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ch.IsRunning() {
		t.Error("channel must report running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ch.IsRunning() {
		t.Error("channel must report stopped after Stop")
	}
}
