// Package dispatch routes normalized events through the live route table and
// turns handler replies into outbound actions.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
	"github.com/elainabot/elaina/pkg/metrics"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
)

// Policy selects how many matched routes are invoked per event.
type Policy string

const (
	// PolicyFirst walks matches in rank order and stops at the first
	// handler that produces a reply. A handler error ends the event with
	// no reply; an empty reply lets the next match run.
	PolicyFirst Policy = "first"
	// PolicyBroadcast invokes every eligible match.
	PolicyBroadcast Policy = "broadcast"
)

// ParsePolicy maps a config string to a Policy, defaulting to PolicyFirst.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyBroadcast {
		return PolicyBroadcast
	}
	return PolicyFirst
}

// Options tunes dispatcher behavior beyond its collaborators.
type Options struct {
	Policy         Policy
	HandlerTimeout time.Duration // 0 disables the per-handler deadline
	Maintenance    bool

	// DefaultReply is sent when nothing matched and no exclusion applies.
	// Empty disables the catch-all.
	DefaultReply      string
	DefaultExclusions []string
	DeniedReply       string
	MaintenanceReply  string
}

// Dispatcher evaluates sender permissions, matches a pinned route snapshot
// and runs handlers. One Dispatcher serves all transports.
type Dispatcher struct {
	table      *plugin.Table
	evaluator  *permission.Evaluator
	metrics    *metrics.Metrics
	opts       Options
	exclusions []*regexp.Regexp

	// toggled from the admin surface while dispatches are in flight
	maintenance atomic.Bool
}

// New builds a Dispatcher. Invalid exclusion patterns are rejected here so a
// typo fails at startup rather than silently matching nothing.
func New(table *plugin.Table, evaluator *permission.Evaluator, m *metrics.Metrics, opts Options) (*Dispatcher, error) {
	exclusions := make([]*regexp.Regexp, 0, len(opts.DefaultExclusions))
	for _, pattern := range opts.DefaultExclusions {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling default-reply exclusion %q: %w", pattern, err)
		}
		exclusions = append(exclusions, re)
	}
	d := &Dispatcher{
		table:      table,
		evaluator:  evaluator,
		metrics:    m,
		opts:       opts,
		exclusions: exclusions,
	}
	d.maintenance.Store(opts.Maintenance)
	return d, nil
}

// SetMaintenance toggles maintenance mode at runtime.
func (d *Dispatcher) SetMaintenance(on bool) {
	d.maintenance.Store(on)
}

// Dispatch processes one event to completion and returns the outbound
// actions it produced. The route snapshot is captured once at entry; a
// reload that lands mid-dispatch does not change which handlers run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) []event.OutboundAction {
	start := time.Now()
	tier := d.evaluator.Evaluate(ctx, ev.Sender)
	snapshot := d.table.Current()

	if d.maintenance.Load() && !d.evaluator.IsOwner(ev.Sender.UserID) {
		logger.InfoCF("dispatch", "maintenance mode, event dropped", map[string]any{
			"event": ev.ID,
			"user":  ev.Sender.UserID,
		})
		d.metrics.DispatchObserved("maintenance", time.Since(start))
		return d.replyActions(ev, event.TextReply(d.opts.MaintenanceReply))
	}

	result, content := d.match(snapshot, ev.Content, tier)

	if len(result.Entries) == 0 {
		return d.finishUnmatched(ev, tier, result, start)
	}

	var actions []event.OutboundAction
	invoked := 0
	for _, entry := range result.Entries {
		invoked++
		reply, err := d.invoke(ctx, entry, ev, tier, content)
		if err != nil {
			logger.ErrorCF("dispatch", "handler failed", map[string]any{
				"plugin":  entry.Plugin,
				"pattern": entry.Pattern,
				"event":   ev.ID,
				"error":   err.Error(),
			})
			d.metrics.HandlerError(entry.Plugin)
			if d.opts.Policy == PolicyFirst {
				break
			}
			continue
		}
		d.metrics.MatchExecuted(entry.Plugin)
		produced := d.replyActions(ev, reply)
		actions = append(actions, produced...)
		if d.opts.Policy == PolicyFirst && len(produced) > 0 {
			break
		}
	}

	d.metrics.DispatchObserved("matched", time.Since(start))
	logger.DebugCF("dispatch", "event dispatched", map[string]any{
		"event":      ev.ID,
		"generation": snapshot.Generation,
		"handlers":   invoked,
		"actions":    len(actions),
		"elapsed":    time.Since(start).String(),
	})
	return actions
}

// match tries the content as-is, then once more with a leading slash
// stripped, so "/menu" reaches a plugin that registered "^menu". The content
// variant that matched is returned so capture groups line up.
func (d *Dispatcher) match(snapshot *plugin.Snapshot, content string, tier permission.Tier) (plugin.MatchResult, string) {
	result := snapshot.Match(content, tier)
	if len(result.Entries) > 0 || result.Denied > 0 {
		return result, content
	}
	if strings.HasPrefix(content, "/") {
		stripped := content[1:]
		if retry := snapshot.Match(stripped, tier); len(retry.Entries) > 0 || retry.Denied > 0 {
			return retry, stripped
		}
	}
	return result, content
}

// invoke runs one handler behind a panic boundary and an optional deadline.
// A panicking plugin loses this event but never takes the gateway down.
func (d *Dispatcher) invoke(ctx context.Context, entry plugin.RouteEntry, ev event.Event, tier permission.Tier, content string) (reply event.Reply, err error) {
	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanic(entry.Plugin)
			err = fmt.Errorf("plugin %s panicked: %v", entry.Plugin, r)
		}
	}()

	matches := entry.Regex().FindStringSubmatch(content)
	return entry.Handler(ctx, ev, tier, matches)
}

// finishUnmatched handles the two unmatched outcomes separately: a denied
// count above zero means a route wanted this event but the sender's tier was
// insufficient, which is logged and answered differently from plain no-match.
func (d *Dispatcher) finishUnmatched(ev event.Event, tier permission.Tier, result plugin.MatchResult, start time.Time) []event.OutboundAction {
	if result.Denied > 0 {
		logger.WarnCF("dispatch", "permission denied", map[string]any{
			"event":  ev.ID,
			"user":   ev.Sender.UserID,
			"tier":   tier.String(),
			"routes": result.Denied,
		})
		d.metrics.PermissionDenied()
		d.metrics.DispatchObserved("denied", time.Since(start))
		return d.replyActions(ev, event.TextReply(d.opts.DeniedReply))
	}

	d.metrics.Unmatched()
	d.metrics.DispatchObserved("unmatched", time.Since(start))

	if d.opts.DefaultReply == "" || tier == permission.TierBlacklisted {
		return nil
	}
	for _, re := range d.exclusions {
		if re.MatchString(ev.Content) {
			return nil
		}
	}
	return d.replyActions(ev, event.TextReply(d.opts.DefaultReply))
}

func (d *Dispatcher) replyActions(ev event.Event, reply event.Reply) []event.OutboundAction {
	if reply.Empty() {
		return nil
	}
	return []event.OutboundAction{{
		Target:  ev.Sender,
		Reply:   reply,
		EventID: ev.ID,
	}}
}
