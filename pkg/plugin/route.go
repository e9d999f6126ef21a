// Package plugin defines plugin descriptors, route entries and the atomically
// published route table the dispatcher matches against.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/permission"
)

// ErrDuplicatePattern is returned when a plugin registers the same pattern
// string twice. Registration fails loudly instead of overwriting.
var ErrDuplicatePattern = errors.New("duplicate route pattern")

// Handler processes one matched event. matches carries the full regex match
// followed by capture groups. An empty reply means "no result" and lets the
// dispatcher continue per its execution policy.
type Handler func(ctx context.Context, ev event.Event, tier permission.Tier, matches []string) (event.Reply, error)

// RouteSpec is the registration-time description of one route, as supplied by
// a plugin unit.
type RouteSpec struct {
	Pattern         string
	Tier            permission.Tier
	Priority        int // smaller values rank first
	BlacklistExempt bool
	Handler         Handler
}

// RouteEntry is a compiled, immutable route owned by one plugin generation.
type RouteEntry struct {
	Pattern         string
	Plugin          string
	Tier            permission.Tier
	Priority        int
	BlacklistExempt bool
	Handler         Handler

	regex         *regexp.Regexp
	literalPrefix int // specificity tie-break
	seq           int // registration order, final tie-break
}

// Regex returns the compiled pattern.
func (r *RouteEntry) Regex() *regexp.Regexp { return r.regex }

// compileRoute anchors unanchored patterns at the start, matching the
// original framework's behavior: "菜单" and "^菜单" register the same route.
func compileRoute(plugin string, seq int, spec RouteSpec) (RouteEntry, error) {
	pattern := spec.Pattern
	if pattern == "" {
		return RouteEntry{}, fmt.Errorf("plugin %s: empty route pattern", plugin)
	}
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RouteEntry{}, fmt.Errorf("plugin %s: compiling pattern %q: %w", plugin, spec.Pattern, err)
	}
	if spec.Handler == nil {
		return RouteEntry{}, fmt.Errorf("plugin %s: pattern %q has no handler", plugin, spec.Pattern)
	}
	return RouteEntry{
		Pattern:         pattern,
		Plugin:          plugin,
		Tier:            spec.Tier,
		Priority:        spec.Priority,
		BlacklistExempt: spec.BlacklistExempt,
		Handler:         spec.Handler,
		regex:           re,
		literalPrefix:   literalPrefixLen(pattern),
		seq:             seq,
	}, nil
}

// literalPrefixLen measures pattern specificity as the length of the leading
// run of literal runes after the ^ anchor. A longer literal prefix sorts
// before a more general expression.
func literalPrefixLen(pattern string) int {
	p := strings.TrimPrefix(pattern, "^")
	n := 0
	for _, r := range p {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			break
		}
		n++
	}
	return n
}
