package plugin

import (
	"sort"
	"sync/atomic"

	"github.com/elainabot/elaina/pkg/permission"
)

// Snapshot is an immutable, versioned view of every active route across all
// loaded plugins. Entries are pre-sorted by the dispatch tie-break order:
// explicit priority ascending (a smaller value ranks first), then
// literal-prefix specificity descending, then registration sequence.
type Snapshot struct {
	Generation uint64
	entries    []RouteEntry
}

// Entries returns the ordered route list. Callers must not mutate it.
func (s *Snapshot) Entries() []RouteEntry { return s.entries }

// NewSnapshot builds a sorted snapshot from per-plugin route lists. The
// plugin order of the input fixes the registration-sequence tie-break.
func NewSnapshot(generation uint64, perPlugin [][]RouteEntry) *Snapshot {
	var total int
	for _, routes := range perPlugin {
		total += len(routes)
	}
	entries := make([]RouteEntry, 0, total)
	seq := 0
	for _, routes := range perPlugin {
		for _, r := range routes {
			r.seq = seq
			seq++
			entries = append(entries, r)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		if entries[i].literalPrefix != entries[j].literalPrefix {
			return entries[i].literalPrefix > entries[j].literalPrefix
		}
		return entries[i].seq < entries[j].seq
	})
	return &Snapshot{Generation: generation, entries: entries}
}

// MatchResult separates executable matches from audit information: Denied
// counts entries whose pattern matched but whose tier requirement the sender
// failed, so "permission denied" is distinguishable from "no route matched"
// in logs and metrics.
type MatchResult struct {
	Entries []RouteEntry
	Denied  int
}

// Match returns the routes whose pattern matches text and whose tier
// requirement the sender satisfies, in dispatch order. Blacklisted senders
// match only blacklist-exempt routes.
func (s *Snapshot) Match(text string, tier permission.Tier) MatchResult {
	var res MatchResult
	for _, entry := range s.entries {
		if !entry.regex.MatchString(text) {
			continue
		}
		if tier == permission.TierBlacklisted {
			if entry.BlacklistExempt {
				res.Entries = append(res.Entries, entry)
			} else {
				res.Denied++
			}
			continue
		}
		if !tier.Satisfies(entry.Tier) {
			res.Denied++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res
}

// Table holds the current snapshot behind an atomic pointer. Readers capture
// a snapshot once per dispatch and keep using it; Publish swaps the pointer
// without blocking readers, so no dispatch ever observes a torn table.
type Table struct {
	current atomic.Pointer[Snapshot]
}

func NewTable() *Table {
	t := &Table{}
	t.current.Store(NewSnapshot(0, nil))
	return t
}

// Current returns the live snapshot. The returned value stays internally
// consistent for as long as the caller holds it.
func (t *Table) Current() *Snapshot {
	return t.current.Load()
}

// Publish atomically installs a new snapshot. Only the plugin loader calls
// this.
func (t *Table) Publish(s *Snapshot) {
	t.current.Store(s)
}
