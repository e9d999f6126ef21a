package permission

import (
	"context"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/logger"
)

// Store provides the dynamic lookups behind tier evaluation. Implementations
// must be safe for concurrent use; the evaluator never caches their answers.
type Store interface {
	// IsBlacklisted reports whether the user is currently blocked.
	IsBlacklisted(ctx context.Context, userID string) (bool, error)
	// IsGroupAdmin reports whether the user administrates the given group.
	IsGroupAdmin(ctx context.Context, userID, groupID string) (bool, error)
}

// Evaluator classifies sender identities. The owner and admin lists are fixed
// at construction; the blacklist and group-admin data come from the Store on
// every call, so concurrent dispatches see the store's current view.
type Evaluator struct {
	owners map[string]struct{}
	admins map[string]struct{}
	store  Store
}

func NewEvaluator(ownerIDs, adminIDs []string, store Store) *Evaluator {
	e := &Evaluator{
		owners: make(map[string]struct{}, len(ownerIDs)),
		admins: make(map[string]struct{}, len(adminIDs)),
		store:  store,
	}
	for _, id := range ownerIDs {
		e.owners[id] = struct{}{}
	}
	for _, id := range adminIDs {
		e.admins[id] = struct{}{}
	}
	return e
}

// Evaluate resolves the sender's tier. Store failures degrade to the static
// classification rather than blocking dispatch: a broken blacklist store must
// not silently promote or lock out every sender.
func (e *Evaluator) Evaluate(ctx context.Context, sender event.Identity) Tier {
	if e.store != nil {
		blocked, err := e.store.IsBlacklisted(ctx, sender.UserID)
		if err != nil {
			logger.WarnC("permission", "blacklist lookup failed for %s: %v", sender.UserID, err)
		} else if blocked {
			return TierBlacklisted
		}
	}

	if _, ok := e.owners[sender.UserID]; ok {
		return TierOwner
	}
	if _, ok := e.admins[sender.UserID]; ok {
		return TierAdmin
	}

	if e.store != nil && sender.IsGroup() {
		admin, err := e.store.IsGroupAdmin(ctx, sender.UserID, sender.GroupID)
		if err != nil {
			logger.WarnC("permission", "group admin lookup failed for %s/%s: %v",
				sender.UserID, sender.GroupID, err)
		} else if admin {
			return TierAdmin
		}
	}

	return TierNormal
}

// IsOwner reports whether the user is on the static owner list.
func (e *Evaluator) IsOwner(userID string) bool {
	_, ok := e.owners[userID]
	return ok
}
