// Package permission classifies sender identities into permission tiers and
// gates route execution on them.
package permission

// Tier is the ordered permission level of a sender. Higher values satisfy
// routes requiring lower ones.
type Tier int

const (
	TierBlacklisted Tier = iota
	TierNormal
	TierAdmin
	TierOwner
)

func (t Tier) String() string {
	switch t {
	case TierBlacklisted:
		return "blacklisted"
	case TierNormal:
		return "normal"
	case TierAdmin:
		return "admin"
	case TierOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseTier maps a config/plugin-supplied tier name to a Tier. Unknown names
// fall back to TierNormal so a typo in a plugin widens access to nothing.
func ParseTier(s string) Tier {
	switch s {
	case "blacklisted":
		return TierBlacklisted
	case "admin":
		return TierAdmin
	case "owner":
		return TierOwner
	default:
		return TierNormal
	}
}

// Satisfies reports whether a sender at tier t may trigger a route requiring
// the given tier. Blacklisted senders never satisfy anything; blacklist
// exemption is decided by the route table, not here.
func (t Tier) Satisfies(required Tier) bool {
	if t == TierBlacklisted {
		return false
	}
	return t >= required
}
