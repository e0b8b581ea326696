// Package entitlement decides which senders may use the service. Membership
// is a static allow-list resolved at startup; durable billing state lives
// outside this service.
package entitlement

import "strings"

// AllowList answers entitlement checks against a fixed set of sender IDs.
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList parses a comma-separated list of sender IDs. Blank entries
// are skipped, so trailing commas in the stored parameter are harmless.
func NewAllowList(raw string) *AllowList {
	ids := make(map[string]struct{})
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		ids[id] = struct{}{}
	}
	return &AllowList{ids: ids}
}

// IsEntitled reports whether the sender is on the allow-list.
func (a *AllowList) IsEntitled(senderID string) bool {
	_, ok := a.ids[senderID]
	return ok
}

// Size returns the number of allowed senders, for startup logging.
func (a *AllowList) Size() int {
	return len(a.ids)
}
